// Package metrics exposes the isolation counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"hostisolation/isolation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostisolation"

// StatusSource is implemented by *isolation.Controller.
type StatusSource interface {
	Status() (isolation.Status, error)
}

// Collector reads a fresh status snapshot on every scrape.
type Collector struct {
	src StatusSource

	packets          *prometheus.Desc
	bytes            *prometheus.Desc
	learned          *prometheus.Desc
	learnFailed      *prometheus.Desc
	armed            *prometheus.Desc
	allowedProcesses *prometheus.Desc
	learnedAddresses *prometheus.Desc
}

func NewCollector(src StatusSource) *Collector {
	return &Collector{
		src: src,
		packets: prometheus.NewDesc(namespace+"_packets_total",
			"Packets classified on the monitored interface.", []string{"verdict"}, nil),
		bytes: prometheus.NewDesc(namespace+"_bytes_total",
			"Bytes classified on the monitored interface.", []string{"verdict"}, nil),
		learned: prometheus.NewDesc(namespace+"_learned_addresses_total",
			"Addresses learned from allowed processes in this activation.", nil, nil),
		learnFailed: prometheus.NewDesc(namespace+"_learn_failures_total",
			"Addresses not learned because the table was full.", nil, nil),
		armed: prometheus.NewDesc(namespace+"_armed",
			"1 while isolation is armed.", []string{"backend", "interface"}, nil),
		allowedProcesses: prometheus.NewDesc(namespace+"_allowed_processes",
			"Processes in the allow policy.", nil, nil),
		learnedAddresses: prometheus.NewDesc(namespace+"_learned_addresses",
			"Entries in the learned-address table.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packets
	ch <- c.bytes
	ch <- c.learned
	ch <- c.learnFailed
	ch <- c.armed
	ch <- c.allowedProcesses
	ch <- c.learnedAddresses
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.src.Status()
	if err != nil {
		log.Printf("[metrics] status: %v", err)
	}

	armed := 0.0
	if st.Armed {
		armed = 1
	}
	ch <- prometheus.MustNewConstMetric(c.armed, prometheus.GaugeValue, armed, st.Backend, st.Interface)
	ch <- prometheus.MustNewConstMetric(c.allowedProcesses, prometheus.GaugeValue, float64(st.AllowedProcesses))
	if !st.Armed {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(st.Stats.Passed.Pkts), "pass")
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(st.Stats.Dropped.Pkts), "drop")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.Stats.Passed.Bytes), "pass")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.Stats.Dropped.Bytes), "drop")
	ch <- prometheus.MustNewConstMetric(c.learned, prometheus.CounterValue, float64(st.Stats.Learned))
	ch <- prometheus.MustNewConstMetric(c.learnFailed, prometheus.CounterValue, float64(st.Stats.LearnFailed))
	ch <- prometheus.MustNewConstMetric(c.learnedAddresses, prometheus.GaugeValue, float64(st.LearnedAddresses))
}

// Handler returns a /metrics handler serving only the isolation collector.
func Handler(src StatusSource) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, src StatusSource) error {
	h, err := Handler(src)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[metrics] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
