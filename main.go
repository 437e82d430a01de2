// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"hostisolation/config"
	"hostisolation/isolation"
	"hostisolation/isolation/audit"
	"hostisolation/isolation/kernel"
	"hostisolation/isolation/utility"
	"hostisolation/metrics"
	"hostisolation/ui"

	"github.com/cilium/ebpf/rlimit"
	"github.com/gdamore/tcell/v2"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

const defaultConfigName = "hostisolation.yaml"

func main() {
	configPath := flag.StringP("config", "c", "", "path to the YAML configuration")
	iface := flag.StringP("iface", "i", "", "network interface to isolate")
	mode := flag.String("mode", "", "enforce (kernel) or audit (observe only)")
	headless := flag.Bool("headless", false, "run without the terminal UI")
	metricsAddr := flag.String("metrics", "", "listen address for the Prometheus endpoint, e.g. :9464")
	allowPIDs := flag.UintSlice("allow-pid", nil, "pid allowed to open connections (repeatable)")
	allowNames := flag.StringSlice("allow-name", nil, "process name allowed to open connections (repeatable)")
	flag.Parse()

	path, cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}
	if flag.CommandLine.Changed("iface") {
		cfg.Interface = *iface
	}
	if flag.CommandLine.Changed("mode") {
		cfg.Mode = *mode
	}
	if flag.CommandLine.Changed("headless") {
		cfg.Headless = *headless
	}
	if flag.CommandLine.Changed("metrics") {
		cfg.Metrics.Listen = *metricsAddr
	}
	extra := config.Policy{Processes: *allowNames}
	for _, pid := range *allowPIDs {
		extra.PIDs = append(extra.PIDs, uint32(pid))
	}
	cfg.Policy = mergePolicy(cfg.Policy, extra)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Interface == "" {
		if cfg.Headless {
			log.Fatal("Error: --iface is required in headless mode")
		}
		if cfg.Interface, err = ui.SelectNetworkInterface(); err != nil {
			log.Fatalf("Interface selection failed: %v", err)
		}
	}

	if err := run(cfg, path, extra); err != nil {
		log.Fatalf("Isolation failed: %v", err)
	}
}

// loadConfig returns the file actually used, "" when running on defaults.
func loadConfig(path string) (string, config.Config, error) {
	if path == "" {
		path = utility.DefaultConfigPath(defaultConfigName)
	}
	if path == "" {
		return "", config.Default(), nil
	}
	cfg, err := config.Load(path)
	return path, cfg, err
}

// mergePolicy adds the command-line allow-list to the configured one.
func mergePolicy(p, extra config.Policy) config.Policy {
	p.PIDs = append(slices.Clone(p.PIDs), extra.PIDs...)
	p.Processes = append(slices.Clone(p.Processes), extra.Processes...)
	return p
}

func newBackend(cfg config.Config) (isolation.Backend, error) {
	if cfg.Mode == config.ModeAudit {
		return audit.New(cfg.Interface, cfg.Audit.Poll)
	}
	// Remove memory lock limits for eBPF
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}
	return kernel.New(cfg.Interface)
}

func run(cfg config.Config, path string, extra config.Policy) error {
	// Create channels for communication
	sysChan := make(chan string, 200)
	netChan := make(chan string, 200)
	// Channels for pushing pass/drop stats to the UI
	passChan := make(chan utility.TrafficStat, 200)
	dropChan := make(chan utility.TrafficStat, 200)

	if cfg.Headless {
		log.SetOutput(os.Stderr)
	} else {
		// Configure standard logger to write to the system log channel
		log.SetFlags(0)
		log.SetOutput(ui.ChannelWriter{Ch: sysChan})
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	dirs, _ := cfg.ParsedDirections()
	ctrl := isolation.NewController(backend, isolation.Options{
		Interface:  cfg.Interface,
		Directions: dirs,
		Tables:     cfg.TableConfig(),
	})
	// Disarm on every exit path.
	defer ctrl.Disarm()

	policy := isolation.NewPolicy(cfg.Policy.PIDs, cfg.Policy.Processes)
	mon := &isolation.Monitor{
		Controller: ctrl,
		Policy:     policy,
		Resolver:   utility.ProcessResolver{},
		Refresh:    cfg.Policy.Refresh,
		Format:     ui.FormatEventMsg,
		NetChan:    netChan,
		DropRate:   rate.Limit(cfg.DropEventRate),
		DropBurst:  int(cfg.DropEventRate),
	}
	if !cfg.Headless {
		mon.AllowChan = passChan
		mon.DenyChan = dropChan
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mon.SyncPolicy(ctx); err != nil {
		return err
	}
	if err := ctrl.Arm(ctx); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, ctrl); err != nil {
				log.Printf("[metrics] serve failed: %v", err)
			}
		}()
	}

	// Policy changes in the file apply without re-arming.
	if path != "" {
		go func() {
			err := config.Watch(ctx, path, 500*time.Millisecond, func(next config.Config) {
				p := mergePolicy(next.Policy, extra)
				policy.Replace(p.PIDs, p.Processes)
				if err := mon.SyncPolicy(ctx); err != nil {
					log.Printf("[policy] reload: %v", err)
				}
			})
			if err != nil {
				log.Printf("[config] watch disabled: %v", err)
			}
		}()
	}

	// Run the monitor in a separate goroutine
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[isolation] monitor stopped: %v", err)
		}
	}()

	if cfg.Headless {
		go func() {
			for line := range netChan {
				log.Print(line)
			}
		}()
		<-ctx.Done()
		stop()
		<-monDone
		return nil
	}

	runUI(ctx, cfg, &console{ctrl: ctrl, policy: policy, monitor: mon}, sysChan, netChan, passChan, dropChan)
	// Nothing drains the UI channels anymore.
	log.SetOutput(os.Stderr)
	stop()
	<-monDone
	return nil
}

func runUI(ctx context.Context, cfg config.Config, con *console,
	sysChan, netChan chan string, passChan, dropChan chan utility.TrafficStat,
) {
	views := ui.SetupUI(cfg.Mode + " on " + cfg.Interface)

	// Handle text input for the isolation commands
	views.Input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := views.Input.GetText()
		views.Input.SetText("")
		// Commands may block on the kernel; keep them off the UI goroutine.
		go func() {
			out, err := con.Execute(ctx, text)
			if err != nil {
				sysChan <- fmt.Sprintf("[ERROR] %q failed: %v", text, err)
				return
			}
			sysChan <- "[SYS] " + out
		}()
	})

	// Start goroutines to pump data from channels to UI views
	go ui.PumpTextview(views.App, views.Sys, sysChan)
	go ui.PumpTextview(views.App, views.Events, netChan)

	// Pump pass/drop counts to UI
	go ui.PumpCounterView(views.App, views.Passed, passChan)
	go ui.PumpCounterView(views.App, views.Drops, dropChan)

	go func() {
		<-ctx.Done()
		views.App.Stop()
	}()

	log.Printf("Starting UI...")
	if err := views.App.SetRoot(views.Layout, true).SetFocus(views.Input).Run(); err != nil {
		log.Printf("UI failed: %v", err)
	}
}
