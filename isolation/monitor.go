package isolation

import (
	"context"
	"fmt"
	"log"
	"time"

	"hostisolation/isolation/utility"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Monitor keeps an armed controller fed: it re-resolves the policy,
// forwards events as formatted lines and pushes counters to the UI.
type Monitor struct {
	Controller *Controller
	Policy     *Policy
	Resolver   ProcessResolver

	Refresh    time.Duration // policy re-resolution period
	StatsEvery time.Duration

	Format    func(Event) string
	NetChan   chan<- string
	AllowChan chan<- utility.TrafficStat
	DenyChan  chan<- utility.TrafficStat

	// DropRate caps the drop events forwarded per second; zero forwards all.
	DropRate  rate.Limit
	DropBurst int

	lastFailed uint64
}

// Run starts the event consumer, the stats pump and the policy refresher.
// It returns when the context is canceled or an error occurs.
func (m *Monitor) Run(ctx context.Context) error {
	if m.Refresh <= 0 {
		m.Refresh = 5 * time.Second
	}
	if m.StatsEvery <= 0 {
		m.StatsEvery = time.Second
	}

	g, gctx := errgroup.WithContext(ctx)

	// Pump events
	g.Go(func() error { return m.consume(gctx) })

	// Pump stats every tick
	g.Go(func() error {
		ticker := time.NewTicker(m.StatsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.pushStats()
			}
		}
	})

	// Re-resolve process names so restarted processes stay allowed
	g.Go(func() error {
		ticker := time.NewTicker(m.Refresh)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := m.SyncPolicy(gctx); err != nil {
					log.Printf("[policy] refresh: %v", err)
				}
			}
		}
	})

	return g.Wait()
}

// consume formats controller events onto NetChan until ctx is done.
// Drops above DropRate are counted and reported with the next forwarded one.
func (m *Monitor) consume(ctx context.Context) error {
	var (
		limiter    *rate.Limiter
		suppressed int
	)
	if m.DropRate > 0 {
		limiter = rate.NewLimiter(m.DropRate, max(m.DropBurst, 1))
	}

	events := m.Controller.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if m.NetChan == nil || m.Format == nil {
				continue
			}
			if ev.Kind == EventDrop && limiter != nil {
				if !limiter.Allow() {
					suppressed++
					continue
				}
				if suppressed > 0 {
					log.Printf("[isolation] %d drop event(s) suppressed", suppressed)
					suppressed = 0
				}
			}
			select {
			case m.NetChan <- m.Format(ev):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (m *Monitor) pushStats() {
	st, err := m.Controller.Status()
	if err != nil {
		log.Printf("[stats] error: %v", err)
	}
	if !st.Armed {
		return
	}
	if st.Stats.LearnFailed > m.lastFailed {
		log.Printf("[isolation] learned-address table full: %d address(es) not learned",
			st.Stats.LearnFailed-m.lastFailed)
	}
	m.lastFailed = st.Stats.LearnFailed

	if m.AllowChan != nil {
		select {
		case m.AllowChan <- st.Stats.Passed:
		default:
		}
	}
	if m.DenyChan != nil {
		select {
		case m.DenyChan <- st.Stats.Dropped:
		default:
		}
	}
}

// SyncPolicy resolves the policy and hands the result to the controller.
func (m *Monitor) SyncPolicy(ctx context.Context) error {
	pids, resolveErr := m.Policy.Resolve(ctx, m.Resolver)
	if resolveErr != nil {
		log.Printf("[policy] resolve names: %v", resolveErr)
	}

	res, err := m.Controller.SyncAllowedProcesses(pids)
	if len(res.Added) > 0 {
		log.Printf("[policy] allowed pid(s) %v", res.Added)
	}
	if len(res.Removed) > 0 {
		log.Printf("[policy] revoked pid(s) %v", res.Removed)
	}
	if len(res.Rejected) > 0 {
		log.Printf("[policy] process table full, rejected pid(s) %v", res.Rejected)
	}
	if err != nil {
		return fmt.Errorf("sync allowed processes: %w", err)
	}
	return nil
}
