// Package connwatch tracks the reachability of the services Starkbot
// depends on: the Starknet node and the model providers.
//
// Each watched service is probed on its own goroutine. While a service
// is down, probes back off exponentially from InitialDelay to MaxDelay;
// once it answers, it is re-checked every PollInterval. The agent keeps
// serving either way. Status feeds the /health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Config controls probe timing. Zero fields take the DefaultConfig
// values.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns 2s doubling to 60s while down, 60s polling while
// up, and a 10s limit per probe.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Status is the health of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

type watcher struct {
	mu     sync.Mutex
	status Status
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// record stores a probe result and reports whether readiness changed.
func (w *watcher) record(err error) (changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.status.Ready
	w.status.LastCheck = time.Now()
	if err != nil {
		w.status.Ready = false
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Ready = true
		w.status.LastError = ""
		w.status.Failures = 0
	}
	return was != w.status.Ready
}

// Monitor watches a set of services.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewMonitor creates a monitor. Watchers run until Stop.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "connwatch"),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing the service called name. Watching a name twice
// is a programming error and panics.
func (m *Monitor) Watch(name string, probe Probe) {
	if name == "" || probe == nil {
		panic("connwatch: Watch requires a name and a probe")
	}
	w := &watcher{status: Status{Name: name}}

	m.mu.Lock()
	if _, dup := m.watchers[name]; dup {
		m.mu.Unlock()
		panic("connwatch: service " + name + " is already watched")
	}
	m.watchers[name] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(name, w, probe)
	}()
}

func (m *Monitor) run(name string, w *watcher, probe Probe) {
	log := m.logger.With("service", name)
	delay := m.cfg.InitialDelay
	first := true

	for {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
		err := probe(ctx)
		cancel()
		if m.ctx.Err() != nil {
			return
		}

		changed := w.record(err)
		var wait time.Duration
		switch {
		case err == nil:
			if changed {
				log.Info("service reachable")
			}
			delay = m.cfg.InitialDelay
			wait = m.cfg.PollInterval
		default:
			if changed || first {
				log.Warn("service unreachable", "error", err)
			} else {
				log.Debug("service still unreachable", "error", err, "next_delay", delay)
			}
			wait = delay
			delay *= 2
			if delay > m.cfg.MaxDelay {
				delay = m.cfg.MaxDelay
			}
		}
		first = false

		t := time.NewTimer(wait)
		select {
		case <-m.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Ready reports whether name answered its latest probe. Unknown names
// are not ready.
func (m *Monitor) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return ok && w.snapshot().Ready
}

// Status returns the health of every watched service, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats summarizes Status for the health endpoint.
func (m *Monitor) Stats() map[string]any {
	stats := make(map[string]any)
	for _, s := range m.Status() {
		stats[s.Name] = s
	}
	return stats
}

// Stop cancels every watcher and waits for them to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
