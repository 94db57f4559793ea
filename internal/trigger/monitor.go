package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Pinger checks reachability of the remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks connectivity by probing the remote backend.
//
// The first probe posts Startup when the backend is reachable. Every later
// offline to online transition posts Online. Monitor implements
// engine.Connectivity.
type Monitor struct {
	pinger   Pinger
	poster   Poster
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	online bool
	probed bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbeInterval sets the delay between probes.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.timeout = d
	}
}

// NewMonitor creates a monitor probing pinger and posting to poster.
// It reports offline until the first probe completes.
func NewMonitor(pinger Pinger, poster Poster, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		pinger:   pinger,
		poster:   poster,
		interval: DefaultProbeInterval,
		timeout:  DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the result of the latest probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe pings the backend once, records the result and posts a trigger on
// startup or on reconnection. Returns the new state.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(ctx)
	cancel()
	online := err == nil

	m.mu.Lock()
	first := !m.probed
	was := m.online
	m.probed = true
	m.online = online
	m.mu.Unlock()

	switch {
	case first && online:
		slog.Info("remote backend reachable")
		m.poster.Post(Trigger{Kind: Startup})
	case first:
		slog.Info("remote backend unreachable, punches will queue locally", "error", err)
	case online && !was:
		slog.Info("connectivity restored")
		m.poster.Post(Trigger{Kind: Online})
	case !online && was:
		slog.Warn("connectivity lost", "error", err)
	}
	return online
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
