// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// state holds the current status and fans changes out to subscribers.
type state struct {
	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

func newState(online bool) state {
	return state{online: online, subs: make(map[chan bool]struct{})}
}

func (s *state) get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.online
}

// set records online and notifies subscribers when it changed.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return false
	}

	s.online = online

	for ch := range s.subs {
		// Latest wins: a slow subscriber only sees the newest state.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}

	return true
}

func (s *state) subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// ManualMonitor is driven by the host application, which knows the network state.
type ManualMonitor struct {
	state state
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{state: newState(online)}
}

// IsOnline reports the last state set.
func (m *ManualMonitor) IsOnline(context.Context) bool {
	return m.state.get()
}

// SetOnline records a new state.
func (m *ManualMonitor) SetOnline(online bool) {
	if m.state.set(online) {
		slog.Info("connectivity changed", "online", online)
	}
}

// Subscribe returns a channel of state changes and a function that stops them.
func (m *ManualMonitor) Subscribe() (<-chan bool, func()) {
	return m.state.subscribe()
}

// ProbeMonitor polls the backend health endpoint.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	http     *http.Client
	state    state
}

// NewProbeMonitor creates a monitor probing baseURL+healthPath. It starts
// offline until the first probe succeeds.
func NewProbeMonitor(baseURL, healthPath string, interval time.Duration, httpClient *http.Client) *ProbeMonitor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &ProbeMonitor{
		url:      strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(healthPath, "/"),
		interval: interval,
		http:     httpClient,
		state:    newState(false),
	}
}

// IsOnline reports the result of the latest probe.
func (m *ProbeMonitor) IsOnline(context.Context) bool {
	return m.state.get()
}

// Subscribe returns a channel of state changes and a function that stops them.
func (m *ProbeMonitor) Subscribe() (<-chan bool, func()) {
	return m.state.subscribe()
}

// Probe checks the backend once and records the result.
func (m *ProbeMonitor) Probe(ctx context.Context) bool {
	online := m.check(ctx)
	if m.state.set(online) {
		slog.InfoContext(ctx, "connectivity changed", "online", online, "url", m.url)
	}

	return online
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (m *ProbeMonitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *ProbeMonitor) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}

	resp, err := m.http.Do(req)
	if err != nil {
		slog.DebugContext(ctx, "connectivity probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	// Any answer below 500 proves the network path works.
	return resp.StatusCode < http.StatusInternalServerError
}
