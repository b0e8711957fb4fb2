// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/karawan/internal/logger"
)

// PollInterval is how often Monitor probes the bridge.
const PollInterval = 10 * time.Second

// ErrReconnectThrottled is returned when manual reconnects come too fast.
var ErrReconnectThrottled = errors.New("bridge reconnect throttled")

// Prober is the part of Client the monitor needs.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor tracks bridge availability.
type Monitor struct {
	prober   Prober
	interval time.Duration
	limiter  *rate.Limiter

	mu        sync.RWMutex
	online    bool
	lastCheck time.Time
	lastErr   error
	listeners []func(online bool)
}

// NewMonitor creates a monitor. Manual reconnects are limited to one per
// second with a burst of three.
func NewMonitor(p Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = PollInterval
	}
	return &Monitor{
		prober:   p,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// OnChange registers a callback fired when availability flips.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Health(ctx)
	online := err == nil

	m.mu.Lock()
	changed := online != m.online || m.lastCheck.IsZero()
	m.online = online
	m.lastErr = err
	m.lastCheck = time.Now()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		if online {
			logger.Info("bridge online")
		} else {
			logger.Warn("bridge offline", "err", err)
		}
		for _, fn := range listeners {
			fn(online)
		}
	}
	return online
}

// Reconnect is a user-requested probe.
func (m *Monitor) Reconnect(ctx context.Context) (bool, error) {
	if !m.limiter.Allow() {
		return m.Online(), ErrReconnectThrottled
	}
	return m.Check(ctx), nil
}

// Online reports the last observed availability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Status is a snapshot of the monitor.
type Status struct {
	Online    bool      `json:"online"`
	LastCheck time.Time `json:"lastCheck"`
	Error     string    `json:"error,omitempty"`
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{Online: m.online, LastCheck: m.lastCheck}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	return s
}
