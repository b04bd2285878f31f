// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package liveness tracks per-device test-message cadence and
// synthesises "overdue"/"recovered" events when a configured device
// misses its expected heartbeat.
package liveness

import (
	"context"
	"time"

	"github.com/cruunnerr/ha-vds2465-server/internal/device"
	"github.com/cruunnerr/ha-vds2465-server/internal/events"
	"github.com/cruunnerr/ha-vds2465-server/internal/metrics"
	"github.com/cruunnerr/ha-vds2465-server/internal/records"
)

const checkInterval = 60 * time.Second

// TestSeen notifies the monitor that a real test message arrived for
// identity at time At. Connections send these over a channel rather
// than mutating the monitor's state directly, so the monitor remains
// the single owner of its per-identity map.
type TestSeen struct {
	Identity string
	At       time.Time
}

type trackedState struct {
	interval time.Duration
	lastTest time.Time
	overdue  bool
}

// Monitor owns the per-identity liveness state for every device with a
// nonzero TestInterval. It must be driven by Run from a single
// goroutine; NoteTest is the only safe way for other goroutines to
// feed it information.
type Monitor struct {
	sink     events.Sink
	testSeen chan TestSeen
	states   map[string]*trackedState
}

// NewMonitor builds a Monitor seeded from table's devices. Devices
// with TestInterval == 0 are not tracked.
func NewMonitor(table *device.Table, sink events.Sink) *Monitor {
	m := &Monitor{
		sink:     sink,
		testSeen: make(chan TestSeen, 64),
		states:   make(map[string]*trackedState),
	}
	now := time.Now()
	for _, cfg := range table.All() {
		if cfg.TestInterval > 0 {
			m.states[cfg.Identity] = &trackedState{interval: cfg.TestInterval, lastTest: now}
		}
	}
	return m
}

// NoteTest records that identity sent a test message at t. Safe to
// call from any goroutine; blocks only if the monitor has fallen
// badly behind (its queue is generously buffered).
func (m *Monitor) NoteTest(identity string, t time.Time) {
	m.testSeen <- TestSeen{Identity: identity, At: t}
}

// Run drives the monitor until ctx is cancelled, checking for overdue
// devices every 60 seconds and processing TestSeen notifications as
// they arrive.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	m.run(ctx, ticker.C)
}

// run is the tick-source-injectable core of Run, used directly by
// tests so they can drive checks without waiting on a real clock.
func (m *Monitor) run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case seen := <-m.testSeen:
			m.handleTestSeen(seen)
		case now := <-tick:
			m.checkOverdue(now)
		}
	}
}

func (m *Monitor) handleTestSeen(seen TestSeen) {
	s, ok := m.states[seen.Identity]
	if !ok {
		return
	}
	s.lastTest = seen.At
	if !s.overdue {
		return
	}
	s.overdue = false
	m.emit(events.Monitoring, events.MonitoringPayload{
		Kind:        "recovered",
		Identity:    seen.Identity,
		LastContact: seen.At,
		Interval:    s.interval,
	})
	m.emit(events.Alarm, events.AlarmPayload{
		Context: events.Context{Identity: seen.Identity},
		Code:    182,
		Text:    records.Messages.Lookup(182),
		Address: 0,
		Kind:    "Meldung",
		Quelle:  "Eingang",
		Zustand: "Aus",
	})
}

func (m *Monitor) checkOverdue(now time.Time) {
	for identity, s := range m.states {
		if s.overdue {
			continue
		}
		if now.Sub(s.lastTest) <= s.interval {
			continue
		}
		s.overdue = true
		metrics.LivenessOverdueTotal.Inc()
		minutesOverdue := int(now.Sub(s.lastTest) / time.Minute)
		m.emit(events.Monitoring, events.MonitoringPayload{
			Kind:           "overdue",
			Identity:       identity,
			LastContact:    s.lastTest,
			Interval:       s.interval,
			MinutesOverdue: minutesOverdue,
		})
		m.emit(events.Alarm, events.AlarmPayload{
			Context: events.Context{Identity: identity},
			Code:    54,
			Text:    records.Messages.Lookup(54),
			Address: 0,
			Kind:    "Meldung",
			Quelle:  "Eingang",
			Zustand: "Ein",
		})
	}
}

func (m *Monitor) emit(typ events.Type, payload any) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(events.Event{Type: typ, Payload: payload})
}
