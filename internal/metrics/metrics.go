// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package metrics exposes the server's Prometheus counters and gauges,
// scraped at /metrics alongside the introspection API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "connections_total",
		Help:      "Total accepted panel connections.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vds2465",
		Name:      "active_connections",
		Help:      "Panel connections currently established.",
	})

	FramesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "frames_received_total",
		Help:      "Total plaintext frames accepted after CRC verification.",
	})

	FramesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "frames_rejected_total",
		Help:      "Total frames dropped, by reason.",
	}, []string{"reason"})

	AlarmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "alarms_total",
		Help:      "Total alarm/status events emitted, by kind.",
	}, []string{"kind"})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "retries_total",
		Help:      "Total retry-timer expirations across all connections.",
	})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "disconnects_total",
		Help:      "Total connection teardowns, by reason.",
	}, []string{"reason"})

	LivenessOverdueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vds2465",
		Name:      "liveness_overdue_total",
		Help:      "Total devices that missed their expected test-message cadence.",
	})
)
