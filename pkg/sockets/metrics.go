// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const metricsNamespace = "easysockets"

// metrics of a single Manager, distinguished by the "manager" label.
type metrics struct {
	entries       prometheus.Gauge
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	drops         prometheus.Counter
	retries       prometheus.Counter
	retired       prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
}

func newMetrics(name string, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"manager": name}

	counter := func(metric, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "manager",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &metrics{
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "manager",
			Name:        "entries",
			Help:        "Number of socket entries held after the last update cycle.",
			ConstLabels: labels,
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "manager",
			Name:        "cycle_duration_seconds",
			Help:        "Duration of an update cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		cycles:       counter("cycles_total", "Number of finished update cycles."),
		drops:        counter("socket_drops_total", "Sockets detached after a terminal error."),
		retries:      counter("update_retries_total", "Transient update failures."),
		retired:      counter("entries_retired_total", "Entries removed from the manager."),
		bytesRead:    counter("read_bytes_total", "Bytes read from sockets."),
		bytesWritten: counter("written_bytes_total", "Bytes written to sockets."),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				log.WithFields(log.Fields{
					"manager": name,
					"error":   err,
				}).Warn("Failed to register manager metric")
			}
		}
	}

	return m
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.entries, m.cycles, m.cycleDuration, m.drops,
		m.retries, m.retired, m.bytesRead, m.bytesWritten,
	}
}
