// metrics.go: Prometheus instrumentation for page and keyfile operations.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared by every engine it is handed to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	pageOperations   *prometheus.CounterVec
	pageErrors       *prometheus.CounterVec
	keyFileWrites    prometheus.Counter
	keyFileReads     prometheus.Counter
	keyFileErrors    *prometheus.CounterVec
	rekeys           prometheus.Counter
	openEngines      prometheus.Gauge
	firstPageRefresh prometheus.Counter
}

// NewMetrics registers the pagecrypt collectors with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		pageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "page_operations_total",
				Help:      "Total number of page encrypt/decrypt operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		pageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "page_errors_total",
				Help:      "Total number of failed page operations",
			},
			[]string{"operation", "error_type"},
		),
		keyFileWrites: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "keyfile_writes_total",
				Help:      "Total number of successful keyfile writes",
			},
		),
		keyFileReads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "keyfile_reads_total",
				Help:      "Total number of successful keyfile reads",
			},
		),
		keyFileErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "keyfile_errors_total",
				Help:      "Total number of failed keyfile reads and writes",
			},
			[]string{"operation"}, // "read" or "write"
		),
		rekeys: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "rekeys_total",
				Help:      "Total number of committed rekeys",
			},
		),
		openEngines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pagecrypt",
				Name:      "open_engines",
				Help:      "Number of page cipher engines currently open",
			},
		),
		firstPageRefresh: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pagecrypt",
				Name:      "first_page_cache_refreshes_total",
				Help:      "Total number of page-1 writes persisted to the keyfile cache",
			},
		),
	}
}

func (m *Metrics) recordPage(operation string, err error) {
	if m == nil {
		return
	}
	m.pageOperations.WithLabelValues(operation).Inc()
	if err != nil {
		m.pageErrors.WithLabelValues(operation, errorType(err)).Inc()
	}
}

func (m *Metrics) recordKeyFile(operation string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.keyFileErrors.WithLabelValues(operation).Inc()
		return
	}
	switch operation {
	case "read":
		m.keyFileReads.Inc()
	case "write":
		m.keyFileWrites.Inc()
	}
}

func (m *Metrics) recordRekey() {
	if m == nil {
		return
	}
	m.rekeys.Inc()
}

func (m *Metrics) recordFirstPageRefresh() {
	if m == nil {
		return
	}
	m.firstPageRefresh.Inc()
}

func (m *Metrics) engineOpened() {
	if m == nil {
		return
	}
	m.openEngines.Inc()
}

func (m *Metrics) engineClosed() {
	if m == nil {
		return
	}
	m.openEngines.Dec()
}
