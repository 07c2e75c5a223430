package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	payments    *prometheus.CounterVec
	grants      prometheus.Counter
}

var sandboxMetrics = newServerMetrics()

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flicense",
			Subsystem: "sandbox",
			Name:      "payment_channel_connections",
			Help:      "Open payment channel connections.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flicense",
			Subsystem: "sandbox",
			Name:      "payments_total",
			Help:      "Payments by status transition.",
		}, []string{"status"}),
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flicense",
			Subsystem: "sandbox",
			Name:      "grants_total",
			Help:      "License grants issued.",
		}),
	}

	m.registry.MustRegister(m.connections, m.payments, m.grants)
	return m
}
