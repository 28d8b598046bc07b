// Package metrics holds the Prometheus collectors of the SMTP front end and
// the delivery pipeline. They register with the default registry; serving
// them is left to the process embedding this module.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results.
const (
	ResultDelivered = "delivered"
	ResultTempfail  = "tempfail"
	ResultFatal     = "fatal"
	ResultTooLarge  = "toolarge"
)

var (
	Connections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ripple_smtp_connections_total",
			Help: "Accepted SMTP connections.",
		},
	)
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripple_smtp_connections_active",
			Help: "SMTP connections currently being served.",
		},
	)
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ripple_smtp_commands_total",
			Help: "SMTP commands by verb and reply code.",
		},
		[]string{
			"cmd",
			"code",
		},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ripple_delivery_total",
			Help: "Delivery attempts by result: delivered, tempfail, fatal, toolarge.",
		},
		[]string{
			"result",
		},
	)
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ripple_delivery_duration_seconds",
			Help:    "Duration of the delivery transaction including artifact writes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
	)
)
