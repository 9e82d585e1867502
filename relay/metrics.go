package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmux_relay_sent_frames_total",
			Help: "Frames sent to an upstream relay.",
		},
		[]string{"relay"},
	)

	receivedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmux_relay_received_frames_total",
			Help: "Frames received from an upstream relay.",
		},
		[]string{"relay"},
	)

	sessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmux_relay_errors_total",
			Help: "Transport and protocol errors per upstream relay.",
		},
		[]string{"relay"},
	)

	sessionRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrmux_relay_restarts_total",
			Help: "Supervisor restarts per upstream relay.",
		},
		[]string{"relay"},
	)
)
