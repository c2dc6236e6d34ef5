package files

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedrop_reservations_total",
		Help: "Upload reservations by outcome.",
	}, []string{"outcome"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedrop_completions_total",
		Help: "CompleteUpload calls by resulting status or error kind.",
	}, []string{"result"})

	statusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedrop_status_transitions_total",
		Help: "Applied file status transitions.",
	}, []string{"from", "to"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedrop_download_authorizations_total",
		Help: "Download authorization decisions.",
	}, []string{"decision"})

	reservedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedrop_reserved_bytes_total",
		Help: "Advisory bytes announced by successful reservations.",
	})
)
