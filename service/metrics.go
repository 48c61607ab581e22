package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/gabihodoroga/pubsub-dedup/service")

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dedup_claims_total",
		Help: "Claim attempts by result (granted, locked, processed, error)",
	}, []string{"result"})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dedup_events_total",
		Help: "Events handed to the processor by outcome",
	}, []string{"outcome"})
	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dedup_processing_duration_seconds",
		Help:    "Time from receipt to processed marker for events this instance won",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_events_published_total",
		Help: "Events published by the broadcaster by result",
	}, []string{"result"})
)
