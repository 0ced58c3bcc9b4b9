// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "questgate_live_sessions",
		Help: "Number of sessions currently held by the token store.",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "questgate_open_connections",
		Help: "Number of websocket connections currently open.",
	})

	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questgate_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questgate_reconnects_total",
		Help: "Reconnect attempts by outcome.",
	}, []string{"outcome"})

	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questgate_searches_total",
		Help: "SEARCH commands by outcome.",
	}, []string{"outcome"})

	CourseCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "questgate_course_cache_hits_total",
		Help: "Searches answered from the course cache without touching the portal.",
	})
)

const (
	OutcomeSuccess   = "success"
	OutcomeChallenge = "challenge"
	OutcomeFailure   = "failure"
)
