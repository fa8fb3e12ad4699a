package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	identityVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_identity_verifications_total",
			Help: "Identity token verifications by result",
		},
		[]string{"result"}, // ok or a rejection reason
	)

	providerKeyRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_provider_key_refreshes_total",
			Help: "Forced provider key set refreshes by result",
		},
		[]string{"result"}, // ok, error, throttled
	)

	userReconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_user_reconciliations_total",
			Help: "Identity to user reconciliations by outcome",
		},
		[]string{"outcome"}, // created, updated, unchanged, error
	)

	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_logins_total",
			Help: "Login attempts by result",
		},
		[]string{"result"}, // ok, unauthorized, error
	)

	loginDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signin_login_duration_seconds",
			Help:    "End to end login latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)
