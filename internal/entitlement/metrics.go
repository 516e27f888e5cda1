package entitlement

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	reconciliations *prometheus.CounterVec
	keyChanges      *prometheus.CounterVec
	recalculations  *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	tokenTeardowns  prometheus.Counter
}

// newMetrics registers with registerer when it is non-nil.
func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "keys",
				Name:      "reconciliations_total",
				Help:      "Key reconciliations by outcome",
			},
			[]string{"result"},
		),
		keyChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "keys",
				Name:      "state_changes_total",
				Help:      "Keys enabled or disabled by reconciliation",
			},
			[]string{"action"},
		),
		recalculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "guilds",
				Name:      "recalculations_total",
				Help:      "Guild entitlement recalculations by outcome",
			},
			[]string{"result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "guilds",
				Name:      "notifications_total",
				Help:      "Entitlement change direct messages by delivery result",
			},
			[]string{"result"},
		),
		tokenTeardowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "guilds",
				Name:      "custom_token_teardowns_total",
				Help:      "Custom client tokens removed after losing the custom entitlement",
			},
		),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.reconciliations,
			m.keyChanges,
			m.recalculations,
			m.notifications,
			m.tokenTeardowns,
		)
	}
	return m
}
