package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the ticket key lifecycle. Defined in a standalone
// package to avoid import cycles between the store and HTTP packages.

var (
	TicketsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stek_tickets_issued_total",
		Help: "Invocaciones de emisión que terminaron en Issued",
	})

	TicketRetrievals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stek_ticket_retrievals_total",
		Help: "Invocaciones de retrieval por outcome (valid, valid_needs_renewal, not_found, error)",
	}, []string{"outcome"})

	CallbackErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stek_callback_errors_total",
		Help: "Errores del callback por causa (random_source, key_store, binding)",
	}, []string{"cause"})

	KeysCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stek_keys_created_total",
		Help: "Claves de ticket creadas (lazy o por rotación)",
	})

	KeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stek_key_rotations_total",
		Help: "Rotaciones administrativas o periódicas",
	})

	KeysPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stek_keys_purged_total",
		Help: "Claves históricas purgadas tras expiry + grace",
	})

	CurrentKeyAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stek_current_key_age_seconds",
		Help: "Edad de la clave current de emisión",
	})
)

// Register registers the ticket metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		TicketsIssued,
		TicketRetrievals,
		CallbackErrors,
		KeysCreated,
		KeyRotations,
		KeysPurged,
		CurrentKeyAge,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
