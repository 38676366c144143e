package ticket

import "time"

// Decision es el resultado de evaluar la política de renovación.
type Decision int

const (
	NoRenewal Decision = iota
	RenewalDue
)

// RenewalPolicy decide si un ticket aceptado debe reemitirse bajo una
// clave fresca. Función pura: no toca el store ni el reloj.
//
// La regla estándar: renovación debida cuando el tiempo actual cruzó
// expires_at - margin. Esto evita el precipicio donde todas las
// sesiones dejan de resumir a la vez al expirar la clave.
type RenewalPolicy struct {
	// Margin es cuánto antes de expires_at se empieza a señalar
	// renovación.
	Margin time.Duration
}

// Evaluate aplica la política sobre la ventana de k en el instante now.
// Una clave ya expirada (pero aún encontrada en el store, dentro del
// período de gracia) también es RenewalDue: el ticket todavía se acepta
// pero el cliente debe migrar ya.
func (p RenewalPolicy) Evaluate(k *Key, now time.Time) Decision {
	if now.Before(k.ExpiresAt.Add(-p.Margin)) {
		return NoRenewal
	}
	return RenewalDue
}
