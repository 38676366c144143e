package ticket

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultLifetime es la vida de una clave si la config no dice otra cosa.
	DefaultLifetime = 12 * time.Hour
	// DefaultGrace es cuánto se retiene una clave pasada su expiración,
	// para poder desencriptar tickets ya emitidos bajo ella.
	DefaultGrace = 1 * time.Hour
	// DefaultRenewalMargin es el margen estándar de renovación.
	DefaultRenewalMargin = 1 * time.Hour
)

var (
	// ErrStoreClosed se devuelve tras Close.
	ErrStoreClosed = errors.New("ticket: key store closed")
)

// Store es el dueño exclusivo del conjunto de claves de ticket.
//
// Invariantes:
//   - A lo sumo una clave es current en cada instante; la current nunca
//     está expirada en el instante de commit.
//   - Las claves históricas siguen siendo encontrables hasta
//     expires_at + grace; después se purgan y Find no distingue
//     "nunca existió" de "purgada".
//   - Los métodos devuelven copias: el caller las usa durante una
//     invocación del callback y no retiene nada del store.
type Store interface {
	// CurrentForIssuance devuelve la clave current viva. Si no hay o la
	// current expiró, crea una nueva en single-flight: bajo concurrencia
	// se crea exactamente una y todos los callers observan la misma.
	// Falla sólo si la fuente de azar (o el backend) no está disponible.
	CurrentForIssuance(ctx context.Context) (*Key, error)

	// Find busca una clave por name. Ausente si es desconocida o ya fue
	// purgada.
	Find(ctx context.Context, name KeyName) (*Key, bool)

	// Rotate promueve una clave nueva a current de forma atómica y
	// retiene la anterior como histórica hasta que expire. Ningún
	// observador ve cero o dos claves current.
	Rotate(ctx context.Context) (*Key, error)

	// List devuelve la vista pública (sin secretos) de las claves vivas,
	// current primero.
	List(ctx context.Context) []Info

	// Close zeroiza el material secreto y libera el store.
	Close() error
}
