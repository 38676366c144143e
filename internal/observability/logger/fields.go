package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar del dominio. Usar siempre estos helpers para que los
// nombres queden consistentes entre store, callback y HTTP.

// KeyName crea un campo con el name (hex) de una clave de ticket.
// Nunca loguear material secreto; el name es el único dato seguro.
func KeyName(v string) zap.Field {
	return zap.String("key_name", v)
}

// Outcome crea un campo con el outcome del callback.
func Outcome(v string) zap.Field {
	return zap.String("outcome", v)
}

// Backend crea un campo con el backend del keystore (memory, fs, redis, postgres).
func Backend(v string) zap.Field {
	return zap.String("backend", v)
}

// ExpiresAt crea un campo con la expiración de una clave.
func ExpiresAt(v time.Time) zap.Field {
	return zap.Time("expires_at", v)
}

// Lifetime crea un campo con la vida configurada de las claves.
func Lifetime(v time.Duration) zap.Field {
	return zap.Duration("lifetime", v)
}

// Keys crea un campo con una cantidad de claves.
func Keys(v int) zap.Field {
	return zap.Int("keys", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Signal crea un campo con el nombre de una señal del OS.
func Signal(v string) zap.Field {
	return zap.String("signal", v)
}

// Addr crea un campo con una dirección de red.
func Addr(v string) zap.Field {
	return zap.String("addr", v)
}

// Path crea un campo con un path de archivo.
func Path(v string) zap.Field {
	return zap.String("path", v)
}
