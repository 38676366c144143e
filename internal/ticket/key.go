package ticket

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// NameSize es el tamaño del identificador de clave (nunca secreto).
	NameSize = 16
	// CipherSecretSize: AES-256.
	CipherSecretSize = 32
	// AuthSecretSize: HMAC-SHA256.
	AuthSecretSize = 32
	// LegacyBlockSize es el formato clásico de archivo de clave rfc5077:
	// 16 bytes name + 16 bytes aes + 16 bytes hmac.
	LegacyBlockSize = 48
)

var (
	ErrBadLegacyBlock = errors.New("ticket: legacy key block must be 48 bytes")
)

// KeyName identifica una clave de ticket. Viaja en claro dentro del ticket.
type KeyName [NameSize]byte

func (n KeyName) String() string { return hex.EncodeToString(n[:]) }

// ParseKeyName decodifica un name en hex (32 chars).
func ParseKeyName(s string) (KeyName, error) {
	var n KeyName
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("parse key name: %w", err)
	}
	if len(b) != NameSize {
		return n, fmt.Errorf("parse key name: got %d bytes, want %d", len(b), NameSize)
	}
	copy(n[:], b)
	return n, nil
}

// Key es una clave de encriptación de tickets de sesión (STEK).
// Inmutable una vez creada: name y secretos nunca cambian; sólo su
// permanencia en el store (current → historical → purgada) evoluciona.
type Key struct {
	Name         KeyName
	CipherSecret []byte
	AuthSecret   []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// generateKey crea una clave nueva con secretos desde el reader dado.
// El name sale de un UUID v4 (16 bytes aleatorios con variante fija),
// suficiente como token de lookup.
func generateKey(r io.Reader, lifetime time.Duration, now time.Time) (*Key, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("generate key name: %w", err)
	}
	cs := make([]byte, CipherSecretSize)
	if _, err := io.ReadFull(r, cs); err != nil {
		return nil, fmt.Errorf("generate cipher secret: %w", err)
	}
	as := make([]byte, AuthSecretSize)
	if _, err := io.ReadFull(r, as); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	return &Key{
		Name:         KeyName(id),
		CipherSecret: cs,
		AuthSecret:   as,
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.UTC().Add(lifetime),
	}, nil
}

// GenerateKey crea una clave nueva usando crypto/rand.
func GenerateKey(lifetime time.Duration) (*Key, error) {
	return generateKey(rand.Reader, lifetime, time.Now())
}

// LoadLegacyBlock importa un bloque de 48 bytes (formato nginx/openssl:
// name|aes128|hmac128). Los secretos de 16 bytes se expanden al perfil
// AES-256 / HMAC-SHA256 vía HKDF para no mezclar tamaños en el store.
func LoadLegacyBlock(b []byte, lifetime time.Duration, createdAt time.Time) (*Key, error) {
	if len(b) != LegacyBlockSize {
		return nil, ErrBadLegacyBlock
	}
	k := &Key{
		CipherSecret: make([]byte, CipherSecretSize),
		AuthSecret:   make([]byte, AuthSecretSize),
		CreatedAt:    createdAt.UTC(),
		ExpiresAt:    createdAt.UTC().Add(lifetime),
	}
	copy(k.Name[:], b[:16])
	h := hkdf.New(sha256.New, b[16:48], k.Name[:], []byte("stekd legacy key v1"))
	if _, err := io.ReadFull(h, k.CipherSecret); err != nil {
		return nil, fmt.Errorf("expand legacy cipher secret: %w", err)
	}
	if _, err := io.ReadFull(h, k.AuthSecret); err != nil {
		return nil, fmt.Errorf("expand legacy auth secret: %w", err)
	}
	return k, nil
}

// Expired indica si la clave ya salió de su ventana de validez.
func (k *Key) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// Clone devuelve una copia profunda. Los callers del store reciben
// siempre copias: el dueño canónico puede zeroizar sin romper lecturas
// en vuelo.
func (k *Key) Clone() *Key {
	cp := &Key{
		Name:         k.Name,
		CipherSecret: make([]byte, len(k.CipherSecret)),
		AuthSecret:   make([]byte, len(k.AuthSecret)),
		CreatedAt:    k.CreatedAt,
		ExpiresAt:    k.ExpiresAt,
	}
	copy(cp.CipherSecret, k.CipherSecret)
	copy(cp.AuthSecret, k.AuthSecret)
	return cp
}

// Zero sobreescribe el material secreto. Se llama al purgar la copia
// canónica del store.
func (k *Key) Zero() {
	for i := range k.CipherSecret {
		k.CipherSecret[i] = 0
	}
	for i := range k.AuthSecret {
		k.AuthSecret[i] = 0
	}
}

// Info es la vista pública de una clave (sin secretos) para listado
// administrativo.
type Info struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

// InfoOf arma la vista pública de k.
func InfoOf(k *Key, current bool) Info {
	return Info{
		Name:      k.Name.String(),
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		Current:   current,
	}
}
