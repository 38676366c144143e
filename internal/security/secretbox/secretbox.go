// Package secretbox sella secretos en reposo con una master key de 32
// bytes (NaCl secretbox: XSalsa20-Poly1305). Lo usan los backends
// persistentes del keystore para que los secretos de las claves de
// ticket nunca toquen disco/red en claro.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize es el tamaño requerido de la master key.
	KeySize   = 32
	nonceSize = 24
	sep       = "|" // base64(nonce)|base64(ciphertext)
)

var (
	ErrBadMasterKey = errors.New("secretbox: master key must decode to 32 bytes")
	ErrBadFormat    = errors.New("secretbox: expected base64(nonce)|base64(ciphertext)")
	ErrOpenFailed   = errors.New("secretbox: authentication failed")
)

// Box sella y abre con una master key fija. Inmutable y seguro para
// uso concurrente.
type Box struct {
	key [KeySize]byte
}

// New crea un Box desde una master key en base64 (std o raw).
// Generar una con: openssl rand -base64 32
func New(masterKeyB64 string) (*Box, error) {
	s := strings.TrimSpace(masterKeyB64)
	k, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		k, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
	}
	return NewFromBytes(k)
}

// NewFromBytes crea un Box desde los 32 bytes crudos.
func NewFromBytes(k []byte) (*Box, error) {
	if len(k) != KeySize {
		return nil, ErrBadMasterKey
	}
	b := &Box{}
	copy(b.key[:], k)
	return b, nil
}

// Seal cifra pt y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Seal(pt []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := secretbox.Seal(nil, pt, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(nonce[:]) + sep +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Open recibe base64(nonce)|base64(ciphertext) y devuelve el plaintext.
func (b *Box) Open(s string) ([]byte, error) {
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return nil, ErrBadFormat
	}
	nb, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nb) != nonceSize {
		return nil, ErrBadFormat
	}
	var nonce [nonceSize]byte
	copy(nonce[:], nb)
	pt, ok := secretbox.Open(nil, ct, &nonce, &b.key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
