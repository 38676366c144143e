// Package sealer consume el callback del lado del engine: convierte
// estado de sesión en bytes de ticket y viceversa. El formato wire vive
// acá, no en el callback — el core entrega material criptográfico, el
// sealer decide cómo se ve un ticket:
//
//	name(16) || iv(16) || ciphertext || hmac-sha256(32)
//
// con el MAC sobre name||iv||ciphertext y padding PKCS#7 en el estado.
package sealer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/dropDatabas3/stekd/internal/ticket"
)

var (
	// ErrTicketUnusable: clave desconocida/purgada o ticket malformado.
	// El caller cae a handshake completo; no es un error del sistema.
	ErrTicketUnusable = errors.New("sealer: ticket unusable")
	// ErrTicketTampered: MAC inválido o padding corrupto.
	ErrTicketTampered = errors.New("sealer: ticket failed authentication")
	// ErrIssueFailed: el callback no pudo emitir (azar o store caídos).
	ErrIssueFailed = errors.New("sealer: ticket issuance failed")
)

const macSize = sha256.Size

// Sealer emite y abre tickets usando un Callback compartido.
type Sealer struct {
	cb *ticket.Callback
}

func New(cb *ticket.Callback) *Sealer { return &Sealer{cb: cb} }

// Seal emite un ticket nuevo conteniendo state.
func (s *Sealer) Seal(ctx context.Context, state []byte) ([]byte, error) {
	outcome, m := s.cb.Issue(ctx)
	if outcome != ticket.OutcomeIssued {
		return nil, ErrIssueFailed
	}

	pt := pad(state, m.Encrypter.BlockSize())
	ct := make([]byte, len(pt))
	m.Encrypter.CryptBlocks(ct, pt)

	blob := make([]byte, 0, ticket.NameSize+len(m.IV)+len(ct)+macSize)
	blob = append(blob, m.Name[:]...)
	blob = append(blob, m.IV...)
	blob = append(blob, ct...)
	m.MAC.Write(blob)
	blob = m.MAC.Sum(blob)
	return blob, nil
}

// Open valida y desencripta un ticket. renew=true indica que el caller
// debe emitir un reemplazo (Seal de nuevo) para la misma sesión,
// aceptando igualmente la actual.
func (s *Sealer) Open(ctx context.Context, blob []byte) (state []byte, renew bool, err error) {
	ivSize := s.cb.IVSize()
	minLen := ticket.NameSize + ivSize + macSize
	if len(blob) < minLen || (len(blob)-minLen)%ivSize != 0 {
		return nil, false, ErrTicketUnusable
	}

	var name ticket.KeyName
	copy(name[:], blob[:ticket.NameSize])
	iv := blob[ticket.NameSize : ticket.NameSize+ivSize]
	ct := blob[ticket.NameSize+ivSize : len(blob)-macSize]
	mac := blob[len(blob)-macSize:]

	outcome, m := s.cb.Retrieve(ctx, name, iv)
	switch outcome {
	case ticket.OutcomeValid:
	case ticket.OutcomeValidNeedsRenewal:
		renew = true
	case ticket.OutcomeNotFound:
		return nil, false, ErrTicketUnusable
	default:
		return nil, false, fmt.Errorf("sealer: retrieval failed (outcome %s)", outcome)
	}

	m.MAC.Write(blob[:len(blob)-macSize])
	if !hmac.Equal(m.MAC.Sum(nil), mac) {
		return nil, false, ErrTicketTampered
	}

	pt := make([]byte, len(ct))
	if len(ct) > 0 {
		m.Decrypter.CryptBlocks(pt, ct)
	}
	state, ok := unpad(pt, ivSize)
	if !ok {
		return nil, false, ErrTicketTampered
	}
	return state, renew, nil
}

// pad aplica PKCS#7.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// unpad valida y quita PKCS#7.
func unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
