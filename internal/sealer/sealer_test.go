package sealer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/stekd/internal/cryptobind"
	"github.com/dropDatabas3/stekd/internal/ticket"
)

func newTestSealer(t *testing.T, margin time.Duration) *Sealer {
	t.Helper()
	store := ticket.NewMemoryStore(time.Hour, time.Minute)
	t.Cleanup(func() { store.Close() })
	cb := ticket.NewCallback(store, cryptobind.NewAESCBCHMAC(), ticket.RenewalPolicy{Margin: margin})
	return New(cb)
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSealer(t, 5*time.Minute)
	ctx := context.Background()

	for _, n := range []int{0, 1, 15, 16, 17, 100} {
		state := bytes.Repeat([]byte{0xA5}, n)
		blob, err := s.Seal(ctx, state)
		if err != nil {
			t.Fatalf("seal %d bytes: %v", n, err)
		}
		got, renew, err := s.Open(ctx, blob)
		if err != nil {
			t.Fatalf("open %d bytes: %v", n, err)
		}
		if renew {
			t.Fatalf("fresh ticket must not request renewal")
		}
		if !bytes.Equal(got, state) {
			t.Fatalf("state %d bytes: round trip mismatch", n)
		}
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s := newTestSealer(t, 5*time.Minute)
	ctx := context.Background()

	blob, err := s.Seal(ctx, []byte("session state"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Un bit en el ciphertext.
	mod := append([]byte(nil), blob...)
	mod[ticket.NameSize+16] ^= 0x01
	if _, _, err := s.Open(ctx, mod); !errors.Is(err, ErrTicketTampered) {
		t.Fatalf("flipped ciphertext: got %v, want ErrTicketTampered", err)
	}

	// Un bit en el MAC.
	mod = append([]byte(nil), blob...)
	mod[len(mod)-1] ^= 0x01
	if _, _, err := s.Open(ctx, mod); !errors.Is(err, ErrTicketTampered) {
		t.Fatalf("flipped mac: got %v, want ErrTicketTampered", err)
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	s := newTestSealer(t, 5*time.Minute)
	ctx := context.Background()

	for _, blob := range [][]byte{nil, {}, make([]byte, 10), make([]byte, 63)} {
		if _, _, err := s.Open(ctx, blob); !errors.Is(err, ErrTicketUnusable) {
			t.Fatalf("blob len %d: got %v, want ErrTicketUnusable", len(blob), err)
		}
	}
	// Largo suficiente pero ciphertext sin alinear a bloque.
	if _, _, err := s.Open(ctx, make([]byte, 16+16+32+7)); !errors.Is(err, ErrTicketUnusable) {
		t.Fatalf("unaligned blob: got %v, want ErrTicketUnusable", err)
	}
}

func TestOpenUnknownKey(t *testing.T) {
	s := newTestSealer(t, 5*time.Minute)
	ctx := context.Background()

	blob, err := s.Seal(ctx, []byte("state"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	// Pisar el name: clave inexistente.
	for i := 0; i < ticket.NameSize; i++ {
		blob[i] = 0xFF
	}
	if _, _, err := s.Open(ctx, blob); !errors.Is(err, ErrTicketUnusable) {
		t.Fatalf("unknown key: got %v, want ErrTicketUnusable", err)
	}
}

func TestOpenSignalsRenewal(t *testing.T) {
	// Margen mayor que el lifetime: toda clave está en ventana de
	// renovación desde que nace.
	s := newTestSealer(t, 2*time.Hour)
	ctx := context.Background()

	blob, err := s.Seal(ctx, []byte("state"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	state, renew, err := s.Open(ctx, blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !renew {
		t.Fatal("expected renewal signal inside the margin")
	}
	if string(state) != "state" {
		t.Fatal("renewal must still decrypt the ticket")
	}

	// Re-emitir para la misma sesión: el ticket nuevo también abre.
	blob2, err := s.Seal(ctx, state)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if bytes.Equal(blob, blob2) {
		t.Fatal("reissued ticket must differ (fresh iv)")
	}
	state2, _, err := s.Open(ctx, blob2)
	if err != nil {
		t.Fatalf("open reissued: %v", err)
	}
	if !bytes.Equal(state2, state) {
		t.Fatal("reissued ticket state mismatch")
	}
}

func TestOpenAfterRotation(t *testing.T) {
	store := ticket.NewMemoryStore(time.Hour, time.Hour)
	t.Cleanup(func() { store.Close() })
	cb := ticket.NewCallback(store, cryptobind.NewAESCBCHMAC(), ticket.RenewalPolicy{Margin: 5 * time.Minute})
	s := New(cb)
	ctx := context.Background()

	old, err := s.Seal(ctx, []byte("pre-rotation session"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	k, err := store.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	k.Zero()

	// El ticket viejo sigue abriendo mientras su clave esté en gracia.
	state, _, err := s.Open(ctx, old)
	if err != nil {
		t.Fatalf("open pre-rotation ticket: %v", err)
	}
	if string(state) != "pre-rotation session" {
		t.Fatal("pre-rotation state mismatch")
	}

	// Los tickets nuevos salen bajo la clave rotada.
	fresh, err := s.Seal(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("seal post-rotation: %v", err)
	}
	if bytes.Equal(fresh[:ticket.NameSize], old[:ticket.NameSize]) {
		t.Fatal("issuance still uses the pre-rotation key")
	}
}

func TestSealFailsWithoutStore(t *testing.T) {
	store := ticket.NewMemoryStore(time.Hour, time.Minute)
	store.Close()
	cb := ticket.NewCallback(store, cryptobind.NewAESCBCHMAC(), ticket.RenewalPolicy{})
	s := New(cb)

	if _, err := s.Seal(context.Background(), []byte("state")); !errors.Is(err, ErrIssueFailed) {
		t.Fatalf("got %v, want ErrIssueFailed", err)
	}
}
