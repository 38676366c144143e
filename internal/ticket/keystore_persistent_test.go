package ticket

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRecordStore es un backend en memoria con contadores de accesos,
// para verificar el comportamiento de cache y claims sin redis/pg.
type fakeRecordStore struct {
	mu      sync.Mutex
	current *Key
	keys    map[KeyName]*Key

	loadCurrentCalls int
	saveCalls        int
	purged           int

	// winner, si está seteado, gana todo claim no forzado (simula otro
	// nodo del fleet instalando su clave primero).
	winner *Key
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{keys: map[KeyName]*Key{}}
}

func (f *fakeRecordStore) LoadCurrent(ctx context.Context) (*Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCurrentCalls++
	if f.current == nil {
		return nil, ErrRecordNotFound
	}
	return f.current.Clone(), nil
}

func (f *fakeRecordStore) LoadKey(ctx context.Context, name KeyName) (*Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[name]; ok {
		return k.Clone(), nil
	}
	return nil, ErrRecordNotFound
}

func (f *fakeRecordStore) SaveCurrent(ctx context.Context, k *Key, force bool) (*Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if !force && f.winner != nil {
		return f.winner.Clone(), nil
	}
	cp := k.Clone()
	f.current = cp
	f.keys[cp.Name] = cp
	return cp.Clone(), nil
}

func (f *fakeRecordStore) ListKeys(ctx context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]Info, 0, len(f.keys))
	for _, k := range f.keys {
		infos = append(infos, InfoOf(k, f.current != nil && f.current.Name == k.Name))
	}
	return infos, nil
}

func (f *fakeRecordStore) PurgeExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged, nil
}

func (f *fakeRecordStore) Close() error { return nil }

func TestPersistentStoreCreatesAndCaches(t *testing.T) {
	rs := newFakeRecordStore()
	s := NewPersistentStore(rs, "fake", time.Hour, time.Minute)
	defer s.Close()
	ctx := context.Background()

	k1, err := s.CurrentForIssuance(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	// Dentro del TTL de cache las siguientes llamadas no tocan el backend.
	for i := 0; i < 10; i++ {
		k, err := s.CurrentForIssuance(ctx)
		if err != nil {
			t.Fatalf("current: %v", err)
		}
		if k.Name != k1.Name {
			t.Fatal("cached current changed identity")
		}
	}
	rs.mu.Lock()
	loads, saves := rs.loadCurrentCalls, rs.saveCalls
	rs.mu.Unlock()
	if loads != 1 || saves != 1 {
		t.Fatalf("backend hit past the cache: loads=%d saves=%d", loads, saves)
	}
}

func TestPersistentStoreAdoptsExistingCurrent(t *testing.T) {
	rs := newFakeRecordStore()
	seed, err := GenerateKey(time.Hour)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	rs.current = seed
	rs.keys[seed.Name] = seed

	s := NewPersistentStore(rs, "fake", time.Hour, time.Minute)
	defer s.Close()

	k, err := s.CurrentForIssuance(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if k.Name != seed.Name {
		t.Fatal("store must adopt the persisted current instead of minting")
	}
	rs.mu.Lock()
	saves := rs.saveCalls
	rs.mu.Unlock()
	if saves != 0 {
		t.Fatalf("no save expected when a live current exists, got %d", saves)
	}
}

func TestPersistentStoreLosesClaim(t *testing.T) {
	rs := newFakeRecordStore()
	other, err := GenerateKey(time.Hour)
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	rs.winner = other

	s := NewPersistentStore(rs, "fake", time.Hour, time.Minute)
	defer s.Close()

	k, err := s.CurrentForIssuance(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if k.Name != other.Name {
		t.Fatal("losing node must adopt the fleet winner's key")
	}
}

func TestPersistentStoreFindFallsThrough(t *testing.T) {
	rs := newFakeRecordStore()
	hist, err := GenerateKey(time.Hour)
	if err != nil {
		t.Fatalf("hist: %v", err)
	}
	rs.keys[hist.Name] = hist

	s := NewPersistentStore(rs, "fake", time.Hour, time.Minute)
	defer s.Close()
	ctx := context.Background()

	// Miss en memoria, hit en backend.
	k, ok := s.Find(ctx, hist.Name)
	if !ok || k.Name != hist.Name {
		t.Fatal("find must fall through to the backend")
	}

	var unknown KeyName
	unknown[7] = 0x42
	if _, ok := s.Find(ctx, unknown); ok {
		t.Fatal("unknown name must be absent")
	}
}

func TestPersistentStoreFindRespectsGrace(t *testing.T) {
	rs := newFakeRecordStore()
	dead := &Key{
		CipherSecret: make([]byte, CipherSecretSize),
		AuthSecret:   make([]byte, AuthSecretSize),
		CreatedAt:    time.Now().Add(-3 * time.Hour),
		ExpiresAt:    time.Now().Add(-2 * time.Hour),
	}
	dead.Name[0] = 0xEE
	rs.keys[dead.Name] = dead

	s := NewPersistentStore(rs, "fake", time.Hour, time.Minute)
	defer s.Close()

	if _, ok := s.Find(context.Background(), dead.Name); ok {
		t.Fatal("key past expiry + grace must not be served even if persisted")
	}
}

func TestPersistentStoreRotate(t *testing.T) {
	rs := newFakeRecordStore()
	s := NewPersistentStore(rs, "fake", time.Hour, time.Hour)
	defer s.Close()
	ctx := context.Background()

	k1, err := s.CurrentForIssuance(ctx)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	k2, err := s.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if k2.Name == k1.Name {
		t.Fatal("rotation must mint a new key even inside the cache TTL")
	}

	cur, err := s.CurrentForIssuance(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Name != k2.Name {
		t.Fatal("issuance must use the rotated key")
	}
	// La saliente queda encontrable para tickets en vuelo.
	if _, ok := s.Find(ctx, k1.Name); !ok {
		t.Fatal("previous current must remain findable after rotation")
	}
}

func TestPersistentStoreClose(t *testing.T) {
	rs := newFakeRecordStore()
	s := NewPersistentStore(rs, "fake", time.Hour, time.Minute)
	ctx := context.Background()

	if _, err := s.CurrentForIssuance(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.CurrentForIssuance(ctx); err != ErrStoreClosed {
		t.Fatalf("got %v, want ErrStoreClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
