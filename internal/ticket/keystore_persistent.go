package ticket

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/stekd/internal/metrics"
	"github.com/dropDatabas3/stekd/internal/observability/logger"
)

// ErrRecordNotFound lo devuelven los backends cuando no hay registro.
var ErrRecordNotFound = errors.New("ticket: key record not found")

// recordStore es el backend de persistencia de un PersistentStore.
// Implementaciones: fs, redis, postgres.
type recordStore interface {
	// LoadCurrent devuelve la clave current persistida, o
	// ErrRecordNotFound si no hay ninguna viva.
	LoadCurrent(ctx context.Context) (*Key, error)

	// LoadKey devuelve una clave por name (current o histórica no
	// purgada), o ErrRecordNotFound.
	LoadKey(ctx context.Context, name KeyName) (*Key, error)

	// SaveCurrent instala k como current. Con force, reemplaza
	// incondicionalmente (rotación administrativa). Sin force es un
	// claim: si otro nodo del fleet ya instaló una current viva, se
	// devuelve esa ganadora en lugar de k.
	SaveCurrent(ctx context.Context, k *Key, force bool) (*Key, error)

	// ListKeys devuelve la vista pública de las claves vivas.
	ListKeys(ctx context.Context) ([]Info, error)

	// PurgeExpired elimina registros pasados de expiry + grace.
	PurgeExpired(ctx context.Context) (int, error)

	Close() error
}

// currentCacheTTL limita cuánto se sirve la current desde memoria antes
// de revalidar contra el backend (otro nodo pudo rotar).
const currentCacheTTL = 30 * time.Second

// PersistentStore implementa Store sobre un recordStore, con cache
// local double-checked para mantener el hot path sin I/O. Las claves
// sobreviven restarts y, con los backends redis/postgres, se comparten
// entre un fleet de frontends.
type PersistentStore struct {
	rs       recordStore
	lifetime time.Duration
	grace    time.Duration

	mu         sync.RWMutex
	current    *Key
	cacheUntil time.Time
	closed     bool

	found *gocache.Cache // lookups por name; las claves son inmutables
	sf    singleflight.Group

	rand io.Reader
	now  func() time.Time
	log  *zap.Logger

	purgeStop chan struct{}
	purgeDone chan struct{}
}

// NewPersistentStore arma un Store sobre el backend dado y arranca el
// sweep de purga de fondo.
func NewPersistentStore(rs recordStore, backend string, lifetime, grace time.Duration) *PersistentStore {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	s := &PersistentStore{
		rs:        rs,
		lifetime:  lifetime,
		grace:     grace,
		found:     gocache.New(gocache.NoExpiration, purgeInterval),
		rand:      rand.Reader,
		now:       time.Now,
		log:       logger.Named("keystore").With(logger.Backend(backend)),
		purgeStop: make(chan struct{}),
		purgeDone: make(chan struct{}),
	}
	s.found.OnEvicted(func(name string, v interface{}) {
		if k, ok := v.(*Key); ok {
			s.mu.Lock()
			k.Zero()
			s.mu.Unlock()
		}
	})
	go s.purgeLoop()
	return s
}

func (s *PersistentStore) CurrentForIssuance(ctx context.Context) (*Key, error) {
	now := s.now()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	if s.current != nil && now.Before(s.cacheUntil) && !s.current.Expired(now) {
		k := s.current.Clone()
		s.mu.RUnlock()
		return k, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sf.Do("current", func() (interface{}, error) {
		return s.refreshCurrent(ctx, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key).Clone(), nil
}

// refreshCurrent revalida la current contra el backend y crea una nueva
// si hace falta. force salta la revalidación (rotación).
func (s *PersistentStore) refreshCurrent(ctx context.Context, force bool) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	now := s.now()
	if !force && s.current != nil && now.Before(s.cacheUntil) && !s.current.Expired(now) {
		return s.current, nil
	}

	if !force {
		rec, err := s.rs.LoadCurrent(ctx)
		switch {
		case err == nil && !rec.Expired(now):
			s.installLocked(rec, now)
			return rec, nil
		case err != nil && !errors.Is(err, ErrRecordNotFound):
			return nil, err
		}
	}

	// No hay current viva (o rotación forzada): mintear una y dejar que
	// el backend arbitre la carrera entre nodos.
	k, err := generateKey(s.rand, s.lifetime, now)
	if err != nil {
		return nil, err
	}
	winner, err := s.rs.SaveCurrent(ctx, k, force)
	if err != nil {
		k.Zero()
		return nil, err
	}
	if winner.Name == k.Name {
		metrics.KeysCreated.Inc()
		s.log.Info("ticket key created",
			logger.KeyName(k.Name.String()), logger.ExpiresAt(k.ExpiresAt))
	} else {
		// Otro nodo ganó el claim; usamos su clave.
		k.Zero()
	}
	s.installLocked(winner, now)
	return winner, nil
}

// installLocked pone k como current cacheada y retiene la saliente como
// histórica encontrable. Requiere s.mu en escritura.
func (s *PersistentStore) installLocked(k *Key, now time.Time) {
	if old := s.current; old != nil && old.Name != k.Name {
		ttl := old.ExpiresAt.Add(s.grace).Sub(now)
		if ttl > 0 {
			s.found.Set(old.Name.String(), old, ttl)
		} else {
			old.Zero()
		}
	}
	s.current = k
	s.cacheUntil = now.Add(currentCacheTTL)
}

func (s *PersistentStore) Find(ctx context.Context, name KeyName) (*Key, bool) {
	now := s.now()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false
	}
	if s.current != nil && s.current.Name == name {
		if now.Before(s.current.ExpiresAt.Add(s.grace)) {
			k := s.current.Clone()
			s.mu.RUnlock()
			return k, true
		}
		s.mu.RUnlock()
		return nil, false
	}
	if v, ok := s.found.Get(name.String()); ok {
		if k := v.(*Key); now.Before(k.ExpiresAt.Add(s.grace)) {
			cp := k.Clone()
			s.mu.RUnlock()
			return cp, true
		}
		s.mu.RUnlock()
		return nil, false
	}
	s.mu.RUnlock()

	rec, err := s.rs.LoadKey(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			s.log.Warn("key lookup failed", logger.KeyName(name.String()), logger.Err(err))
		}
		return nil, false
	}
	if !now.Before(rec.ExpiresAt.Add(s.grace)) {
		return nil, false
	}
	s.mu.Lock()
	s.found.Set(name.String(), rec, rec.ExpiresAt.Add(s.grace).Sub(now))
	k := rec.Clone()
	s.mu.Unlock()
	return k, true
}

func (s *PersistentStore) Rotate(ctx context.Context) (*Key, error) {
	v, err, _ := s.sf.Do("rotate", func() (interface{}, error) {
		k, err := s.refreshCurrent(ctx, true)
		if err != nil {
			return nil, err
		}
		metrics.KeyRotations.Inc()
		s.log.Info("ticket key rotated", logger.KeyName(k.Name.String()))
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key).Clone(), nil
}

func (s *PersistentStore) List(ctx context.Context) []Info {
	infos, err := s.rs.ListKeys(ctx)
	if err != nil {
		s.log.Warn("list keys failed", logger.Err(err))
		return nil
	}
	return infos
}

// purgeLoop corre el sweep del backend fuera del path sincrónico.
func (s *PersistentStore) purgeLoop() {
	defer close(s.purgeDone)
	t := time.NewTicker(5 * purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-s.purgeStop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.rs.PurgeExpired(ctx)
			cancel()
			if err != nil {
				s.log.Warn("purge sweep failed", logger.Err(err))
				continue
			}
			if n > 0 {
				metrics.KeysPurged.Add(float64(n))
				s.log.Info("historical keys purged", logger.Keys(n))
			}
		}
	}
}

func (s *PersistentStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.current != nil {
		s.current.Zero()
		s.current = nil
	}
	for _, item := range s.found.Items() {
		if k, ok := item.Object.(*Key); ok {
			k.Zero()
		}
	}
	s.found.Flush()
	s.mu.Unlock()

	close(s.purgeStop)
	<-s.purgeDone
	return s.rs.Close()
}
