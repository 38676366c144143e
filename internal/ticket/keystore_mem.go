package ticket

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/stekd/internal/metrics"
	"github.com/dropDatabas3/stekd/internal/observability/logger"
)

// purgeInterval es la frecuencia del sweep de claves históricas. El
// sweep corre en el janitor de go-cache, nunca en el path del callback.
const purgeInterval = time.Minute

// MemoryStore es el Store por defecto: claves en memoria de proceso.
// Un restart invalida todos los tickets emitidos (los clientes caen a
// negociación completa, que es el fallback diseñado).
//
// current vive bajo el RWMutex; las históricas en un cache con TTL
// por clave (expiry + grace) cuyo janitor hace la purga de fondo.
type MemoryStore struct {
	lifetime time.Duration
	grace    time.Duration

	mu      sync.RWMutex
	current *Key
	closed  bool

	hist *gocache.Cache
	sf   singleflight.Group

	rand io.Reader
	now  func() time.Time
	log  *zap.Logger
}

// NewMemoryStore crea un store en memoria. lifetime/grace en cero toman
// los defaults del paquete.
func NewMemoryStore(lifetime, grace time.Duration) *MemoryStore {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	s := &MemoryStore{
		lifetime: lifetime,
		grace:    grace,
		hist:     gocache.New(gocache.NoExpiration, purgeInterval),
		rand:     rand.Reader,
		now:      time.Now,
		log:      logger.Named("keystore").With(logger.Backend("memory")),
	}
	// El janitor purga una histórica vencida: zeroizar la copia canónica.
	// Los lectores ya recibieron copias, así que no hay torn reads.
	s.hist.OnEvicted(func(name string, v interface{}) {
		if k, ok := v.(*Key); ok {
			s.mu.Lock()
			k.Zero()
			s.mu.Unlock()
			metrics.KeysPurged.Inc()
			s.log.Debug("historical key purged", logger.KeyName(name))
		}
	})
	return s
}

func (s *MemoryStore) CurrentForIssuance(ctx context.Context) (*Key, error) {
	now := s.now()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	if s.current != nil && !s.current.Expired(now) {
		k := s.current.Clone()
		s.mu.RUnlock()
		return k, nil
	}
	s.mu.RUnlock()

	// Creación en single-flight: N handshakes corriendo contra una
	// current expirada producen exactamente una clave nueva.
	v, err, _ := s.sf.Do("create", func() (interface{}, error) {
		return s.createCurrent()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key).Clone(), nil
}

// createCurrent instala una clave nueva como current. Double-check bajo
// el lock: el ganador del single-flight puede encontrar que otro writer
// (Rotate) ya la repuso.
func (s *MemoryStore) createCurrent() (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	now := s.now()
	if s.current != nil && !s.current.Expired(now) {
		return s.current, nil
	}
	k, err := generateKey(s.rand, s.lifetime, now)
	if err != nil {
		// Sin azar no hay clave; el estado queda intacto.
		return nil, err
	}
	s.retireLocked(now)
	s.current = k
	metrics.KeysCreated.Inc()
	s.log.Info("ticket key created",
		logger.KeyName(k.Name.String()), logger.ExpiresAt(k.ExpiresAt))
	return k, nil
}

func (s *MemoryStore) Find(ctx context.Context, name KeyName) (*Key, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false
	}
	if s.current != nil && s.current.Name == name {
		// Una current expirada sigue siendo encontrable durante el
		// grace; pasado eso es como si nunca hubiera existido.
		if now.Before(s.current.ExpiresAt.Add(s.grace)) {
			return s.current.Clone(), true
		}
		return nil, false
	}
	if v, ok := s.hist.Get(name.String()); ok {
		// El janitor puede ir atrasado; la ventana manda.
		if k := v.(*Key); now.Before(k.ExpiresAt.Add(s.grace)) {
			return k.Clone(), true
		}
	}
	return nil, false
}

func (s *MemoryStore) Rotate(ctx context.Context) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	now := s.now()
	k, err := generateKey(s.rand, s.lifetime, now)
	if err != nil {
		return nil, err
	}
	s.retireLocked(now)
	s.current = k
	metrics.KeysCreated.Inc()
	metrics.KeyRotations.Inc()
	s.log.Info("ticket key rotated",
		logger.KeyName(k.Name.String()), logger.ExpiresAt(k.ExpiresAt))
	return k.Clone(), nil
}

// retireLocked mueve la current saliente al cache histórico con TTL
// hasta expiry + grace. Requiere s.mu tomado en escritura.
func (s *MemoryStore) retireLocked(now time.Time) {
	old := s.current
	if old == nil {
		return
	}
	ttl := old.ExpiresAt.Add(s.grace).Sub(now)
	if ttl <= 0 {
		old.Zero()
		metrics.KeysPurged.Inc()
		return
	}
	s.hist.Set(old.Name.String(), old, ttl)
}

func (s *MemoryStore) List(ctx context.Context) []Info {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Info
	if s.current != nil && now.Before(s.current.ExpiresAt.Add(s.grace)) {
		out = append(out, InfoOf(s.current, true))
	}
	for _, item := range s.hist.Items() {
		k, ok := item.Object.(*Key)
		if !ok || !now.Before(k.ExpiresAt.Add(s.grace)) {
			continue
		}
		out = append(out, InfoOf(k, false))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Current != out[j].Current {
			return out[i].Current
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.current != nil {
		s.current.Zero()
		s.current = nil
	}
	for _, item := range s.hist.Items() {
		if k, ok := item.Object.(*Key); ok {
			k.Zero()
		}
	}
	s.hist.Flush()
	return nil
}
