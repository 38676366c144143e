package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/stekd/internal/observability/logger"
	"github.com/dropDatabas3/stekd/internal/security/secretbox"
)

// redisRecordStore comparte las claves de ticket entre un fleet de
// frontends vía redis:
//
//	<prefix>key:<name>  → registro JSON (secretos sellados), TTL expiry+grace
//	<prefix>current     → name hex de la current, TTL hasta su expiry
//
// El claim de current usa SETNX: bajo carrera entre nodos, uno mintea y
// el resto adopta a la ganadora. La purga la hace el TTL de redis.
type redisRecordStore struct {
	c      *rdb.Client
	prefix string
	grace  time.Duration
	box    *secretbox.Box
	log    *zap.Logger
}

type keyRecord struct {
	Name            string    `json:"name"`
	CipherSecretEnc string    `json:"cipher_secret_enc"`
	AuthSecretEnc   string    `json:"auth_secret_enc"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// RedisConfig es la conexión del backend redis.
type RedisConfig struct {
	Addr   string
	DB     int
	Prefix string
}

// NewRedisStore arma un Store compartido por fleet sobre redis.
func NewRedisStore(cfg RedisConfig, box *secretbox.Box, lifetime, grace time.Duration) (*PersistentStore, error) {
	if box == nil {
		return nil, errors.New("ticket: redis store requires a master key")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "stek:"
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	rs := &redisRecordStore{
		c:      rdb.NewClient(&rdb.Options{Addr: cfg.Addr, DB: cfg.DB}),
		prefix: prefix,
		grace:  grace,
		box:    box,
		log:    logger.Named("keystore").With(logger.Backend("redis")),
	}
	return NewPersistentStore(rs, "redis", lifetime, grace), nil
}

func (s *redisRecordStore) keyKey(name KeyName) string { return s.prefix + "key:" + name.String() }
func (s *redisRecordStore) currentKey() string         { return s.prefix + "current" }

func (s *redisRecordStore) LoadCurrent(ctx context.Context) (*Key, error) {
	hexName, err := s.c.Get(ctx, s.currentKey()).Result()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("redis get current: %w", err)
	}
	name, err := ParseKeyName(hexName)
	if err != nil {
		return nil, err
	}
	return s.LoadKey(ctx, name)
}

func (s *redisRecordStore) LoadKey(ctx context.Context, name KeyName) (*Key, error) {
	b, err := s.c.Get(ctx, s.keyKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("redis get key: %w", err)
	}
	var rec keyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal key record: %w", err)
	}
	return s.decodeRecord(&rec)
}

func (s *redisRecordStore) SaveCurrent(ctx context.Context, k *Key, force bool) (*Key, error) {
	now := time.Now()
	data, err := s.encodeRecord(k)
	if err != nil {
		return nil, err
	}

	// Primero el registro, después el puntero: un nodo que lea el
	// puntero nunca encuentra el registro ausente.
	recTTL := k.ExpiresAt.Add(s.grace).Sub(now)
	if err := s.c.Set(ctx, s.keyKey(k.Name), data, recTTL).Err(); err != nil {
		return nil, fmt.Errorf("redis set key: %w", err)
	}

	ptrTTL := k.ExpiresAt.Sub(now)
	if force {
		if err := s.c.Set(ctx, s.currentKey(), k.Name.String(), ptrTTL).Err(); err != nil {
			return nil, fmt.Errorf("redis set current: %w", err)
		}
		return k, nil
	}

	claimed, err := s.c.SetNX(ctx, s.currentKey(), k.Name.String(), ptrTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis claim current: %w", err)
	}
	if claimed {
		return k, nil
	}
	// Otro nodo ganó el claim; nuestra clave queda como histórica
	// huérfana y expira sola por TTL.
	winner, err := s.LoadCurrent(ctx)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// El puntero ganador expiró entre el SETNX y el GET;
			// tomamos el claim nosotros.
			if err := s.c.Set(ctx, s.currentKey(), k.Name.String(), ptrTTL).Err(); err != nil {
				return nil, fmt.Errorf("redis set current: %w", err)
			}
			return k, nil
		}
		return nil, err
	}
	return winner, nil
}

func (s *redisRecordStore) ListKeys(ctx context.Context) ([]Info, error) {
	currentHex, err := s.c.Get(ctx, s.currentKey()).Result()
	if err != nil && !errors.Is(err, rdb.Nil) {
		return nil, fmt.Errorf("redis get current: %w", err)
	}

	var out []Info
	iter := s.c.Scan(ctx, 0, s.prefix+"key:*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.c.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec keyRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		k, err := s.decodeRecord(&rec)
		if err != nil {
			s.log.Warn("undecodable key record", logger.KeyName(rec.Name), logger.Err(err))
			continue
		}
		out = append(out, InfoOf(k, rec.Name == currentHex))
		k.Zero()
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan keys: %w", err)
	}
	return out, nil
}

// PurgeExpired es no-op: el TTL de redis purga solo.
func (s *redisRecordStore) PurgeExpired(ctx context.Context) (int, error) { return 0, nil }

func (s *redisRecordStore) Close() error { return s.c.Close() }

func (s *redisRecordStore) encodeRecord(k *Key) ([]byte, error) {
	cs, err := s.box.Seal(k.CipherSecret)
	if err != nil {
		return nil, fmt.Errorf("seal cipher secret: %w", err)
	}
	as, err := s.box.Seal(k.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("seal auth secret: %w", err)
	}
	return json.Marshal(keyRecord{
		Name:            k.Name.String(),
		CipherSecretEnc: cs,
		AuthSecretEnc:   as,
		CreatedAt:       k.CreatedAt,
		ExpiresAt:       k.ExpiresAt,
	})
}

func (s *redisRecordStore) decodeRecord(rec *keyRecord) (*Key, error) {
	name, err := ParseKeyName(rec.Name)
	if err != nil {
		return nil, err
	}
	cs, err := s.box.Open(rec.CipherSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("open cipher secret: %w", err)
	}
	as, err := s.box.Open(rec.AuthSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("open auth secret: %w", err)
	}
	return &Key{
		Name:         name,
		CipherSecret: cs,
		AuthSecret:   as,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}
