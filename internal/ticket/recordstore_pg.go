package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/stekd/internal/security/secretbox"
)

// pgRecordStore comparte las claves de ticket vía postgres. Útil cuando
// el fleet ya tiene una DB y no quiere sumar redis sólo para esto.
type pgRecordStore struct {
	pool  *pgxpool.Pool
	grace time.Duration
	box   *secretbox.Box
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS ticket_keys (
	name              TEXT PRIMARY KEY,
	cipher_secret_enc TEXT NOT NULL,
	auth_secret_enc   TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	is_current        BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS ticket_keys_current_idx ON ticket_keys (is_current) WHERE is_current;
`

// NewPGStore arma un Store compartido por fleet sobre postgres y
// asegura el esquema.
func NewPGStore(ctx context.Context, dsn string, box *secretbox.Box, lifetime, grace time.Duration) (*PersistentStore, error) {
	if box == nil {
		return nil, errors.New("ticket: postgres store requires a master key")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ensure schema: %w", err)
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	rs := &pgRecordStore{pool: pool, grace: grace, box: box}
	return NewPersistentStore(rs, "postgres", lifetime, grace), nil
}

// LoadCurrent: la current viva más reciente.
func (s *pgRecordStore) LoadCurrent(ctx context.Context) (*Key, error) {
	const q = `
SELECT name, cipher_secret_enc, auth_secret_enc, created_at, expires_at
FROM ticket_keys
WHERE is_current AND now() < expires_at
ORDER BY created_at DESC
LIMIT 1`
	return s.scanKey(s.pool.QueryRow(ctx, q))
}

func (s *pgRecordStore) LoadKey(ctx context.Context, name KeyName) (*Key, error) {
	const q = `
SELECT name, cipher_secret_enc, auth_secret_enc, created_at, expires_at
FROM ticket_keys
WHERE name = $1`
	return s.scanKey(s.pool.QueryRow(ctx, q, name.String()))
}

func (s *pgRecordStore) SaveCurrent(ctx context.Context, k *Key, force bool) (*Key, error) {
	cs, err := s.box.Seal(k.CipherSecret)
	if err != nil {
		return nil, fmt.Errorf("seal cipher secret: %w", err)
	}
	as, err := s.box.Seal(k.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("seal auth secret: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pg begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Degradar currents expiradas siempre; vivas sólo en rotación.
	demote := `UPDATE ticket_keys SET is_current = FALSE WHERE is_current AND now() >= expires_at`
	if force {
		demote = `UPDATE ticket_keys SET is_current = FALSE WHERE is_current`
	}
	if _, err := tx.Exec(ctx, demote); err != nil {
		return nil, fmt.Errorf("pg demote current: %w", err)
	}

	// Insert condicional: en el camino lazy sólo si nadie más tiene una
	// current viva (claim single-flight entre nodos).
	const ins = `
INSERT INTO ticket_keys (name, cipher_secret_enc, auth_secret_enc, created_at, expires_at, is_current)
SELECT $1, $2, $3, $4, $5, TRUE
WHERE $6 OR NOT EXISTS (
	SELECT 1 FROM ticket_keys WHERE is_current AND now() < expires_at
)`
	tag, err := tx.Exec(ctx, ins,
		k.Name.String(), cs, as, k.CreatedAt, k.ExpiresAt, force)
	if err != nil {
		return nil, fmt.Errorf("pg insert key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pg commit: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return k, nil
	}
	// Claim perdido: otro nodo instaló current primero.
	return s.LoadCurrent(ctx)
}

func (s *pgRecordStore) ListKeys(ctx context.Context) ([]Info, error) {
	const q = `
SELECT name, created_at, expires_at, is_current
FROM ticket_keys
WHERE now() < expires_at + $1::interval
ORDER BY is_current DESC, created_at DESC`
	rows, err := s.pool.Query(ctx, q, s.grace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var inf Info
		if err := rows.Scan(&inf.Name, &inf.CreatedAt, &inf.ExpiresAt, &inf.Current); err != nil {
			return nil, err
		}
		out = append(out, inf)
	}
	return out, rows.Err()
}

func (s *pgRecordStore) PurgeExpired(ctx context.Context) (int, error) {
	const q = `DELETE FROM ticket_keys WHERE now() >= expires_at + $1::interval`
	tag, err := s.pool.Exec(ctx, q, s.grace)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgRecordStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgRecordStore) scanKey(row pgx.Row) (*Key, error) {
	var (
		nameHex string
		csEnc   string
		asEnc   string
		k       Key
	)
	if err := row.Scan(&nameHex, &csEnc, &asEnc, &k.CreatedAt, &k.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	name, err := ParseKeyName(nameHex)
	if err != nil {
		return nil, err
	}
	k.Name = name
	if k.CipherSecret, err = s.box.Open(csEnc); err != nil {
		return nil, fmt.Errorf("open cipher secret: %w", err)
	}
	if k.AuthSecret, err = s.box.Open(asEnc); err != nil {
		return nil, fmt.Errorf("open auth secret: %w", err)
	}
	return &k, nil
}
