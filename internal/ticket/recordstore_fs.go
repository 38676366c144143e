package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/stekd/internal/observability/logger"
	"github.com/dropDatabas3/stekd/internal/security/secretbox"
	"github.com/dropDatabas3/stekd/internal/util/atomicwrite"
)

// fsRecordStore persiste claves en un directorio:
//
//	<dir>/current.json
//	<dir>/historical/<name>.json
//	<dir>/*.key            → import de bloques de 48 bytes (nginx/openssl)
//
// Garantías: escritura atómica (tmp → fsync → rename) y secretos
// sellados con la master key; nada queda en claro en disco.
type fsRecordStore struct {
	dir   string
	box   *secretbox.Box
	grace time.Duration

	mu  sync.Mutex
	log *zap.Logger
}

// keyFileData es la estructura del archivo JSON por clave.
type keyFileData struct {
	Name            string    `json:"name"`
	CipherSecretEnc string    `json:"cipher_secret_enc"`
	AuthSecretEnc   string    `json:"auth_secret_enc"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// NewFSStore abre (o crea) un keystore respaldado en archivos. Importa
// como históricos los archivos *.key de 48 bytes que encuentre en dir,
// para que tickets emitidos bajo claves de un deployment anterior sigan
// siendo desencriptables.
func NewFSStore(dir string, box *secretbox.Box, lifetime, grace time.Duration) (*PersistentStore, error) {
	if box == nil {
		return nil, errors.New("ticket: fs store requires a master key")
	}
	if err := os.MkdirAll(filepath.Join(dir, "historical"), 0700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	rs := &fsRecordStore{
		dir:   dir,
		box:   box,
		grace: grace,
		log:   logger.Named("keystore").With(logger.Backend("fs")),
	}
	if err := rs.importLegacyFiles(lifetime); err != nil {
		return nil, err
	}
	return NewPersistentStore(rs, "fs", lifetime, grace), nil
}

func (s *fsRecordStore) LoadCurrent(ctx context.Context) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadFile(filepath.Join(s.dir, "current.json"))
}

func (s *fsRecordStore) LoadKey(ctx context.Context, name KeyName) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, err := s.loadFile(filepath.Join(s.dir, "current.json")); err == nil && cur.Name == name {
		return cur, nil
	}
	return s.loadFile(s.historicalPath(name))
}

func (s *fsRecordStore) SaveCurrent(ctx context.Context, k *Key, force bool) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	curPath := filepath.Join(s.dir, "current.json")
	if cur, err := s.loadFile(curPath); err == nil {
		if !force && !cur.Expired(time.Now()) {
			// Otro proceso sobre el mismo dir ya instaló una current viva.
			return cur, nil
		}
		// Retirar la saliente a historical/ antes de pisar current.json.
		if err := s.writeFile(s.historicalPath(cur.Name), cur); err != nil {
			return nil, fmt.Errorf("retire current key: %w", err)
		}
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	if err := s.writeFile(curPath, k); err != nil {
		return nil, fmt.Errorf("save current key: %w", err)
	}
	return k, nil
}

func (s *fsRecordStore) ListKeys(ctx context.Context) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []Info
	if cur, err := s.loadFile(filepath.Join(s.dir, "current.json")); err == nil {
		if now.Before(cur.ExpiresAt.Add(s.grace)) {
			out = append(out, InfoOf(cur, true))
		}
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, "historical"))
	if err != nil {
		return out, nil
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		k, err := s.loadFile(filepath.Join(s.dir, "historical", e.Name()))
		if err != nil {
			continue
		}
		if now.Before(k.ExpiresAt.Add(s.grace)) {
			out = append(out, InfoOf(k, false))
		}
	}
	return out, nil
}

func (s *fsRecordStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entries, err := os.ReadDir(filepath.Join(s.dir, "historical"))
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, "historical", e.Name())
		k, err := s.loadFile(path)
		if err != nil {
			continue
		}
		if !now.Before(k.ExpiresAt.Add(s.grace)) {
			if err := os.Remove(path); err == nil {
				purged++
			}
			k.Zero()
		}
	}
	return purged, nil
}

func (s *fsRecordStore) Close() error { return nil }

// importLegacyFiles registra como históricos los bloques de 48 bytes
// (*.key) presentes en el directorio. El mtime del archivo se toma como
// created_at. El archivo original queda en manos del operador.
func (s *fsRecordStore) importLegacyFiles(lifetime time.Duration) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.key"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil || fi.Size() != LegacyBlockSize {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read legacy key %s: %w", path, err)
		}
		k, err := LoadLegacyBlock(b, lifetime, fi.ModTime())
		if err != nil {
			return fmt.Errorf("import legacy key %s: %w", path, err)
		}
		dst := s.historicalPath(k.Name)
		if _, err := os.Stat(dst); err == nil {
			continue // ya importada
		}
		if err := s.writeFile(dst, k); err != nil {
			return fmt.Errorf("import legacy key %s: %w", path, err)
		}
		s.log.Info("legacy key imported",
			logger.Path(path), logger.KeyName(k.Name.String()))
	}
	return nil
}

func (s *fsRecordStore) historicalPath(name KeyName) string {
	return filepath.Join(s.dir, "historical", name.String()+".json")
}

func (s *fsRecordStore) loadFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	var kd keyFileData
	if err := json.Unmarshal(data, &kd); err != nil {
		return nil, fmt.Errorf("unmarshal key data: %w", err)
	}
	return s.decodeRecord(&kd)
}

func (s *fsRecordStore) writeFile(path string, k *Key) error {
	kd, err := s.encodeRecord(k)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(kd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key data: %w", err)
	}
	return atomicwrite.WriteFile(path, data, 0600)
}

func (s *fsRecordStore) encodeRecord(k *Key) (*keyFileData, error) {
	cs, err := s.box.Seal(k.CipherSecret)
	if err != nil {
		return nil, fmt.Errorf("seal cipher secret: %w", err)
	}
	as, err := s.box.Seal(k.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("seal auth secret: %w", err)
	}
	return &keyFileData{
		Name:            k.Name.String(),
		CipherSecretEnc: cs,
		AuthSecretEnc:   as,
		CreatedAt:       k.CreatedAt,
		ExpiresAt:       k.ExpiresAt,
	}, nil
}

func (s *fsRecordStore) decodeRecord(kd *keyFileData) (*Key, error) {
	name, err := ParseKeyName(kd.Name)
	if err != nil {
		return nil, err
	}
	cs, err := s.box.Open(kd.CipherSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("open cipher secret: %w", err)
	}
	as, err := s.box.Open(kd.AuthSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("open auth secret: %w", err)
	}
	return &Key{
		Name:         name,
		CipherSecret: cs,
		AuthSecret:   as,
		CreatedAt:    kd.CreatedAt,
		ExpiresAt:    kd.ExpiresAt,
	}, nil
}
