package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var ErrMiss = errors.New("cache miss")

// Store is a byte-oriented KV cache with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// PebbleStore keeps cache entries in an embedded pebble database. Each value
// is prefixed with its expiry as 8 big-endian bytes of unix millis, 0 for no
// expiry. Expired entries are deleted when read.
type PebbleStore struct {
	db  *pebble.DB
	now func() time.Time
}

const headerLen = 8

// OpenPebble opens (or creates) the cache under dir. An empty dir keeps the
// cache in memory.
func OpenPebble(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	if len(val) < headerLen {
		return nil, fmt.Errorf("corrupt cache entry %q", key)
	}
	if exp := int64(binary.BigEndian.Uint64(val[:headerLen])); exp != 0 && s.now().UnixMilli() >= exp {
		_ = s.db.Delete([]byte(key), pebble.NoSync)
		return nil, ErrMiss
	}
	return append([]byte(nil), val[headerLen:]...), nil
}

func (s *PebbleStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, headerLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:headerLen], uint64(s.now().Add(ttl).UnixMilli()))
	}
	copy(buf[headerLen:], value)
	return s.db.Set([]byte(key), buf, pebble.NoSync)
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
