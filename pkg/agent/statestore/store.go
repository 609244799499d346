// Package statestore persists job progress between ticks. Reads go through an
// in-process map, then a shared cache, then the durable table; writes update
// all three.
package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultNegativeTTL = 5 * time.Second
	// readThroughTTL bounds how long a value read from the durable layer is cached
	readThroughTTL = time.Minute
)

// negativeMarker is cached for keys known to be absent. JSON never starts with NUL.
var negativeMarker = []byte{0}

type localEntry struct {
	value   []byte
	missing bool
}

// Store is the layered key/value store
type Store struct {
	mu          sync.Mutex
	local       map[string]localEntry
	cache       Cache
	durable     Durable
	negativeTTL time.Duration
	now         func() time.Time
}

// New creates a store. cache may be nil.
func New(cache Cache, durable Durable) *Store {
	return &Store{
		local:       make(map[string]localEntry),
		cache:       cache,
		durable:     durable,
		negativeTTL: defaultNegativeTTL,
		now:         time.Now,
	}
}

// ResetLocal drops the in-process layer. Called at the start of every tick
// so a tick never trusts values read by a previous invocation.
func (s *Store) ResetLocal() {
	s.mu.Lock()
	s.local = make(map[string]localEntry)
	s.mu.Unlock()
}

func (s *Store) setLocal(key string, e localEntry) {
	s.mu.Lock()
	s.local[key] = e
	s.mu.Unlock()
}

func (s *Store) getLocal(key string) (localEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.local[key]
	return e, ok
}

// Set serializes v and writes it to every layer. ttl <= 0 never expires.
func (s *Store) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state %s: %w", key, err)
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	if err := s.durable.Set(ctx, key, data, expiresAt); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Set(key, data, ttl); err != nil {
			// the cache may still hold the previous value
			slog.Warn("failed to update state cache", "key", key, "error", err)
			if err := s.cache.Delete(key); err != nil {
				slog.Error("stale state left in cache", "key", key, "error", err)
			}
		}
	}
	s.setLocal(key, localEntry{value: data})
	return nil
}

// Get loads key into out. It returns false when the key is absent, expired,
// or holds a value that cannot be decoded into out.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Debug("discarding undecodable state", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// Exists reports whether key holds any value
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.lookup(ctx, key)
	return ok, err
}

func (s *Store) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if e, ok := s.getLocal(key); ok {
		if e.missing {
			return nil, false, nil
		}
		return e.value, true, nil
	}

	if s.cache != nil {
		data, ok, err := s.cache.Get(key)
		if err != nil {
			slog.Warn("state cache read failed", "key", key, "error", err)
		} else if ok {
			if len(data) == 1 && data[0] == negativeMarker[0] {
				return nil, false, nil
			}
			s.setLocal(key, localEntry{value: data})
			return data, true, nil
		}
	}

	row, ok, err := s.durable.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if s.cache != nil {
			_ = s.cache.Set(key, negativeMarker, s.negativeTTL)
		}
		s.setLocal(key, localEntry{missing: true})
		return nil, false, nil
	}
	if s.cache != nil {
		s.cacheRow(key, row)
	}
	s.setLocal(key, localEntry{value: row.Value})
	return row.Value, true, nil
}

// cacheRow caches a durable read for at most readThroughTTL, and never past
// the row's own expiry
func (s *Store) cacheRow(key string, row Row) {
	ttl := readThroughTTL
	if !row.ExpiresAt.IsZero() {
		left := row.ExpiresAt.Sub(s.now())
		if left <= 0 {
			return
		}
		if left < ttl {
			ttl = left
		}
	}
	if err := s.cache.Set(key, row.Value, ttl); err != nil {
		slog.Debug("failed to cache state", "key", key, "error", err)
	}
}

// Delete removes key from every layer
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.durable.Delete(ctx, key); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

func (s *Store) invalidate(key string) {
	if s.cache != nil {
		if err := s.cache.Delete(key); err != nil {
			slog.Warn("failed to invalidate state cache", "key", key, "error", err)
		}
	}
	s.mu.Lock()
	delete(s.local, key)
	s.mu.Unlock()
}

// Cleanup purges expired durable rows
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	return s.durable.Cleanup(ctx)
}

// Acquire takes the lock record at key for owner. It succeeds when the key is
// free, expired, or already held by owner (the expiry is then extended).
func (s *Store) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(owner)
	if err != nil {
		return false, err
	}
	ok, err := s.durable.Acquire(ctx, key, data, s.now().Add(ttl))
	s.invalidate(key)
	return ok, err
}

// Release frees the lock at key if owner still holds it
func (s *Store) Release(ctx context.Context, key, owner string) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	err = s.durable.Release(ctx, key, data)
	s.invalidate(key)
	return err
}

// Owner returns the current holder of the lock at key, read from the durable layer
func (s *Store) Owner(ctx context.Context, key string) (string, bool, error) {
	row, ok, err := s.durable.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	var owner string
	if err := json.Unmarshal(row.Value, &owner); err != nil {
		return "", false, nil
	}
	return owner, true, nil
}
