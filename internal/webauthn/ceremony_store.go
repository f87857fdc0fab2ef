package webauthn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

// MemoryCeremonyStore keeps challenge state in-process. Fine for a single
// instance; multi-instance deployments need the Redis store so a finish
// request can land on any replica.
type MemoryCeremonyStore struct {
	mu      sync.Mutex
	entries map[string]memoryCeremony
}

type memoryCeremony struct {
	data      *webauthn.SessionData
	expiresAt time.Time
}

func NewMemoryCeremonyStore() *MemoryCeremonyStore {
	return &MemoryCeremonyStore{entries: make(map[string]memoryCeremony)}
}

func (s *MemoryCeremonyStore) Put(_ context.Context, key string, data *webauthn.SessionData, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryCeremony{data: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryCeremonyStore) Take(_ context.Context, key string) (*webauthn.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrCeremonyNotFound
	}
	delete(s.entries, key)

	if time.Now().After(entry.expiresAt) {
		return nil, ErrCeremonyNotFound
	}
	return entry.data, nil
}

// RedisCeremonyStore shares ceremony state across instances. GETDEL gives
// the same consume-once semantics as the in-memory Take.
type RedisCeremonyStore struct {
	client *redis.Client
}

func NewRedisCeremonyStore(client *redis.Client) *RedisCeremonyStore {
	return &RedisCeremonyStore{client: client}
}

func (s *RedisCeremonyStore) key(key string) string {
	return "webauthn:ceremony:" + key
}

func (s *RedisCeremonyStore) Put(ctx context.Context, key string, data *webauthn.SessionData, ttl time.Duration) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), encoded, ttl).Err()
}

func (s *RedisCeremonyStore) Take(ctx context.Context, key string) (*webauthn.SessionData, error) {
	raw, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCeremonyNotFound
	}
	if err != nil {
		return nil, err
	}

	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
