package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"main/domain/entity"

	"github.com/redis/go-redis/v9"
)

const (
	reputationKeyPrefix = "reputation:"
	reputationTTL       = 7 * 24 * time.Hour
	casRetries          = 5
)

// RedisReputationStore backs the reputation tracker with a shared Redis so
// multiple service instances see a single score per IP. Apply uses WATCH for
// per-key compare-and-swap; a lost race is retried.
type RedisReputationStore struct {
	client *redis.Client
}

func NewRedisReputationStore(client *redis.Client) *RedisReputationStore {
	return &RedisReputationStore{client: client}
}

func (s *RedisReputationStore) key(ip string) string {
	return reputationKeyPrefix + ip
}

func (s *RedisReputationStore) Get(ctx context.Context, ip string) (entity.IPReputation, error) {
	raw, err := s.client.Get(ctx, s.key(ip)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newReputation(), nil
	}
	if err != nil {
		return entity.IPReputation{}, err
	}

	var rep entity.IPReputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return entity.IPReputation{}, err
	}
	return rep, nil
}

func (s *RedisReputationStore) Apply(ctx context.Context, ip string, fn func(entity.IPReputation) entity.IPReputation) (entity.IPReputation, error) {
	key := s.key(ip)

	var result entity.IPReputation
	txn := func(tx *redis.Tx) error {
		rep := newReputation()
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(raw, &rep); err != nil {
				return err
			}
		}

		rep = fn(rep)
		encoded, err := json.Marshal(rep)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, reputationTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = rep
		return nil
	}

	var err error
	for range casRetries {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return entity.IPReputation{}, err
	}
	return result, nil
}
