package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idemPrefix  = "catwalk:idem:"
	idemPending = "pending"
)

// ErrInFlight means another request holding the same idempotency key has not
// finished creating its job yet.
var ErrInFlight = errors.New("idempotency key in flight")

type Store struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(addr, password string, db int) *Store {
	return &Store{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		TTL: 24 * time.Hour,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

func idemKey(key string) string { return idemPrefix + key }

// Claim reserves key for a new create-job request. When the key was already
// used it returns the job id recorded for it; ErrInFlight when that request
// is still running.
func (s *Store) Claim(ctx context.Context, key string) (claimed bool, jobID uint64, err error) {
	ok, err := s.Client.SetNX(ctx, idemKey(key), idemPending, s.TTL).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}

	v, err := s.Client.Get(ctx, idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; let the caller retry
		return false, 0, ErrInFlight
	}
	if err != nil {
		return false, 0, err
	}
	if v == idemPending {
		return false, 0, ErrInFlight
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("redisstore: bad idempotency value %q", v)
	}
	return false, id, nil
}

// Complete records the job created for a claimed key.
func (s *Store) Complete(ctx context.Context, key string, jobID uint64) error {
	return s.Client.Set(ctx, idemKey(key), strconv.FormatUint(jobID, 10), s.TTL).Err()
}

// Release drops a claim whose create-job request failed, so the client can
// retry with the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.Client.Del(ctx, idemKey(key)).Err()
}
