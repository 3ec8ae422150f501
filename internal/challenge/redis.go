package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/otp"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the Redis-backed Store implementation. WATCH makes the
// attempt-increment-then-maybe-lock sequence atomic per subject key
// across concurrent verifiers.
type RedisStore struct {
	client *redis.Client
	cfg    domain.ChallengeConfig
	nowF   func() time.Time

	// afterRead runs between the watched read and the transactional
	// write. Test hook for provoking WATCH contention.
	afterRead func()
}

// NewRedisStore creates a Redis-backed challenge store.
func NewRedisStore(cfg domain.ChallengeConfig) (*RedisStore, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, cfg: cfg, nowF: time.Now}, nil
}

func (s *RedisStore) key(tenantID, subjectID string) string {
	return "kestrel:" + tenantID + ":otp:" + subjectID
}

// Issue generates a code and stores its digest, overwriting any prior
// challenge for the subject. The key TTL mirrors the challenge TTL so
// Redis reclaims expired records on its own.
func (s *RedisStore) Issue(ctx context.Context, tenantID, subjectID, email string) (string, error) {
	code, err := otp.Generate(s.cfg.Digits)
	if err != nil {
		return "", err
	}

	rec := &record{
		Digest:    otp.Digest(s.cfg.Secret, code, binding(subjectID, email)),
		Email:     email,
		ExpiresAt: s.nowF().Add(s.cfg.TTL),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	if err := s.client.Set(ctx, s.key(tenantID, subjectID), data, s.cfg.TTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}

	return code, nil
}

// Verify consumes the subject's challenge inside a WATCH transaction so
// attempt counting stays atomic under concurrent attempts.
func (s *RedisStore) Verify(ctx context.Context, tenantID, subjectID, code string) error {
	const maxRetries = 4
	key := s.key(tenantID, subjectID)

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return domain.ErrNotFound
				}
				return err
			}

			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}

			if s.afterRead != nil {
				s.afterRead()
			}

			now := s.nowF()

			if !rec.LockedUntil.IsZero() {
				if now.Before(rec.LockedUntil) {
					return domain.ErrLocked
				}
				rec.LockedUntil = time.Time{}
				rec.Attempts = 0
			}

			if now.After(rec.ExpiresAt) {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return domain.ErrExpired
			}

			if !otp.Verify(s.cfg.Secret, code, binding(subjectID, rec.Email), rec.Digest) {
				rec.Attempts++
				verdict := domain.ErrMismatch
				ttl := rec.ExpiresAt.Sub(now)
				if rec.Attempts >= s.cfg.MaxAttempts {
					rec.LockedUntil = now.Add(s.cfg.LockDuration)
					verdict = domain.ErrLocked
					// Keep the record alive through the lock window so a
					// locked subject stays distinguishable from an absent one.
					if lockTTL := rec.LockedUntil.Sub(now); lockTTL > ttl {
						ttl = lockTTL
					}
				}

				updated, err := json.Marshal(&rec)
				if err != nil {
					return err
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return verdict
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}

	// The challenge still exists; repeated contention is not the same
	// as an absent record.
	return fmt.Errorf("%w: challenge for subject %s kept changing", domain.ErrConflict, subjectID)
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
