package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/otp"
)

// MemoryStore is the in-process Store implementation. A single mutex
// makes the attempt-increment-then-maybe-lock sequence atomic per
// store; two concurrent failed attempts cannot both observe a count
// below the threshold.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     domain.ChallengeConfig
	nowF    func() time.Time
}

// NewMemoryStore creates an in-memory challenge store.
func NewMemoryStore(cfg domain.ChallengeConfig) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record),
		cfg:     cfg,
		nowF:    time.Now,
	}
}

func (s *MemoryStore) key(tenantID, subjectID string) string {
	return tenantID + ":" + subjectID
}

// Issue generates a code and stores its digest, overwriting any prior
// challenge for the subject.
func (s *MemoryStore) Issue(ctx context.Context, tenantID, subjectID, email string) (string, error) {
	code, err := otp.Generate(s.cfg.Digits)
	if err != nil {
		return "", err
	}

	digest := otp.Digest(s.cfg.Secret, code, binding(subjectID, email))

	s.mu.Lock()
	s.records[s.key(tenantID, subjectID)] = &record{
		Digest:    digest,
		Email:     email,
		ExpiresAt: s.nowF().Add(s.cfg.TTL),
	}
	s.mu.Unlock()

	return code, nil
}

// Verify consumes the subject's challenge. The whole read-modify-write
// runs under the store lock.
func (s *MemoryStore) Verify(ctx context.Context, tenantID, subjectID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(tenantID, subjectID)
	rec, ok := s.records[key]
	if !ok {
		return domain.ErrNotFound
	}

	now := s.nowF()

	if !rec.LockedUntil.IsZero() {
		if now.Before(rec.LockedUntil) {
			return domain.ErrLocked
		}
		// Lock window elapsed; the attempt budget starts fresh.
		rec.LockedUntil = time.Time{}
		rec.Attempts = 0
	}

	if now.After(rec.ExpiresAt) {
		delete(s.records, key)
		return domain.ErrExpired
	}

	if !otp.Verify(s.cfg.Secret, code, binding(subjectID, rec.Email), rec.Digest) {
		rec.Attempts++
		if rec.Attempts >= s.cfg.MaxAttempts {
			rec.LockedUntil = now.Add(s.cfg.LockDuration)
			return domain.ErrLocked
		}
		return domain.ErrMismatch
	}

	delete(s.records, key)
	return nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close clears all records.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
	return nil
}

// Len returns the number of outstanding challenges.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
