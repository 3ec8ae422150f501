package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "repo_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func ledgerTx(subjectID, merchantID string, amount float64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         uuid.New().String(),
		TenantID:   "tenant-1",
		SubjectID:  subjectID,
		MerchantID: merchantID,
		Amount:     amount,
		Currency:   "EUR",
		Timestamp:  ts,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestAppendAndGetTransaction(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tx := ledgerTx("u1", "merchant_1", 42.5, time.Now().UTC())
	if err := repo.AppendTransaction(ctx, "tenant-1", tx); err != nil {
		t.Fatalf("AppendTransaction failed: %v", err)
	}

	got, err := repo.GetTransaction(ctx, "tenant-1", tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got.SubjectID != "u1" || got.MerchantID != "merchant_1" || got.Amount != 42.5 {
		t.Errorf("unexpected transaction: %+v", got)
	}

	// Tenant isolation
	if _, err := repo.GetTransaction(ctx, "tenant-2", tx.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other tenant, got %v", err)
	}
}

func TestTransactionsSinceWindow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	cutoff := base.Add(-24 * time.Hour)

	inside := ledgerTx("u1", "merchant_1", 10, base.Add(-time.Hour))
	boundary := ledgerTx("u1", "merchant_1", 20, cutoff)
	outside := ledgerTx("u1", "merchant_1", 30, cutoff.Add(-time.Minute))
	otherSubject := ledgerTx("u2", "merchant_1", 40, base.Add(-time.Hour))
	otherMerchant := ledgerTx("u1", "merchant_2", 50, base.Add(-time.Hour))

	for _, tx := range []*domain.Transaction{inside, boundary, outside, otherSubject, otherMerchant} {
		if err := repo.AppendTransaction(ctx, "tenant-1", tx); err != nil {
			t.Fatalf("AppendTransaction failed: %v", err)
		}
	}

	window, err := repo.TransactionsSince(ctx, "tenant-1", "u1", "merchant_1", cutoff)
	if err != nil {
		t.Fatalf("TransactionsSince failed: %v", err)
	}

	// Strictly after the cutoff: the boundary row is excluded, and so
	// are other subjects and merchants.
	if len(window) != 1 {
		t.Fatalf("expected 1 transaction in window, got %d", len(window))
	}
	if window[0].ID != inside.ID {
		t.Errorf("unexpected window row: %+v", window[0])
	}
}

func TestTransactionsSinceOrdering(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	second := ledgerTx("u1", "merchant_1", 2, base.Add(-time.Hour))
	first := ledgerTx("u1", "merchant_1", 1, base.Add(-2*time.Hour))

	// Insert newest first to verify the query orders by timestamp.
	if err := repo.AppendTransaction(ctx, "tenant-1", second); err != nil {
		t.Fatalf("AppendTransaction failed: %v", err)
	}
	if err := repo.AppendTransaction(ctx, "tenant-1", first); err != nil {
		t.Fatalf("AppendTransaction failed: %v", err)
	}

	window, err := repo.TransactionsSince(ctx, "tenant-1", "u1", "merchant_1", base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("TransactionsSince failed: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(window))
	}
	if window[0].Amount != 1 || window[1].Amount != 2 {
		t.Errorf("expected oldest first, got %v then %v", window[0].Amount, window[1].Amount)
	}
}

func TestMerchantRulesRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	highValue := 250.0
	maxTx := 3
	rs := &domain.MerchantRuleSet{
		MerchantID:         "merchant_1",
		TenantID:           "tenant-1",
		HighValueAmount:    &highValue,
		MaxTxPerDay:        &maxTx,
		NewDevice:          true,
		SuspiciousMerchant: true,
		Extensions: []domain.ExtensionRule{
			{ID: "night-owl", Expression: `amount > 100.0`, Points: 1, Enabled: true},
		},
	}

	if err := repo.SaveMerchantRules(ctx, "tenant-1", rs); err != nil {
		t.Fatalf("SaveMerchantRules failed: %v", err)
	}

	got, err := repo.GetMerchantRules(ctx, "tenant-1", "merchant_1")
	if err != nil {
		t.Fatalf("GetMerchantRules failed: %v", err)
	}
	if got.HighValueAmount == nil || *got.HighValueAmount != 250 {
		t.Errorf("unexpected high value threshold: %+v", got.HighValueAmount)
	}
	if got.MaxTxPerDay == nil || *got.MaxTxPerDay != 3 {
		t.Errorf("unexpected max tx: %+v", got.MaxTxPerDay)
	}
	if !got.NewDevice || !got.SuspiciousMerchant || got.NewLocation {
		t.Errorf("unexpected flags: %+v", got)
	}
	if len(got.Extensions) != 1 || got.Extensions[0].ID != "night-owl" {
		t.Errorf("unexpected extensions: %+v", got.Extensions)
	}

	// Upsert replaces the stored configuration.
	rs.SuspiciousMerchant = false
	if err := repo.SaveMerchantRules(ctx, "tenant-1", rs); err != nil {
		t.Fatalf("second SaveMerchantRules failed: %v", err)
	}
	got, err = repo.GetMerchantRules(ctx, "tenant-1", "merchant_1")
	if err != nil {
		t.Fatalf("GetMerchantRules failed: %v", err)
	}
	if got.SuspiciousMerchant {
		t.Error("expected upsert to replace the rule set")
	}
}

func TestListMerchantRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		if err := repo.SaveMerchantRules(ctx, "tenant-1", &domain.MerchantRuleSet{MerchantID: id, TenantID: "tenant-1"}); err != nil {
			t.Fatalf("SaveMerchantRules failed: %v", err)
		}
	}
	if err := repo.SaveMerchantRules(ctx, "tenant-2", &domain.MerchantRuleSet{MerchantID: "m3", TenantID: "tenant-2"}); err != nil {
		t.Fatalf("SaveMerchantRules failed: %v", err)
	}

	sets, err := repo.ListMerchantRules(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ListMerchantRules failed: %v", err)
	}
	if len(sets) != 2 {
		t.Errorf("expected 2 rule sets for tenant-1, got %d", len(sets))
	}
}

func TestGetMerchantRulesNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetMerchantRules(context.Background(), "tenant-1", "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "papyrus"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}
