package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/nn-hair/storefront/internal/domain"
)

type pingStore struct {
	getErr error
	keys   []string
}

func (s *pingStore) Get(_ context.Context, key string) ([]byte, error) {
	s.keys = append(s.keys, key)
	if s.getErr != nil {
		return nil, s.getErr
	}
	return nil, NotFound("ping.get", key)
}

func (s *pingStore) Put(context.Context, string, []byte) error { return nil }

func (s *pingStore) Delete(context.Context, string) error { return nil }

func TestDependencyHealthRepositoryCollectSuccess(t *testing.T) {
	store := &pingStore{}
	checks := []DependencyCheck{
		SlotStoreCheck("slots", store),
		{
			Name: "catalog",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	}

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(checks,
		WithDependencyClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if report.Checks["slots"].Status != domain.HealthStatusOK {
		t.Fatalf("expected slot probe ok, got %+v", report.Checks["slots"])
	}
	if len(store.keys) != 1 || store.keys[0] != probeSlotKey {
		t.Fatalf("expected probe of reserved key, got %v", store.keys)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositorySlotStoreFailure(t *testing.T) {
	store := &pingStore{getErr: NewStoreError("ping.get", probeSlotKey, ErrorKindUnavailable, errors.New("connection refused"))}
	repo, err := NewDependencyHealthRepository([]DependencyCheck{SlotStoreCheck("slots", store)})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if report.Checks["slots"].Error == "" {
		t.Fatalf("expected error detail")
	}
}

func TestDependencyHealthRepositoryOptionalFailureDegrades(t *testing.T) {
	checks := []DependencyCheck{
		SlotStoreCheck("slots", &pingStore{}),
		{
			Name:     "catalog",
			Optional: true,
			Check: func(context.Context) error {
				return errors.New("supabase unreachable")
			},
		},
	}
	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Checks["catalog"].Detail != "supabase unreachable" {
		t.Fatalf("unexpected detail %q", report.Checks["catalog"].Detail)
	}
}

func TestDependencyHealthRepositoryTimeout(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name:    "slow",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}
	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	check := report.Checks["slow"]
	if check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("expected timeout error, got %+v", check)
	}
}

func TestNewDependencyHealthRepositoryValidation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	cases := map[string][]DependencyCheck{
		"empty":     nil,
		"no name":   {{Name: " ", Check: noop}},
		"no func":   {{Name: "slots"}},
		"duplicate": {{Name: "slots", Check: noop}, {Name: " slots ", Check: noop}},
	}
	for name, checks := range cases {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSlotStoreCheckWithoutStore(t *testing.T) {
	check := SlotStoreCheck("slots", nil)
	if err := check.Check(context.Background()); err == nil {
		t.Fatalf("expected error without store")
	}
}
