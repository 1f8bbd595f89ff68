package policy

import (
	"context"
	"errors"
	"testing"
)

type errRecorder struct {
	counts map[string]int
}

func (r *errRecorder) StoreError(store string) {
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[store]++
}

func TestInstrumentedStorePassesThrough(t *testing.T) {
	fs := &fakeConfigStore{quotas: map[string]int{"u": 100}}
	rec := &errRecorder{}
	s := InstrumentStore(fs, rec)
	ctx := context.Background()

	quota, ok, err := s.QuotaForUser(ctx, "u")
	if err != nil || !ok || quota != 100 {
		t.Errorf("QuotaForUser = %d, %v, %v", quota, ok, err)
	}
	if _, err := s.DomainFlags(ctx, "example.org"); err != nil {
		t.Errorf("DomainFlags: %v", err)
	}
	if rec.counts["sql"] != 0 {
		t.Errorf("recorded %d failures for successful lookups", rec.counts["sql"])
	}
}

func TestInstrumentedStoreCountsFailures(t *testing.T) {
	fs := &fakeConfigStore{err: errors.New("connection refused")}
	rec := &errRecorder{}
	s := InstrumentStore(fs, rec)
	ctx := context.Background()

	_, _, _ = s.QuotaForUser(ctx, "u")
	_, _ = s.CheckDomainForUser(ctx, "u", "example.com")
	_, _ = s.CheckEmailForUser(ctx, "u", "u@example.com")
	_, _ = s.DomainFlags(ctx, "example.org")

	if rec.counts["sql"] != 4 {
		t.Errorf("recorded %d failures, want 4", rec.counts["sql"])
	}
}
