package policy

import "context"

// StoreErrorRecorder is the slice of the metrics collector this package
// needs for counting config store failures.
type StoreErrorRecorder interface {
	StoreError(store string)
}

// InstrumentedStore decorates a ConfigStore, counting failed lookups.
type InstrumentedStore struct {
	inner ConfigStore
	rec   StoreErrorRecorder
}

// InstrumentStore wraps cs so that every failed lookup is recorded
// against the "sql" store label.
func InstrumentStore(cs ConfigStore, rec StoreErrorRecorder) *InstrumentedStore {
	return &InstrumentedStore{inner: cs, rec: rec}
}

func (s *InstrumentedStore) QuotaForUser(ctx context.Context, user string) (int, bool, error) {
	quota, ok, err := s.inner.QuotaForUser(ctx, user)
	s.record(err)
	return quota, ok, err
}

func (s *InstrumentedStore) CheckDomainForUser(ctx context.Context, user, domain string) (bool, error) {
	allowed, err := s.inner.CheckDomainForUser(ctx, user, domain)
	s.record(err)
	return allowed, err
}

func (s *InstrumentedStore) CheckEmailForUser(ctx context.Context, user, email string) (bool, error) {
	allowed, err := s.inner.CheckEmailForUser(ctx, user, email)
	s.record(err)
	return allowed, err
}

func (s *InstrumentedStore) DomainFlags(ctx context.Context, domain string) (DomainFlags, error) {
	flags, err := s.inner.DomainFlags(ctx, domain)
	s.record(err)
	return flags, err
}

func (s *InstrumentedStore) record(err error) {
	if err != nil {
		s.rec.StoreError("sql")
	}
}
