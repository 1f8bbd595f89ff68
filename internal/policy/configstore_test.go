package policy

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"chapps/internal/config"
	"chapps/internal/redisstore"
)

// fakeConfigStore answers config queries from maps and counts lookups,
// standing in for the relational adapter.
type fakeConfigStore struct {
	quotas  map[string]int
	domains map[string]bool
	emails  map[string]bool
	flags   map[string]DomainFlags

	quotaCalls  int
	domainCalls int
	emailCalls  int
	flagCalls   int

	err error
}

func assoc(user, name string) string { return user + "|" + name }

func (f *fakeConfigStore) QuotaForUser(ctx context.Context, user string) (int, bool, error) {
	f.quotaCalls++
	if f.err != nil {
		return 0, false, f.err
	}
	q, ok := f.quotas[user]
	return q, ok, nil
}

func (f *fakeConfigStore) CheckDomainForUser(ctx context.Context, user, domain string) (bool, error) {
	f.domainCalls++
	if f.err != nil {
		return false, f.err
	}
	return f.domains[assoc(user, domain)], nil
}

func (f *fakeConfigStore) CheckEmailForUser(ctx context.Context, user, email string) (bool, error) {
	f.emailCalls++
	if f.err != nil {
		return false, f.err
	}
	return f.emails[assoc(user, email)], nil
}

func (f *fakeConfigStore) DomainFlags(ctx context.Context, domain string) (DomainFlags, error) {
	f.flagCalls++
	if f.err != nil {
		return DomainFlags{}, f.err
	}
	return f.flags[domain], nil
}

// testRedis starts a miniredis and returns a Store connected to it.
func testRedis(t *testing.T) (*miniredis.Miniredis, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("miniredis port: %v", err)
	}
	rs := redisstore.ForWrite(config.RedisConfig{Server: mr.Host(), Port: port})
	t.Cleanup(func() { rs.Close() })
	return mr, rs
}
