package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"chapps/internal/config"
	"chapps/internal/redisstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quotaPolicy(t *testing.T, fs *fakeConfigStore, mutate func(*config.Config)) (*QuotaPolicy, *redisstore.Store) {
	t.Helper()
	_, rs := testRedis(t)
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewQuotaPolicy(cfg, rs, fs, testLogger())
	if err != nil {
		t.Fatalf("NewQuotaPolicy: %v", err)
	}
	return p, rs
}

func quotaRequest(t *testing.T, instance string, recipients ...string) *Request {
	t.Helper()
	if len(recipients) == 0 {
		recipients = []string{"other@example.org"}
	}
	req, err := ParseRequest(frame(
		"instance="+instance,
		"queue_id=8045F2AB23",
		"sasl_username=someone@example.com",
		"sender=someone@example.com",
		"recipient="+strings.Join(recipients, ","),
		"client_address=10.10.10.10",
	))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	return req
}

// seedAttempts writes n send attempts into the user's rolling log, one
// second apart, the newest one second ago.
func seedAttempts(t *testing.T, rs *redisstore.Store, user string, n int) {
	t.Helper()
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	zs := make([]redis.Z, 0, n)
	for i := 0; i < n; i++ {
		ts := now - float64(n-i)
		zs = append(zs, redis.Z{Score: ts, Member: strconv.FormatFloat(ts, 'f', 6, 64)})
	}
	if err := rs.ZAdd(context.Background(), redisstore.Key("oqp", user, "attempts"), zs...).Err(); err != nil {
		t.Fatalf("seeding attempts: %v", err)
	}
}

const quotaUser = "someone@example.com"

func TestQuotaFirstAttempt(t *testing.T) {
	fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 100}}
	p, rs := quotaPolicy(t, fs, nil)
	ctx := context.Background()

	out, err := p.Approve(ctx, quotaRequest(t, "a483.1"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !out.Approved() {
		t.Fatalf("first attempt denied: %+v", out)
	}
	if out.Directive != "DUNNO" {
		t.Errorf("Directive = %q, want DUNNO", out.Directive)
	}

	if v := rs.Get(ctx, "oqp:someone@example.com:limit").Val(); v != "100" {
		t.Errorf("cached limit = %q, want 100", v)
	}
	if v := rs.Get(ctx, "oqp:someone@example.com:margin").Val(); v != "10" {
		t.Errorf("cached margin = %q, want 10", v)
	}
	if n := rs.ZCard(ctx, "oqp:someone@example.com:attempts").Val(); n != 1 {
		t.Errorf("attempt log has %d entries, want 1", n)
	}
}

func TestQuotaUnknownUser(t *testing.T) {
	fs := &fakeConfigStore{}
	p, _ := quotaPolicy(t, fs, nil)

	out, err := p.Approve(context.Background(), quotaRequest(t, "a483.1"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Approved() {
		t.Fatal("approved a user with no quota profile")
	}
	if out.Directive != "REJECT Rejected - outbound quota fulfilled" {
		t.Errorf("Directive = %q", out.Directive)
	}
	if fs.quotaCalls != 1 {
		t.Errorf("quotaCalls = %d, want 1", fs.quotaCalls)
	}
}

func TestQuotaWithinMargin(t *testing.T) {
	// 95 attempts on record; a 10-recipient send lands at 105, inside
	// the margin of 10 over a limit of 100.
	fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 100}}
	p, rs := quotaPolicy(t, fs, nil)
	seedAttempts(t, rs, quotaUser, 95)

	recipients := make([]string, 10)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("r%d@example.org", i)
	}
	out, err := p.Approve(context.Background(), quotaRequest(t, "a483.1", recipients...))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !out.Approved() {
		t.Errorf("send within margin denied: %+v", out)
	}
}

func TestQuotaOverLimit(t *testing.T) {
	t.Run("past the margin", func(t *testing.T) {
		fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 100}}
		p, rs := quotaPolicy(t, fs, nil)
		seedAttempts(t, rs, quotaUser, 110)

		out, err := p.Approve(context.Background(), quotaRequest(t, "a483.1"))
		if err != nil {
			t.Fatalf("Approve: %v", err)
		}
		if out.Approved() {
			t.Error("approved at 111 attempts against a limit of 100")
		}
	})

	t.Run("single recipient just over", func(t *testing.T) {
		// The margin only covers multi-recipient sends straddling the
		// limit; a steady single-recipient overshoot is denied.
		fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 100}}
		p, rs := quotaPolicy(t, fs, nil)
		seedAttempts(t, rs, quotaUser, 100)

		out, err := p.Approve(context.Background(), quotaRequest(t, "a483.1"))
		if err != nil {
			t.Fatalf("Approve: %v", err)
		}
		if out.Approved() {
			t.Error("approved the 101st single-recipient send")
		}
	})
}

func TestQuotaMinDelta(t *testing.T) {
	fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 100}}
	p, rs := quotaPolicy(t, fs, func(c *config.Config) {
		c.Quota.MinDelta = 5
		c.Quota.CountingRecipients = false
	})
	seedAttempts(t, rs, quotaUser, 1)

	out, err := p.Approve(context.Background(), quotaRequest(t, "a483.1"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Approved() {
		t.Error("approved a send one second after the previous one with min_delta=5")
	}
}

func TestQuotaInstanceCache(t *testing.T) {
	fs := &fakeConfigStore{}
	p, _ := quotaPolicy(t, fs, nil)
	ctx := context.Background()
	req := quotaRequest(t, "a483.1")

	out, err := p.Approve(ctx, req)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Approved() {
		t.Fatal("approved a user with no quota profile")
	}

	// Granting a quota now must not change the memoized answer for the
	// same message instance.
	fs.quotas = map[string]int{quotaUser: 100}
	again, err := p.Approve(ctx, req)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if again != out {
		t.Errorf("recheck = %+v, want memoized %+v", again, out)
	}
	if fs.quotaCalls != 1 {
		t.Errorf("quotaCalls = %d, want 1", fs.quotaCalls)
	}
}

func TestQuotaCurrentAndReset(t *testing.T) {
	fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 100}}
	p, rs := quotaPolicy(t, fs, nil)
	ctx := context.Background()

	if err := rs.Set(ctx, "oqp:someone@example.com:limit", 100, time.Hour).Err(); err != nil {
		t.Fatalf("seeding limit: %v", err)
	}
	seedAttempts(t, rs, quotaUser, 3)

	remaining, remarks, err := p.CurrentQuota(ctx, quotaUser, 0)
	if err != nil {
		t.Fatalf("CurrentQuota: %v", err)
	}
	if remaining != 97 {
		t.Errorf("remaining = %d, want 97", remaining)
	}
	found := false
	for _, r := range remarks {
		if strings.HasPrefix(r, "Last send attempt was at ") {
			found = true
		}
	}
	if !found {
		t.Errorf("no last-attempt remark in %q", remarks)
	}

	dropped, remarks, err := p.ResetQuota(ctx, quotaUser)
	if err != nil {
		t.Fatalf("ResetQuota: %v", err)
	}
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	if len(remarks) != 1 || !strings.Contains(remarks[0], "3 xmits dropped") {
		t.Errorf("remarks = %q", remarks)
	}

	remaining, _, err = p.CurrentQuota(ctx, quotaUser, 0)
	if err != nil {
		t.Fatalf("CurrentQuota after reset: %v", err)
	}
	if remaining != 100 {
		t.Errorf("remaining after reset = %d, want 100", remaining)
	}

	dropped, remarks, err = p.ResetQuota(ctx, quotaUser)
	if err != nil {
		t.Fatalf("ResetQuota: %v", err)
	}
	if dropped != 0 || len(remarks) != 1 || !strings.Contains(remarks[0], "No attempts to reset") {
		t.Errorf("empty reset = %d, %q", dropped, remarks)
	}
}

func TestQuotaRefreshPolicyCache(t *testing.T) {
	fs := &fakeConfigStore{quotas: map[string]int{quotaUser: 200}}
	p, rs := quotaPolicy(t, fs, nil)
	ctx := context.Background()

	remaining, _, err := p.RefreshPolicyCache(ctx, quotaUser, 0)
	if err != nil {
		t.Fatalf("RefreshPolicyCache: %v", err)
	}
	if remaining != 200 {
		t.Errorf("remaining = %d, want 200", remaining)
	}
	if v := rs.Get(ctx, "oqp:someone@example.com:limit").Val(); v != "200" {
		t.Errorf("cached limit = %q, want 200", v)
	}
}

func TestMarginFor(t *testing.T) {
	tests := []struct {
		margin float64
		quota  int
		want   int
	}{
		{0, 100, 0},
		{0.10, 100, 10},    // fraction of the quota
		{2.5, 200, 5},      // fractional above one reads as percent
		{10, 100, 10},      // integral values are absolute counts
		{50, 30, 50},
	}

	for _, tt := range tests {
		fs := &fakeConfigStore{}
		p, _ := quotaPolicy(t, fs, func(c *config.Config) { c.Quota.Margin = tt.margin })
		if got := p.marginFor(tt.quota); got != tt.want {
			t.Errorf("marginFor(%d) with margin %v = %d, want %d", tt.quota, tt.margin, got, tt.want)
		}
	}
}
