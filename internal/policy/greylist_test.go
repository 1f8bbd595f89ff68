package policy

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"chapps/internal/config"
	"chapps/internal/redisstore"
)

func greylistPolicy(t *testing.T, fs *fakeConfigStore, mutate func(*config.Config)) (*GreylistPolicy, *redisstore.Store) {
	t.Helper()
	_, rs := testRedis(t)
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewGreylistPolicy(cfg, rs, fs, testLogger())
	if err != nil {
		t.Fatalf("NewGreylistPolicy: %v", err)
	}
	return p, rs
}

func greylistRequest(t *testing.T, instance string) *Request {
	t.Helper()
	req, err := ParseRequest(frame(
		"instance="+instance,
		"queue_id=8045F2AB23",
		"helo_name=mail.example.com",
		"sender=someone@example.com",
		"recipient=other@example.org",
		"client_address=10.10.10.10",
	))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	return req
}

const (
	greylistTupleKey  = "grl:10.10.10.10:someone@example.com:other@example.org"
	greylistClientKey = "grl:10.10.10.10"
)

func enforcingStore() *fakeConfigStore {
	return &fakeConfigStore{flags: map[string]DomainFlags{
		"example.org": {Greylist: true, Exists: true},
	}}
}

func floatNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func setTupleSeen(t *testing.T, rs *redisstore.Store, ago time.Duration) float64 {
	t.Helper()
	ts := floatNow() - ago.Seconds()
	err := rs.Set(context.Background(), greylistTupleKey,
		strconv.FormatFloat(ts, 'f', 6, 64), time.Hour).Err()
	if err != nil {
		t.Fatalf("seeding tuple: %v", err)
	}
	return ts
}

func TestGreylistFirstContact(t *testing.T) {
	fs := enforcingStore()
	p, rs := greylistPolicy(t, fs, nil)
	ctx := context.Background()

	out, err := p.Approve(ctx, greylistRequest(t, "a483.1"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Approved() {
		t.Fatal("approved an unseen triplet")
	}
	if out.Directive != "DEFER_IF_PERMIT Service temporarily unavailable - greylisted" {
		t.Errorf("Directive = %q", out.Directive)
	}
	if v := rs.Get(ctx, greylistTupleKey).Val(); v == "" {
		t.Error("triplet timestamp was not recorded")
	}
	if v := rs.Get(ctx, "grl:example.org").Val(); v != "1" {
		t.Errorf("cached option flag = %q, want 1", v)
	}
}

func TestGreylistRetryAfterDeferral(t *testing.T) {
	fs := enforcingStore()
	p, rs := greylistPolicy(t, fs, nil)
	ctx := context.Background()

	rs.Set(ctx, "grl:example.org", 1, time.Hour)
	setTupleSeen(t, rs, 2*time.Minute)

	out, err := p.Approve(ctx, greylistRequest(t, "a483.2"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !out.Approved() {
		t.Fatalf("denied a retry past the deferral window: %+v", out)
	}
	if out.Directive != "DUNNO" {
		t.Errorf("Directive = %q, want DUNNO", out.Directive)
	}
	// The pass is tallied toward auto-allow and the flag cache spared a
	// config store round trip.
	if n := rs.ZCard(ctx, greylistClientKey).Val(); n != 1 {
		t.Errorf("client tally has %d entries, want 1", n)
	}
	if fs.flagCalls != 0 {
		t.Errorf("flagCalls = %d, want 0", fs.flagCalls)
	}
}

func TestGreylistRetryTooSoon(t *testing.T) {
	fs := enforcingStore()
	p, rs := greylistPolicy(t, fs, nil)
	ctx := context.Background()

	rs.Set(ctx, "grl:example.org", 1, time.Hour)
	seeded := setTupleSeen(t, rs, 10*time.Second)

	out, err := p.Approve(ctx, greylistRequest(t, "a483.3"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Approved() {
		t.Fatal("approved a retry inside the deferral window")
	}

	// An impatient retry restarts the clock.
	refreshed, err := strconv.ParseFloat(rs.Get(ctx, greylistTupleKey).Val(), 64)
	if err != nil {
		t.Fatalf("parsing refreshed tuple: %v", err)
	}
	if refreshed <= seeded {
		t.Errorf("tuple timestamp %f not refreshed past %f", refreshed, seeded)
	}
}

func TestGreylistDomainOptOut(t *testing.T) {
	fs := &fakeConfigStore{flags: map[string]DomainFlags{
		"example.org": {Greylist: false, Exists: true},
	}}
	p, rs := greylistPolicy(t, fs, nil)
	ctx := context.Background()

	out, err := p.Approve(ctx, greylistRequest(t, "a483.4"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Verdict != PassThrough {
		t.Fatalf("Verdict = %v, want PassThrough", out.Verdict)
	}
	if v := rs.Get(ctx, "grl:example.org").Val(); v != "0" {
		t.Errorf("cached option flag = %q, want 0", v)
	}

	// A later message for the same domain answers from the flag cache.
	if _, err := p.Approve(ctx, greylistRequest(t, "a483.5")); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if fs.flagCalls != 1 {
		t.Errorf("flagCalls = %d, want 1", fs.flagCalls)
	}
}

func TestGreylistUnknownDomain(t *testing.T) {
	t.Run("default pass-through", func(t *testing.T) {
		p, _ := greylistPolicy(t, &fakeConfigStore{}, nil)
		out, err := p.Approve(context.Background(), greylistRequest(t, "a483.6"))
		if err != nil {
			t.Fatalf("Approve: %v", err)
		}
		if out.Verdict != PassThrough {
			t.Errorf("Verdict = %v, want PassThrough", out.Verdict)
		}
	})

	t.Run("enforce_unknown_domain", func(t *testing.T) {
		p, _ := greylistPolicy(t, &fakeConfigStore{}, func(c *config.Config) {
			c.Greylist.EnforceUnknownDomain = true
		})
		out, err := p.Approve(context.Background(), greylistRequest(t, "a483.7"))
		if err != nil {
			t.Fatalf("Approve: %v", err)
		}
		if out.Approved() {
			t.Error("approved first contact for an unknown domain under enforcement")
		}
	})
}

func TestGreylistAutoAllow(t *testing.T) {
	fs := enforcingStore()
	p, rs := greylistPolicy(t, fs, nil)
	ctx := context.Background()

	rs.Set(ctx, "grl:example.org", 1, time.Hour)
	now := floatNow()
	for i := 0; i < 10; i++ {
		rs.ZAdd(ctx, greylistClientKey, redis.Z{
			Score:  now - float64(i),
			Member: fmt.Sprintf("seen.%d", i),
		})
	}

	out, err := p.Approve(ctx, greylistRequest(t, "a483.8"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !out.Approved() {
		t.Errorf("denied a client with a full tally: %+v", out)
	}
}

func TestGreylistHELOWhitelist(t *testing.T) {
	fs := enforcingStore()
	p, _ := greylistPolicy(t, fs, func(c *config.Config) {
		c.Chapps.HELOWhitelist = map[string]string{"mail.example.com": "10.10.10.10"}
	})

	out, err := p.Approve(context.Background(), greylistRequest(t, "a483.9"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Verdict != PassThrough {
		t.Errorf("Verdict = %v, want PassThrough", out.Verdict)
	}
	if fs.flagCalls != 0 {
		t.Errorf("flagCalls = %d, want 0", fs.flagCalls)
	}
}

func TestGreylistForced(t *testing.T) {
	// Forced evaluation ignores the domain opt-out; used by SPF
	// fall-through.
	fs := &fakeConfigStore{flags: map[string]DomainFlags{
		"example.org": {Greylist: false, Exists: true},
	}}
	p, _ := greylistPolicy(t, fs, nil)

	out, err := p.ApproveForced(context.Background(), greylistRequest(t, "a483.10"))
	if err != nil {
		t.Fatalf("ApproveForced: %v", err)
	}
	if out.Approved() {
		t.Error("forced evaluation approved an unseen triplet")
	}
	if fs.flagCalls != 0 {
		t.Errorf("flagCalls = %d, want 0", fs.flagCalls)
	}
}

func TestGreylistCacheTTLCorrection(t *testing.T) {
	p, _ := greylistPolicy(t, &fakeConfigStore{}, func(c *config.Config) {
		c.Greylist.CacheTTL = 30
		c.Greylist.MinimumDeferral = 60
	})
	if p.cfg.CacheTTL != config.SecondsPerDay {
		t.Errorf("CacheTTL = %d, want %d", p.cfg.CacheTTL, config.SecondsPerDay)
	}
}
