package policy

import (
	"errors"
	"testing"

	"chapps/internal/config"
)

func TestUserResolverPriority(t *testing.T) {
	ur := NewUserResolver(config.Default().Chapps)

	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			"sasl username wins",
			[]string{"sasl_username=auth@example.com", "sender=someone@example.com", "client_address=10.0.0.1"},
			"auth@example.com",
		},
		{
			"literal None is skipped",
			[]string{"sasl_username=None", "ccert_subject=None", "sender=someone@example.com"},
			"someone@example.com",
		},
		{
			"client address is the last resort",
			[]string{"sender=", "client_address=10.0.0.1"},
			"10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(frame(tt.lines...))
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			user, err := ur.User(req)
			if err != nil {
				t.Fatalf("User: %v", err)
			}
			if user != tt.want {
				t.Errorf("User() = %q, want %q", user, tt.want)
			}
		})
	}
}

func TestUserResolverRequireUserKey(t *testing.T) {
	cfg := config.Default().Chapps
	cfg.RequireUserKey = true
	cfg.UserKey = "sasl_username"
	ur := NewUserResolver(cfg)

	req, err := ParseRequest(frame("sender=someone@example.com", "client_address=10.0.0.1"))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if _, err := ur.User(req); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("err = %v, want ErrAuthenticationFailure", err)
	}

	req, err = ParseRequest(frame("sasl_username=auth@example.com", "sender=other@example.com"))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	user, err := ur.User(req)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if user != "auth@example.com" {
		t.Errorf("User() = %q", user)
	}
}

func TestInstanceCache(t *testing.T) {
	c := newInstanceCache(instanceCacheTTL)

	if _, ok := c.get("missing"); ok {
		t.Error("get(missing) = hit")
	}

	out := accepted("test", "DUNNO")
	c.put("i1", out)
	got, ok := c.get("i1")
	if !ok {
		t.Fatal("get(i1) = miss after put")
	}
	if got != out {
		t.Errorf("get(i1) = %+v, want %+v", got, out)
	}
}

func TestInstanceCacheExpiry(t *testing.T) {
	c := newInstanceCache(1) // one nanosecond

	c.put("i1", accepted("test", "DUNNO"))
	if _, ok := c.get("i1"); ok {
		t.Error("entry survived past its TTL")
	}
}
