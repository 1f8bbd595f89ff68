package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chapps/internal/actions"
	"chapps/internal/config"
	"chapps/internal/redisstore"
)

const sdaPrefix = "sda"

// SDAStatus describes one cached sender-domain authorization verdict.
type SDAStatus string

const (
	// SDANone means no verdict is cached.
	SDANone SDAStatus = "NONE"
	// SDAProhibited means a negative verdict is cached.
	SDAProhibited SDAStatus = "PROH"
	// SDAAuthorized means a positive verdict is cached.
	SDAAuthorized SDAStatus = "AUTH"
)

// SenderDomainAuthPolicy decides whether an authenticated user may send
// mail as the apparent sender. The domain part of the sender address is
// checked first; a whole-address match is the fallback. Verdicts are
// cached in Redis; a cache loss re-queries the config store (fail-open).
type SenderDomainAuthPolicy struct {
	cfg    config.SDAConfig
	redis  *redisstore.Store
	store  ConfigStore
	users  *UserResolver
	msgs   *actions.PassFail
	cache  *instanceCache
	logger *slog.Logger
}

// NewSenderDomainAuthPolicy builds the sender-domain authorization engine.
func NewSenderDomainAuthPolicy(cfg config.Config, rs *redisstore.Store, cs ConfigStore, logger *slog.Logger) (*SenderDomainAuthPolicy, error) {
	msgs, err := actions.NewPassFail(cfg.SDA.AcceptanceMessage, cfg.SDA.RejectionMessage)
	if err != nil {
		return nil, fmt.Errorf("sender_domain_auth: %w", err)
	}
	return &SenderDomainAuthPolicy{
		cfg:    cfg.SDA,
		redis:  rs,
		store:  cs,
		users:  NewUserResolver(cfg.Chapps),
		msgs:   msgs,
		cache:  newInstanceCache(instanceCacheTTL),
		logger: logger.With(slog.String("policy", "sender_domain_auth")),
	}, nil
}

func (p *SenderDomainAuthPolicy) Name() string { return "sender_domain_auth" }

func (p *SenderDomainAuthPolicy) NullSenderOK() bool { return p.cfg.NullSenderOK }

// Accept returns the configured acceptance directive.
func (p *SenderDomainAuthPolicy) Accept() string { return p.msgs.Accept("") }

// Reject returns the configured rejection directive.
func (p *SenderDomainAuthPolicy) Reject() string { return p.msgs.Reject("") }

func (p *SenderDomainAuthPolicy) authKey(user, subject string) string {
	return redisstore.Key(sdaPrefix, user, subject)
}

// Approve decides whether the user may send as the request's sender
// address. A null sender surfaces as ErrNullSender for the dispatcher;
// a malformed sender address denies outright.
func (p *SenderDomainAuthPolicy) Approve(ctx context.Context, req *Request) (Outcome, error) {
	user, err := p.users.User(req)
	if err != nil {
		return Outcome{}, err
	}
	domain, err := req.SenderDomain()
	if err != nil {
		if errors.Is(err, ErrNullSender) {
			return Outcome{}, err
		}
		p.logger.Debug("malformed sender address", "instance", req.Instance(),
			"sender", req.Sender(), "error", err)
		return denied(p.Name(), p.msgs.Reject("")), nil
	}
	if out, ok := p.cache.get(req.CacheKey()); ok {
		return out, nil
	}

	allowed, err := p.approved(ctx, req, user, domain)
	if err != nil {
		p.logger.Error("sender domain auth lookup", "instance", req.Instance(),
			"user", user, "domain", domain, "error", err)
		return denied(p.Name(), p.msgs.Reject("")), nil
	}
	out := denied(p.Name(), p.msgs.Reject(""))
	if allowed {
		out = accepted(p.Name(), p.msgs.Accept(""))
	}
	p.cache.put(req.CacheKey(), out)
	return out, nil
}

// approved cascades through the cached verdicts, domain then whole
// address, and falls back on the config store when neither is cached.
func (p *SenderDomainAuthPolicy) approved(ctx context.Context, req *Request, user, domain string) (bool, error) {
	v := p.cachedVerdict(ctx, user, domain)
	if v != verdictAuthorized {
		v = p.cachedVerdict(ctx, user, req.Sender())
	}
	if v == verdictAbsent {
		return p.AcquirePolicyFor(ctx, user, domain, req.Sender())
	}
	return v == verdictAuthorized, nil
}

const (
	verdictAbsent     = -1
	verdictProhibited = 0
	verdictAuthorized = 1
)

// cachedVerdict reads one cached verdict. A cache error reads as
// absent, sending the decision back to the config store.
func (p *SenderDomainAuthPolicy) cachedVerdict(ctx context.Context, user, subject string) int {
	v, err := p.redis.Get(ctx, p.authKey(user, subject)).Result()
	if err != nil {
		if err != redis.Nil {
			p.logger.Error("reading cached verdict", "user", user,
				"subject", subject, "error", err)
		}
		return verdictAbsent
	}
	n, err := strconv.Atoi(v)
	if err != nil || n != verdictAuthorized {
		return verdictProhibited
	}
	return verdictAuthorized
}

// AcquirePolicyFor queries the config store for the user's right to
// send as the domain, falling back to a whole-address match, and caches
// what it learns.
func (p *SenderDomainAuthPolicy) AcquirePolicyFor(ctx context.Context, user, domain, sender string) (bool, error) {
	allowed, err := p.store.CheckDomainForUser(ctx, user, domain)
	if err != nil {
		return false, err
	}
	p.storeVerdict(ctx, user, domain, allowed)
	if !allowed {
		allowed, err = p.store.CheckEmailForUser(ctx, user, sender)
		if err != nil {
			return false, err
		}
		p.storeVerdict(ctx, user, sender, allowed)
	}
	return allowed, nil
}

func (p *SenderDomainAuthPolicy) storeVerdict(ctx context.Context, user, subject string, allowed bool) {
	v := verdictProhibited
	if allowed {
		v = verdictAuthorized
	}
	err := p.redis.Set(ctx, p.authKey(user, subject), v, config.SecondsPerDay*time.Second).Err()
	if err != nil {
		p.logger.Error("caching verdict", "user", user, "subject", subject, "error", err)
	}
}

// CheckPolicyCache reports the cached verdict for a user and auth
// subject (domain or whole address), for the admin surface.
func (p *SenderDomainAuthPolicy) CheckPolicyCache(ctx context.Context, user, subject string) (SDAStatus, error) {
	v, err := p.redis.Get(ctx, p.authKey(user, subject)).Result()
	if err == redis.Nil {
		return SDANone, nil
	}
	if err != nil {
		return SDANone, err
	}
	if n, err := strconv.Atoi(v); err == nil && n == verdictAuthorized {
		return SDAAuthorized, nil
	}
	return SDAProhibited, nil
}

// ClearPolicyCache drops one cached verdict and returns its previous
// status.
func (p *SenderDomainAuthPolicy) ClearPolicyCache(ctx context.Context, user, subject string) (SDAStatus, error) {
	prev, err := p.CheckPolicyCache(ctx, user, subject)
	if err != nil {
		return SDANone, err
	}
	if prev != SDANone {
		if err := p.redis.Del(ctx, p.authKey(user, subject)).Err(); err != nil {
			return prev, err
		}
	}
	return prev, nil
}

// BulkClearPolicyCache drops the cached verdicts for the cross product
// of users and auth subjects.
func (p *SenderDomainAuthPolicy) BulkClearPolicyCache(ctx context.Context, users, subjects []string) error {
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range subjects {
			for _, u := range users {
				pipe.Del(ctx, p.authKey(u, s))
			}
		}
		return nil
	})
	return err
}

// BulkCheckPolicyCache maps each auth subject onto the per-user cached
// status, for the admin surface.
func (p *SenderDomainAuthPolicy) BulkCheckPolicyCache(ctx context.Context, users, subjects []string) (map[string]map[string]SDAStatus, error) {
	cmds := make([]*redis.StringCmd, 0, len(users)*len(subjects))
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range subjects {
			for _, u := range users {
				cmds = append(cmds, pipe.Get(ctx, p.authKey(u, s)))
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make(map[string]map[string]SDAStatus, len(subjects))
	i := 0
	for _, s := range subjects {
		out[s] = make(map[string]SDAStatus, len(users))
		for _, u := range users {
			v, err := cmds[i].Result()
			i++
			switch {
			case err == redis.Nil:
				out[s][u] = SDANone
			case err != nil:
				return nil, err
			default:
				if n, convErr := strconv.Atoi(v); convErr == nil && n == verdictAuthorized {
					out[s][u] = SDAAuthorized
				} else {
					out[s][u] = SDAProhibited
				}
			}
		}
	}
	return out, nil
}
