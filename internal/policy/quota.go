package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chapps/internal/actions"
	"chapps/internal/config"
	"chapps/internal/redisstore"
)

const quotaPrefix = "oqp"

const timeFormat = "02 Jan 2006 15:04:05 -0700"

// QuotaPolicy enforces a per-user upper bound on send attempts over a
// rolling window. Accounting is serialized inside Redis by pipelining;
// the configured margin absorbs the race window this leaves open. An
// unknown user or an unreachable cache denies (fail-closed).
type QuotaPolicy struct {
	cfg    config.QuotaConfig
	redis  *redisstore.Store
	store  ConfigStore
	users  *UserResolver
	msgs   *actions.PassFail
	cache  *instanceCache
	logger *slog.Logger
}

// NewQuotaPolicy builds the outbound quota engine.
func NewQuotaPolicy(cfg config.Config, rs *redisstore.Store, cs ConfigStore, logger *slog.Logger) (*QuotaPolicy, error) {
	msgs, err := actions.NewPassFail(cfg.Quota.AcceptanceMessage, cfg.Quota.RejectionMessage)
	if err != nil {
		return nil, fmt.Errorf("outbound_quota: %w", err)
	}
	return &QuotaPolicy{
		cfg:    cfg.Quota,
		redis:  rs,
		store:  cs,
		users:  NewUserResolver(cfg.Chapps),
		msgs:   msgs,
		cache:  newInstanceCache(instanceCacheTTL),
		logger: logger.With(slog.String("policy", "outbound_quota")),
	}, nil
}

func (p *QuotaPolicy) Name() string { return "outbound_quota" }

// NullSenderOK reports how the dispatcher should treat a null sender
// raised during evaluation.
func (p *QuotaPolicy) NullSenderOK() bool { return p.cfg.NullSenderOK }

// Accept returns the configured acceptance directive.
func (p *QuotaPolicy) Accept() string { return p.msgs.Accept("") }

// Reject returns the configured rejection directive.
func (p *QuotaPolicy) Reject() string { return p.msgs.Reject("") }

// Approve decides whether this send attempt falls within the user's
// quota. The decision is memoized against the request instance for a
// few seconds to absorb MTA rechecks.
func (p *QuotaPolicy) Approve(ctx context.Context, req *Request) (Outcome, error) {
	user, err := p.users.User(req)
	if err != nil {
		return Outcome{}, err
	}
	if out, ok := p.cache.get(req.CacheKey()); ok {
		return out, nil
	}

	out := p.evaluate(ctx, req, user)
	p.cache.put(req.CacheKey(), out)
	return out, nil
}

func (p *QuotaPolicy) evaluate(ctx context.Context, req *Request, user string) Outcome {
	if !p.haveControlData(ctx, user) {
		if err := p.AcquirePolicyFor(ctx, user, 0); err != nil {
			p.logger.Error("loading quota policy", "user", user, "error", err)
			return denied(p.Name(), p.msgs.Reject(""))
		}
	}

	limit, margin, attempts, err := p.controlData(ctx, req, user)
	if err != nil {
		p.logger.Error("quota control data", "user", user, "instance", req.Instance(), "error", err)
		return denied(p.Name(), p.msgs.Reject(""))
	}
	if limit == 0 {
		// No quota profile for the user.
		p.logger.Debug("deny: no quota profile", "user", user, "instance", req.Instance())
		return denied(p.Name(), p.msgs.Reject(""))
	}
	if len(attempts) < 2 {
		return accepted(p.Name(), p.msgs.Accept(""))
	}
	if p.cfg.MinDelta > 0 {
		if delta := p.attemptDelta(req, attempts); delta < p.cfg.MinDelta {
			p.logger.Debug("deny: too fast", "user", user, "instance", req.Instance(),
				"delta", delta)
			return denied(p.Name(), p.msgs.Reject(""))
		}
	}
	if len(attempts) > limit {
		if len(attempts)-margin > limit || len(attempts)-len(req.Recipients()) >= limit {
			p.logger.Debug("deny: over quota", "user", user, "instance", req.Instance(),
				"limit", limit, "attempts", len(attempts), "margin", margin)
			return denied(p.Name(), p.msgs.Reject(""))
		}
		// Within margin: an under-limit send pushed just past the limit.
		p.logger.Debug("accept within margin", "user", user, "instance", req.Instance(),
			"limit", limit, "attempts", len(attempts))
	}
	return accepted(p.Name(), p.msgs.Accept(""))
}

func (p *QuotaPolicy) haveControlData(ctx context.Context, user string) bool {
	v, err := p.redis.Get(ctx, redisstore.Key(quotaPrefix, user, "limit")).Result()
	return err == nil && v != ""
}

// AcquirePolicyFor loads the user's quota from the config store into
// Redis. A non-zero quota overrides the lookup; the admin API passes
// the quota it already holds.
func (p *QuotaPolicy) AcquirePolicyFor(ctx context.Context, user string, quota int) error {
	if quota == 0 {
		var ok bool
		var err error
		quota, ok, err = p.store.QuotaForUser(ctx, user)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return p.storeControlData(ctx, user, quota)
}

func (p *QuotaPolicy) storeControlData(ctx context.Context, user string, quota int) error {
	margin := p.marginFor(quota)
	ttl := p.interval()
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisstore.Key(quotaPrefix, user, "limit"), quota, ttl)
		pipe.Set(ctx, redisstore.Key(quotaPrefix, user, "margin"), margin, ttl)
		return nil
	})
	return err
}

// marginFor translates the configured margin into an attempt count.
// Integral values are absolute counts; fractions in (0,1) are a share
// of the quota; fractional values above 1 and below 100 are percent.
func (p *QuotaPolicy) marginFor(quota int) int {
	m := p.cfg.Margin
	switch {
	case m <= 0:
		return 0
	case m < 1:
		return int(m * float64(quota))
	case m != math.Trunc(m) && m < 100:
		return int(m / 100 * float64(quota))
	default:
		return int(m)
	}
}

func (p *QuotaPolicy) interval() time.Duration {
	return time.Duration(p.cfg.Interval) * time.Second
}

// controlData runs the single atomic pipeline of the admission
// procedure: trim the rolling log, add this attempt, read back the
// limit, margin and trimmed log, and refresh every TTL.
func (p *QuotaPolicy) controlData(ctx context.Context, req *Request, user string) (limit, margin int, attempts []string, err error) {
	now := time.Now()
	score := float64(now.UnixNano()) / float64(time.Second)
	scoreStr := strconv.FormatFloat(score, 'f', 6, 64)

	var members []redis.Z
	if p.cfg.CountingRecipients {
		for i := range req.Recipients() {
			members = append(members, redis.Z{
				Score:  score,
				Member: fmt.Sprintf("%s:%05d", scoreStr, i),
			})
		}
	}
	if len(members) == 0 {
		members = []redis.Z{{Score: score, Member: scoreStr}}
	}

	triesKey := redisstore.Key(quotaPrefix, user, "attempts")
	limitKey := redisstore.Key(quotaPrefix, user, "limit")
	marginKey := redisstore.Key(quotaPrefix, user, "margin")
	ttl := p.interval()
	horizon := score - float64(p.cfg.Interval)

	var limitCmd, marginCmd *redis.StringCmd
	var triesCmd *redis.StringSliceCmd
	_, err = p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, triesKey, "0", strconv.FormatFloat(horizon, 'f', 6, 64))
		pipe.ZAdd(ctx, triesKey, members...)
		limitCmd = pipe.Get(ctx, limitKey)
		marginCmd = pipe.Get(ctx, marginKey)
		triesCmd = pipe.ZRange(ctx, triesKey, 0, -1)
		pipe.Expire(ctx, triesKey, ttl)
		pipe.Expire(ctx, limitKey, ttl)
		pipe.Expire(ctx, marginKey, ttl)
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, 0, nil, err
	}

	if v, err := limitCmd.Result(); err == nil {
		limit, _ = strconv.Atoi(v)
	}
	if v, err := marginCmd.Result(); err == nil {
		margin, _ = strconv.Atoi(v)
	}
	attempts = triesCmd.Val()
	return limit, margin, attempts, nil
}

// attemptDelta returns the seconds between this attempt and the
// previous one. When counting recipients, the comparison is offset by
// the recipient count so it spans the tail of the previous attempt.
func (p *QuotaPolicy) attemptDelta(req *Request, attempts []string) float64 {
	if len(attempts) < 2 {
		return math.Inf(1)
	}
	last, prev := len(attempts)-1, len(attempts)-2
	if p.cfg.CountingRecipients {
		nrcpt := len(req.Recipients())
		if len(attempts) <= nrcpt {
			return math.Inf(1)
		}
		last -= nrcpt
		prev -= nrcpt
	}
	if prev < 0 {
		return math.Inf(1)
	}
	lastTS, ok1 := attemptTime(attempts[last])
	prevTS, ok2 := attemptTime(attempts[prev])
	if !ok1 || !ok2 {
		return math.Inf(1)
	}
	return lastTS - prevTS
}

// attemptTime parses the timestamp portion of an attempts-set member.
// With recipient counting, members look like "<ts>:<serial>".
func attemptTime(member string) (float64, bool) {
	ts, _, _ := strings.Cut(member, ":")
	f, err := strconv.ParseFloat(ts, 64)
	return f, err == nil
}

// CurrentQuota reports the user's remaining transmission count along
// with remarks for the admin surface. A known quota record may be
// passed to supply the limit when Redis holds none.
func (p *QuotaPolicy) CurrentQuota(ctx context.Context, user string, quota int) (int, []string, error) {
	triesKey := redisstore.Key(quotaPrefix, user, "attempts")
	limitKey := redisstore.Key(quotaPrefix, user, "limit")
	horizon := float64(time.Now().Unix()) - float64(p.cfg.Interval)

	var limitCmd *redis.StringCmd
	var triesCmd *redis.StringSliceCmd
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, triesKey, "0", strconv.FormatFloat(horizon, 'f', 6, 64))
		limitCmd = pipe.Get(ctx, limitKey)
		triesCmd = pipe.ZRange(ctx, triesKey, 0, -1)
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, nil, err
	}

	var remarks []string
	limit := 0
	if v, err := limitCmd.Result(); err == nil {
		limit, _ = strconv.Atoi(v)
	} else {
		remarks = append(remarks, fmt.Sprintf("There is no cached quota limit for %s.", user))
		if quota > 0 {
			limit = quota
		} else {
			remarks = append(remarks, fmt.Sprintf("There is no quota configured for user %s.", user))
		}
	}
	attempts := triesCmd.Val()
	if len(attempts) > 0 {
		if ts, ok := attemptTime(attempts[len(attempts)-1]); ok {
			lastTry := time.Unix(int64(ts), 0).UTC().Format(timeFormat)
			remarks = append(remarks, fmt.Sprintf("Last send attempt was at %s", lastTry))
		}
	}
	if limit == 0 {
		remarks = append(remarks, "No limit could be found; returning zero xmits remaining.")
		return 0, remarks, nil
	}
	return limit - len(attempts), remarks, nil
}

// ResetQuota drops the user's rolling attempt log and reports how many
// records were removed.
func (p *QuotaPolicy) ResetQuota(ctx context.Context, user string) (int, []string, error) {
	triesKey := redisstore.Key(quotaPrefix, user, "attempts")

	var triesCmd *redis.StringSliceCmd
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		triesCmd = pipe.ZRange(ctx, triesKey, 0, -1)
		pipe.Del(ctx, triesKey)
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, nil, err
	}
	n := len(triesCmd.Val())
	msg := fmt.Sprintf("Attempts (quota) reset for %s: %d xmits dropped", user, n)
	if n == 0 {
		msg = fmt.Sprintf("No attempts to reset for %s: 0 xmits dropped", user)
	}
	return n, []string{msg}, nil
}

// RefreshPolicyCache reloads the user's limit and margin into Redis and
// returns the current remaining quota.
func (p *QuotaPolicy) RefreshPolicyCache(ctx context.Context, user string, quota int) (int, []string, error) {
	if err := p.AcquirePolicyFor(ctx, user, quota); err != nil {
		return 0, nil, err
	}
	return p.CurrentQuota(ctx, user, quota)
}
