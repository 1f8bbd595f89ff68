package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chapps/internal/actions"
	"chapps/internal/config"
	"chapps/internal/redisstore"
)

const greylistPrefix = "grl"

// GreylistPolicy defers the first occurrence of each (client, sender,
// recipient) triplet, accepts retries past the minimum deferral window,
// and auto-accepts clients with enough accumulated passes. Enforcement
// is per recipient domain; the domain's option flag is cached in Redis
// alongside the tracking data.
type GreylistPolicy struct {
	cfg       config.GreylistConfig
	whitelist map[string]string
	redis     *redisstore.Store
	store     ConfigStore
	msgs      *actions.PassFail
	cache     *instanceCache
	logger    *slog.Logger
}

// NewGreylistPolicy builds the greylisting engine. Questionable timing
// settings are corrected or warned about rather than refused, so an
// edited config cannot silence the daemon.
func NewGreylistPolicy(cfg config.Config, rs *redisstore.Store, cs ConfigStore, logger *slog.Logger) (*GreylistPolicy, error) {
	msgs, err := actions.NewPassFail(cfg.Greylist.AcceptanceMessage, cfg.Greylist.RejectionMessage)
	if err != nil {
		return nil, fmt.Errorf("greylisting: %w", err)
	}
	logger = logger.With(slog.String("policy", "greylisting"))

	gc := cfg.Greylist
	if gc.CacheTTL <= gc.MinimumDeferral {
		logger.Warn("cache_ttl not above minimum_deferral, defaulting to 24h",
			"cache_ttl", gc.CacheTTL, "minimum_deferral", gc.MinimumDeferral)
		gc.CacheTTL = config.SecondsPerDay
	}
	if gc.MinimumDeferral > 15*60 {
		logger.Warn("expecting senders to defer for more than 15 minutes may be unreasonable",
			"minimum_deferral", gc.MinimumDeferral)
	}
	switch {
	case gc.AutoAllowAfter == 0:
		logger.Warn("sender auto-approval is turned off")
	case gc.AutoAllowAfter < 2:
		logger.Warn("sender auto-approval threshold is fairly low",
			"auto_allow_after", gc.AutoAllowAfter)
	}

	return &GreylistPolicy{
		cfg:       gc,
		whitelist: cfg.Chapps.HELOWhitelist,
		redis:     rs,
		store:     cs,
		msgs:      msgs,
		cache:     newInstanceCache(instanceCacheTTL),
		logger:    logger,
	}, nil
}

func (p *GreylistPolicy) Name() string { return "greylisting" }

func (p *GreylistPolicy) NullSenderOK() bool { return p.cfg.NullSenderOK }

// Accept returns the configured acceptance directive.
func (p *GreylistPolicy) Accept() string { return p.msgs.Accept("") }

// Reject returns the configured rejection directive.
func (p *GreylistPolicy) Reject() string { return p.msgs.Reject("") }

func (p *GreylistPolicy) tupleKey(req *Request) string {
	return redisstore.Key(greylistPrefix, req.ClientAddress(), req.Sender(), req.Recipient())
}

func (p *GreylistPolicy) clientKey(req *Request) string {
	return redisstore.Key(greylistPrefix, req.ClientAddress())
}

func (p *GreylistPolicy) optionKey(domain string) string {
	return redisstore.Key(greylistPrefix, domain)
}

// Approve applies greylisting to one request. Enforcement is skipped
// for whitelisted HELO names and for recipient domains whose greylist
// option flag is off.
func (p *GreylistPolicy) Approve(ctx context.Context, req *Request) (Outcome, error) {
	return p.approve(ctx, req, false)
}

// ApproveForced applies greylisting regardless of the recipient
// domain's option flag. The SPF engine uses it for results configured
// to fall through into greylisting.
func (p *GreylistPolicy) ApproveForced(ctx context.Context, req *Request) (Outcome, error) {
	return p.approve(ctx, req, true)
}

func (p *GreylistPolicy) approve(ctx context.Context, req *Request, force bool) (Outcome, error) {
	if req.HELOMatch(p.whitelist) {
		p.logger.Info("whitelisting traffic", "helo_name", req.HELOName())
		return passedThrough(p.Name(), actions.Dunno()), nil
	}
	if out, ok := p.cache.get(req.CacheKey()); ok {
		return out, nil
	}

	domain, err := req.RecipientDomain()
	if err != nil {
		p.logger.Error("no recipient domain", "instance", req.Instance(), "error", err)
		return denied(p.Name(), p.msgs.Reject("")), nil
	}

	out, err := p.evaluate(ctx, req, domain, force)
	if err != nil {
		p.logger.Error("greylist control data", "instance", req.Instance(),
			"domain", domain, "error", err)
		return denied(p.Name(), p.msgs.Reject("")), nil
	}
	p.cache.put(req.CacheKey(), out)
	return out, nil
}

func (p *GreylistPolicy) evaluate(ctx context.Context, req *Request, domain string, force bool) (Outcome, error) {
	option, tupleSeen, haveTuple, tally, err := p.controlData(ctx, req, domain)
	if err != nil {
		return Outcome{}, err
	}
	if option < 0 && !force {
		enforce, err := p.AcquirePolicyFor(ctx, domain)
		if err != nil {
			return Outcome{}, err
		}
		if enforce {
			option = 1
		} else {
			option = 0
		}
	}
	if force {
		option = 1
	}
	if option == 0 {
		p.logger.Debug("not enforcing greylisting", "domain", domain)
		return passedThrough(p.Name(), actions.Dunno()), nil
	}

	if p.cfg.AutoAllowAfter > 0 && tally >= p.cfg.AutoAllowAfter {
		p.updateClientTally(ctx, req)
		return accepted(p.Name(), p.msgs.Accept("")), nil
	}
	if haveTuple {
		elapsed := float64(time.Now().UnixNano())/float64(time.Second) - tupleSeen
		if elapsed >= float64(p.cfg.MinimumDeferral) {
			p.updateClientTally(ctx, req)
			return accepted(p.Name(), p.msgs.Accept("")), nil
		}
	}

	// Unseen, or retried too soon. Either way the triplet timestamp is
	// refreshed, restarting the deferral window.
	p.updateTuple(ctx, req)
	return denied(p.Name(), p.msgs.Reject("")), nil
}

func (p *GreylistPolicy) cacheTTL() time.Duration {
	return time.Duration(p.cfg.CacheTTL) * time.Second
}

// controlData reads the triplet timestamp, domain option flag, and
// trimmed client tally in one pipeline. option is -1 when the flag is
// not cached.
func (p *GreylistPolicy) controlData(ctx context.Context, req *Request, domain string) (option int, tupleSeen float64, haveTuple bool, tally int, err error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	clientKey := p.clientKey(req)

	var tupleCmd, optionCmd *redis.StringCmd
	var tallyCmd *redis.StringSliceCmd
	_, err = p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, clientKey, "0",
			strconv.FormatFloat(now-float64(p.cfg.CacheTTL), 'f', 6, 64))
		tupleCmd = pipe.Get(ctx, p.tupleKey(req))
		optionCmd = pipe.Get(ctx, p.optionKey(domain))
		if p.cfg.AutoAllowAfter > 0 {
			tallyCmd = pipe.ZRange(ctx, clientKey, 0, -1)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0, 0, false, 0, err
	}

	option = -1
	if v, err := optionCmd.Result(); err == nil && v != "" {
		option, _ = strconv.Atoi(v)
	}
	if v, err := tupleCmd.Result(); err == nil && v != "" {
		tupleSeen, _ = strconv.ParseFloat(v, 64)
		haveTuple = true
	}
	if tallyCmd != nil {
		tally = len(tallyCmd.Val())
	}
	return option, tupleSeen, haveTuple, tally, nil
}

// AcquirePolicyFor loads the domain's greylist option flag from the
// config store into Redis and returns it. An unknown domain falls back
// to the configured default.
func (p *GreylistPolicy) AcquirePolicyFor(ctx context.Context, domain string) (bool, error) {
	flags, err := p.store.DomainFlags(ctx, domain)
	if err != nil {
		return false, err
	}
	enforce := flags.Greylist
	if !flags.Exists {
		enforce = p.cfg.EnforceUnknownDomain
	}
	p.logger.Debug("got greylisting option flag from config store",
		"domain", domain, "enforce", enforce)
	p.storeOptionFlag(ctx, domain, enforce)
	return enforce, nil
}

func (p *GreylistPolicy) storeOptionFlag(ctx context.Context, domain string, enforce bool) {
	flag := 0
	if enforce {
		flag = 1
	}
	if err := p.redis.Set(ctx, p.optionKey(domain), flag, p.cacheTTL()).Err(); err != nil {
		p.logger.Error("caching option flag", "domain", domain, "error", err)
	}
}

// updateClientTally records a successful pass for the client. The tally
// is bounded one above the auto-allow threshold.
func (p *GreylistPolicy) updateClientTally(ctx context.Context, req *Request) {
	if p.cfg.AutoAllowAfter == 0 {
		return
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	clientKey := p.clientKey(req)
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, clientKey, redis.Z{Score: now, Member: req.Instance()})
		pipe.ZRemRangeByRank(ctx, clientKey, 0, int64(-(p.cfg.AutoAllowAfter + 2)))
		pipe.Expire(ctx, clientKey, p.cacheTTL())
		return nil
	})
	if err != nil && err != redis.Nil {
		p.logger.Error("updating client tally", "client_address", req.ClientAddress(), "error", err)
	}
}

func (p *GreylistPolicy) updateTuple(ctx context.Context, req *Request) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	err := p.redis.Set(ctx, p.tupleKey(req),
		strconv.FormatFloat(now, 'f', 6, 64), p.cacheTTL()).Err()
	if err != nil {
		p.logger.Error("updating greylist tuple", "instance", req.Instance(), "error", err)
	}
}
