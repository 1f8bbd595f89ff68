// Package spf implements the SPF enforcement engine. It is isolated
// here to keep the DNS-querying dependency out of the core policy
// package.
package spf

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/redis/go-redis/v9"

	"chapps/internal/actions"
	"chapps/internal/config"
	"chapps/internal/metrics"
	"chapps/internal/policy"
	"chapps/internal/redisstore"
)

const spfPrefix = "spf"

// deferralReason is appended to a greylisting deferral issued on behalf
// of SPF enforcement.
const deferralReason = "due to SPF enforcement policy"

// Greylister is the slice of the greylisting engine the SPF engine
// needs: results configured as "greylist" fall through into it,
// bypassing the recipient domain's greylist option flag.
type Greylister interface {
	ApproveForced(ctx context.Context, req *policy.Request) (policy.Outcome, error)
}

// Engine checks the HELO identity and then the MAIL FROM identity
// against the sender domain's published SPF policy, and maps the result
// onto a configured MTA directive. Enforcement is gated per recipient
// domain by its check_spf flag.
type Engine struct {
	cfg       config.SPFConfig
	whitelist map[string]string
	table     *actions.SPFTable
	greylist  Greylister
	store     policy.ConfigStore
	redis     *redisstore.Store
	resolver  spf.DNSResolver
	collector metrics.Collector
	logger    *slog.Logger
}

// NewEngine builds the SPF enforcement engine. The resolver may be nil,
// selecting the system resolver; the collector may be nil.
func NewEngine(cfg config.Config, rs *redisstore.Store, cs policy.ConfigStore, grl Greylister, resolver spf.DNSResolver, collector metrics.Collector, logger *slog.Logger) (*Engine, error) {
	table, err := actions.NewSPFTable(cfg.SPFActions)
	if err != nil {
		return nil, fmt.Errorf("spf: %w", err)
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Engine{
		cfg:       cfg.SPF,
		whitelist: cfg.Chapps.HELOWhitelist,
		table:     table,
		greylist:  grl,
		store:     cs,
		redis:     rs,
		resolver:  resolver,
		collector: collector,
		logger:    logger.With(slog.String("policy", "spf_enforcement")),
	}, nil
}

func (e *Engine) Name() string { return "spf_enforcement" }

func (e *Engine) NullSenderOK() bool { return e.cfg.NullSenderOK }

// Accept returns the configured acceptance directive, defaulting to
// DUNNO; SPF normally answers through its action table instead.
func (e *Engine) Accept() string {
	if e.cfg.AcceptanceMessage != "" {
		return e.cfg.AcceptanceMessage
	}
	return actions.Dunno()
}

// Reject returns the configured rejection directive.
func (e *Engine) Reject() string {
	if e.cfg.RejectionMessage != "" {
		return e.cfg.RejectionMessage
	}
	return actions.Reject("Rejected")
}

// Approve runs the SPF check for one request. The HELO identity is
// checked first, as postmaster@<helo>; results listed in helo_enforce
// are taken as final, anything else proceeds to the MAIL FROM check.
func (e *Engine) Approve(ctx context.Context, req *policy.Request) (policy.Outcome, error) {
	if req.HELOMatch(e.whitelist) {
		e.logger.Info("whitelisting traffic", "helo_name", req.HELOName())
		return policy.Outcome{Verdict: policy.PassThrough, Directive: actions.Dunno(), Source: e.Name()}, nil
	}

	enforce, err := e.enforcing(ctx, req)
	if err != nil {
		e.logger.Error("spf option flag", "instance", req.Instance(), "error", err)
		enforce = e.cfg.EnforceUnknownDomain
	}
	if !enforce {
		return policy.Outcome{Verdict: policy.PassThrough, Directive: actions.Dunno(), Source: e.Name()}, nil
	}

	result, reason := e.check(ctx, req)
	e.logger.Debug("spf result", "instance", req.Instance(), "result", result, "reason", reason)
	if domain, err := req.SenderDomain(); err == nil {
		e.collector.SPFCheckCompleted(domain, string(result))
	}
	return e.outcome(ctx, req, result, reason)
}

// enforcing reports whether the recipient domain has SPF checking
// turned on, caching the flag in Redis beside the other engines' state.
func (e *Engine) enforcing(ctx context.Context, req *policy.Request) (bool, error) {
	domain, err := req.RecipientDomain()
	if err != nil {
		return e.cfg.EnforceUnknownDomain, nil
	}
	key := redisstore.Key(spfPrefix, domain)
	if v, err := e.redis.Get(ctx, key).Result(); err == nil && v != "" {
		n, _ := strconv.Atoi(v)
		return n != 0, nil
	} else if err != nil && err != redis.Nil {
		e.logger.Error("reading spf option flag", "domain", domain, "error", err)
	}

	flags, err := e.store.DomainFlags(ctx, domain)
	if err != nil {
		return false, err
	}
	enforce := flags.CheckSPF
	if !flags.Exists {
		enforce = e.cfg.EnforceUnknownDomain
	}
	flag := 0
	if enforce {
		flag = 1
	}
	if err := e.redis.Set(ctx, key, flag, config.SecondsPerDay*time.Second).Err(); err != nil {
		e.logger.Error("caching spf option flag", "domain", domain, "error", err)
	}
	return enforce, nil
}

// check runs the HELO query and, unless its result is configured as
// final, the MAIL FROM query. The returned reason is the library's
// explanation of the result.
func (e *Engine) check(ctx context.Context, req *policy.Request) (spf.Result, string) {
	ip := net.ParseIP(req.ClientAddress())
	if ip == nil {
		return spf.PermError, fmt.Sprintf("unparsable client address %q", req.ClientAddress())
	}
	helo := req.HELOName()

	result, err := e.query(ctx, ip, helo, "postmaster@"+helo)
	if !e.heloFinal(result) {
		result, err = e.query(ctx, ip, helo, req.Sender())
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return result, reason
}

func (e *Engine) query(ctx context.Context, ip net.IP, helo, sender string) (spf.Result, error) {
	opts := []spf.Option{spf.WithContext(ctx)}
	if e.resolver != nil {
		opts = append(opts, spf.WithResolver(e.resolver))
	}
	return spf.CheckHostWithSender(ip, helo, sender, opts...)
}

func (e *Engine) heloFinal(result spf.Result) bool {
	for _, r := range e.cfg.HELOEnforce {
		if string(result) == r {
			return true
		}
	}
	return false
}

// outcome maps an SPF result onto a directive via the configured action
// table.
func (e *Engine) outcome(ctx context.Context, req *policy.Request, result spf.Result, reason string) (policy.Outcome, error) {
	action, err := e.table.For(string(result))
	if err != nil {
		e.logger.Error("unmapped spf result", "instance", req.Instance(),
			"result", result, "error", err)
		action, err = e.table.For("temperror")
		if err != nil {
			return policy.Outcome{}, err
		}
	}

	switch action.Kind {
	case actions.SPFPrepend:
		return e.prepend(req, result, reason)
	case actions.SPFGreylist:
		return e.greylisted(ctx, req, result, reason)
	default:
		directive := action.Directive(reason)
		verdict := policy.Deny
		if head, _, _ := strings.Cut(directive, " "); head == "DUNNO" || head == "OK" || head == "PREPEND" {
			verdict = policy.Accept
		}
		return policy.Outcome{Verdict: verdict, Directive: directive, Source: e.Name()}, nil
	}
}

// prepend accepts the message and attaches a Received-SPF header
// recording the verdict.
func (e *Engine) prepend(req *policy.Request, result spf.Result, reason string) (policy.Outcome, error) {
	directive, err := actions.Prepend(e.receivedSPF(req, result, reason))
	if err != nil {
		return policy.Outcome{}, err
	}
	return policy.Outcome{Verdict: policy.Accept, Directive: directive, Source: e.Name()}, nil
}

// greylisted hands the request to the greylisting engine. A pass there
// counts as an SPF pass, header included; a deferral carries the SPF
// explanation.
func (e *Engine) greylisted(ctx context.Context, req *policy.Request, result spf.Result, reason string) (policy.Outcome, error) {
	out, err := e.greylist.ApproveForced(ctx, req)
	if err != nil {
		return policy.Outcome{}, err
	}
	if out.Approved() {
		return e.prepend(req, result, reason)
	}
	if reason == "" {
		reason = deferralReason
	}
	return policy.Outcome{
		Verdict:   policy.Deny,
		Directive: out.Directive + " " + reason,
		Source:    e.Name(),
	}, nil
}

// receivedSPF composes a Received-SPF header value in the RFC 7208
// section 9.1 layout.
func (e *Engine) receivedSPF(req *policy.Request, result spf.Result, reason string) string {
	if reason == "" {
		reason = "sender SPF " + string(result)
	}
	return fmt.Sprintf("Received-SPF: %s (%s) client-ip=%s; helo=%s; envelope-from=%s;",
		result, reason, req.ClientAddress(), req.HELOName(), req.Sender())
}
