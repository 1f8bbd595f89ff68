package policy

import "context"

// DomainFlags carries a domain's inbound enforcement flags. Exists is
// false when the domain has no configuration record at all; the engines
// fall back to their configured default in that case.
type DomainFlags struct {
	Greylist bool
	CheckSPF bool
	Exists   bool
}

// ConfigStore is the read-only projection of the relational policy
// configuration that the engines consult on cache misses.
type ConfigStore interface {
	// QuotaForUser returns the user's configured transmission limit.
	// The second return is false when the user has no quota profile.
	QuotaForUser(ctx context.Context, user string) (int, bool, error)

	// CheckDomainForUser reports whether the user is associated with
	// the domain.
	CheckDomainForUser(ctx context.Context, user, domain string) (bool, error)

	// CheckEmailForUser reports whether the user is associated with the
	// full email address.
	CheckEmailForUser(ctx context.Context, user, email string) (bool, error)

	// DomainFlags returns the inbound enforcement flags for a domain.
	DomainFlags(ctx context.Context, domain string) (DomainFlags, error)
}
