package policy

import "chapps/internal/config"

// defaultUserKeys is the identity search path used when the deployment
// does not require a specific user key.
var defaultUserKeys = []string{"sasl_username", "ccert_subject", "sender", "client_address"}

// UserResolver computes the user identity of an outbound request from a
// configured priority list of payload attributes.
type UserResolver struct {
	keys []string
}

// NewUserResolver builds a resolver from the daemon configuration.
// When require_user_key is set, only the configured user_key is
// consulted; otherwise the configured key is searched first, followed
// by the default priority list.
func NewUserResolver(cfg config.CoreConfig) *UserResolver {
	if cfg.RequireUserKey {
		return &UserResolver{keys: []string{cfg.UserKey}}
	}
	keys := defaultUserKeys
	if cfg.UserKey != "" && cfg.UserKey != keys[0] {
		keys = append([]string{cfg.UserKey}, keys...)
	}
	return &UserResolver{keys: keys}
}

// User returns the first non-empty, non-literal-"None" value along the
// search path, or ErrAuthenticationFailure when none is found.
func (ur *UserResolver) User(r *Request) (string, error) {
	for _, k := range ur.keys {
		if v := r.Get(k); v != "" && v != "None" {
			return v, nil
		}
	}
	return "", ErrAuthenticationFailure
}
