package policy

import "errors"

// Errors surfaced by request parsing, identity resolution, and the
// policy engines. Engine callers distinguish them with errors.Is.
var (
	// ErrMalformedFrame indicates a frame containing a non-empty line
	// without a key=value separator. The connection is terminated.
	ErrMalformedFrame = errors.New("malformed policy request frame")

	// ErrNullSender indicates an empty MAIL FROM address where one was
	// required. The dispatcher honours the engine's null_sender_ok flag.
	ErrNullSender = errors.New("null sender")

	// ErrTooManyAts indicates a sender address with more than one @.
	ErrTooManyAts = errors.New("sender address contains more than one @")

	// ErrNotAnEmailAddress indicates a sender address with no @.
	ErrNotAnEmailAddress = errors.New("sender address contains no @")

	// ErrNoRecipients indicates an inbound request without recipients.
	ErrNoRecipients = errors.New("request contains no recipients")

	// ErrAuthenticationFailure indicates that no user identity could be
	// resolved and the configuration requires one.
	ErrAuthenticationFailure = errors.New("no user identity in request")
)
