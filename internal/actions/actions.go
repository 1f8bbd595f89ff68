// Package actions translates policy outcomes into MTA directive
// strings. Directives are configured as short templates whose first
// token names the directive head; the package compiles each template
// once into a closure that composes the final directive with a reason.
package actions

import (
	"fmt"
	"strconv"
	"strings"
)

// reasonToken marks where the textual reason is substituted in a
// configured directive template.
const reasonToken = "{reason}"

// Dunno is the pass-through directive: defer to later filters.
func Dunno() string { return "DUNNO" }

// OK accepts the message unconditionally.
func OK() string { return "OK" }

// DeferIfPermit defers the message when subsequent filters would permit it.
func DeferIfPermit(reason string) string {
	return "DEFER_IF_PERMIT " + reason
}

// Reject rejects the message permanently.
func Reject(reason string) string {
	return "REJECT " + reason
}

// Prepend accepts the message and adds one header line. The header must
// be at least 5 characters.
func Prepend(header string) (string, error) {
	if len(header) < 5 {
		return "", fmt.Errorf("prepended header %q shorter than 5 characters", header)
	}
	return "PREPEND " + header, nil
}

// An Action composes a final directive from a reason string.
type Action func(reason string) string

// Compile turns a configured directive template into an Action. The
// template's first token must be one of the recognized heads: DUNNO,
// OK, PREPEND, DEFER_IF_PERMIT, REJECT, or a numeric SMTP code in the
// 4xx/5xx range. A "{reason}" token in the template is substituted;
// otherwise a non-empty reason is appended.
func Compile(template string) (Action, error) {
	tokens := strings.Fields(template)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty directive template")
	}
	head := tokens[0]
	switch head {
	case "DUNNO", "OK":
		return func(string) string { return head }, nil
	case "PREPEND":
		header := strings.Join(tokens[1:], " ")
		if _, err := Prepend(header); err != nil {
			return nil, err
		}
	case "DEFER_IF_PERMIT", "REJECT":
	default:
		code, err := strconv.Atoi(head)
		if err != nil || code < 400 || code >= 600 {
			return nil, fmt.Errorf("unrecognized directive head %q", head)
		}
	}
	return func(reason string) string {
		out := template
		if strings.Contains(out, reasonToken) {
			return strings.ReplaceAll(out, reasonToken, reason)
		}
		if reason != "" {
			out += " " + reason
		}
		return out
	}, nil
}

// PassFail holds the compiled accept and reject directives of a
// pass/fail policy, taken verbatim from its acceptance_message and
// rejection_message configuration.
type PassFail struct {
	accept Action
	reject Action
}

// NewPassFail compiles the two configured messages.
func NewPassFail(acceptance, rejection string) (*PassFail, error) {
	accept, err := Compile(acceptance)
	if err != nil {
		return nil, fmt.Errorf("acceptance_message: %w", err)
	}
	reject, err := Compile(rejection)
	if err != nil {
		return nil, fmt.Errorf("rejection_message: %w", err)
	}
	return &PassFail{accept: accept, reject: reject}, nil
}

// Accept returns the acceptance directive, optionally extended with a
// reason.
func (p *PassFail) Accept(reason string) string { return p.accept(reason) }

// Reject returns the rejection directive, optionally extended with a
// reason.
func (p *PassFail) Reject(reason string) string { return p.reject(reason) }
