// Package policy implements the policy request record and the decision
// engines that evaluate it: outbound quota, greylisting, and
// sender-domain authorization. The SPF engine lives in the spf
// subpackage to keep its DNS dependency isolated.
package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is the parsed record of one policy request frame. Lookup is
// lazy: the first access of a key scans the payload once and memoizes
// the binding. A Request belongs to a single connection goroutine and
// is not safe for concurrent use.
type Request struct {
	payload []string
	cache   map[string]string
	mapped  bool

	recipients    []string
	haveRecipient bool
}

// ParseRequest decodes a frame into a Request. The frame is the raw
// bytes up to and including the terminating blank line; the last two
// bytes are discarded before parsing. A non-empty line without a
// key=value separator makes the whole frame malformed.
func ParseRequest(frame []byte) (*Request, error) {
	if len(frame) >= 2 {
		frame = frame[:len(frame)-2]
	}
	var lines []string
	for _, line := range strings.Split(string(frame), "\n") {
		if line == "" {
			continue
		}
		if !strings.Contains(line, "=") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
		}
		lines = append(lines, line)
	}
	return &Request{
		payload: lines,
		cache:   make(map[string]string, 4),
	}, nil
}

// Get returns the value bound to key, or the empty string when the key
// is absent. Absence is never an error; the engines decide whether a
// missing attribute is fatal.
func (r *Request) Get(key string) string {
	if v, ok := r.cache[key]; ok {
		return v
	}
	if r.mapped {
		return ""
	}
	for _, line := range r.payload {
		k, v, _ := strings.Cut(line, "=")
		if k == key {
			r.cache[k] = v
			return v
		}
	}
	r.cache[key] = ""
	return ""
}

// Len returns the number of key=value lines in the frame.
func (r *Request) Len() int {
	return len(r.payload)
}

// Pairs materializes the full mapping and returns it. The returned map
// is shared with the Request's memo cache and must not be mutated.
func (r *Request) Pairs() map[string]string {
	if !r.mapped {
		for _, line := range r.payload {
			k, v, _ := strings.Cut(line, "=")
			r.cache[k] = v
		}
		r.mapped = true
	}
	return r.cache
}

// CacheKey identifies the request for decision memoization. Two
// requests are the same decision iff (instance, queue_id) match.
func (r *Request) CacheKey() string {
	return r.Instance() + ":" + r.QueueID()
}

func (r *Request) Instance() string      { return r.Get("instance") }
func (r *Request) QueueID() string       { return r.Get("queue_id") }
func (r *Request) ProtocolState() string { return r.Get("protocol_state") }
func (r *Request) ProtocolName() string  { return r.Get("protocol_name") }
func (r *Request) HELOName() string      { return r.Get("helo_name") }
func (r *Request) ClientAddress() string { return r.Get("client_address") }
func (r *Request) ClientName() string    { return r.Get("client_name") }
func (r *Request) Sender() string        { return r.Get("sender") }
func (r *Request) Recipient() string     { return r.Get("recipient") }
func (r *Request) SASLUsername() string  { return r.Get("sasl_username") }
func (r *Request) CcertSubject() string  { return r.Get("ccert_subject") }

// Size returns the message size, or 0 when absent or unparsable.
func (r *Request) Size() int64 {
	n, _ := strconv.ParseInt(r.Get("size"), 10, 64)
	return n
}

// Recipients splits the recipient field on commas and memoizes the
// list. Postfix reports recipient_count=0 before DATA, so the list is
// counted directly rather than trusting that field.
func (r *Request) Recipients() []string {
	if !r.haveRecipient {
		if v := r.Recipient(); v != "" {
			r.recipients = strings.Split(v, ",")
		}
		r.haveRecipient = true
	}
	return r.recipients
}

// RecipientDomain returns the domain of the first recipient. When
// recipients span several domains the first one is authoritative; the
// caller logs the divergence.
func (r *Request) RecipientDomain() (string, error) {
	recips := r.Recipients()
	if len(recips) == 0 {
		return "", fmt.Errorf("%w: instance %s", ErrNoRecipients, r.Instance())
	}
	return domainOf(recips[0])
}

// RecipientDomainsDiverge reports whether the recipients belong to more
// than one domain.
func (r *Request) RecipientDomainsDiverge() bool {
	recips := r.Recipients()
	if len(recips) < 2 {
		return false
	}
	first, err := domainOf(recips[0])
	if err != nil {
		return false
	}
	for _, rcpt := range recips[1:] {
		d, err := domainOf(rcpt)
		if err != nil || d != first {
			return true
		}
	}
	return false
}

// SenderDomain returns the domain of the MAIL FROM address, or
// ErrNullSender / ErrTooManyAts / ErrNotAnEmailAddress when the sender
// is empty or malformed.
func (r *Request) SenderDomain() (string, error) {
	sender := r.Sender()
	if sender == "" {
		return "", ErrNullSender
	}
	return domainOf(sender)
}

// HELOMatch reports whether the request comes from a whitelisted
// server: its helo_name is listed and the connection originates from
// the address registered for that name.
func (r *Request) HELOMatch(whitelist map[string]string) bool {
	addr, ok := whitelist[r.HELOName()]
	return ok && addr == r.ClientAddress()
}

// String is used for log lines; it avoids dumping the whole payload.
func (r *Request) String() string {
	return fmt.Sprintf("i=%s sender=%s client_address=%s recipient=%s",
		r.Instance(), orNone(r.Sender()), r.ClientAddress(), r.Recipient())
}

func domainOf(addr string) (string, error) {
	parts := strings.Split(addr, "@")
	switch len(parts) {
	case 2:
		return parts[1], nil
	case 1:
		return "", fmt.Errorf("%w: %q", ErrNotAnEmailAddress, addr)
	default:
		return "", fmt.Errorf("%w: %q", ErrTooManyAts, addr)
	}
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
