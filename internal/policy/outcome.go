package policy

// Verdict is the cascade-gating result of one engine's evaluation.
type Verdict int

const (
	// Deny stops the cascade; the outcome's directive is the response.
	Deny Verdict = iota
	// Accept continues the cascade; the last accepting engine's
	// directive is the response when every engine accepts.
	Accept
	// PassThrough continues the cascade without claiming the response
	// (a DUNNO from an engine that is not enforcing).
	PassThrough
)

func (v Verdict) String() string {
	switch v {
	case Deny:
		return "deny"
	case Accept:
		return "accept"
	case PassThrough:
		return "pass-through"
	}
	return "unknown"
}

// Outcome is the first-class result of an engine decision. The
// dispatcher cascades on Verdict but sends Directive verbatim, which
// lets engines with more than two results (SPF) participate in a
// cascade.
type Outcome struct {
	Verdict   Verdict
	Directive string
	Source    string
}

// Approved reports whether the outcome lets the message continue.
func (o Outcome) Approved() bool {
	return o.Verdict != Deny
}

func accepted(source, directive string) Outcome {
	return Outcome{Verdict: Accept, Directive: directive, Source: source}
}

func denied(source, directive string) Outcome {
	return Outcome{Verdict: Deny, Directive: directive, Source: source}
}

func passedThrough(source, directive string) Outcome {
	return Outcome{Verdict: PassThrough, Directive: directive, Source: source}
}
