package actions

import (
	"fmt"

	"chapps/internal/config"
)

// SPFKind distinguishes the three shapes an SPF result can map onto.
type SPFKind int

const (
	// SPFDirective sends the compiled directive as-is.
	SPFDirective SPFKind = iota
	// SPFPrepend accepts the message and prepends the Received-SPF
	// header supplied by the evaluator.
	SPFPrepend
	// SPFGreylist hands the request to the greylisting engine; its
	// decision becomes the directive.
	SPFGreylist
)

// SPFAction is the configured handling of one SPF result.
type SPFAction struct {
	Kind   SPFKind
	action Action
}

// Directive composes the directive for an SPFDirective action.
func (a SPFAction) Directive(reason string) string {
	return a.action(reason)
}

// SPFTable maps SPF result names onto configured actions. The results
// "none" and "neutral" share one entry, per RFC 7208's advice that they
// must be treated alike.
type SPFTable struct {
	entries map[string]SPFAction
}

// NewSPFTable compiles the configured per-result templates. The special
// template values "prepend" and "greylist" select the non-directive
// kinds; anything else must compile as a directive template.
func NewSPFTable(cfg config.SPFActionsConfig) (*SPFTable, error) {
	t := &SPFTable{entries: make(map[string]SPFAction, 6)}
	for name, template := range map[string]string{
		"passing":      cfg.Passing,
		"fail":         cfg.Fail,
		"softfail":     cfg.SoftFail,
		"temperror":    cfg.TempError,
		"permerror":    cfg.PermError,
		"none_neutral": cfg.NoneNeutral,
	} {
		switch template {
		case "prepend":
			t.entries[name] = SPFAction{Kind: SPFPrepend}
		case "greylist":
			t.entries[name] = SPFAction{Kind: SPFGreylist}
		default:
			action, err := Compile(template)
			if err != nil {
				return nil, fmt.Errorf("spf action %s: %w", name, err)
			}
			t.entries[name] = SPFAction{Kind: SPFDirective, action: action}
		}
	}
	return t, nil
}

// For returns the action for an SPF result name. "pass" maps to the
// "passing" entry and "none"/"neutral" share "none_neutral".
func (t *SPFTable) For(result string) (SPFAction, error) {
	switch result {
	case "pass":
		result = "passing"
	case "none", "neutral":
		result = "none_neutral"
	}
	a, ok := t.entries[result]
	if !ok {
		return SPFAction{}, fmt.Errorf("no action configured for SPF result %q", result)
	}
	return a, nil
}
