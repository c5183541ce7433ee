package cdn

import (
	"fmt"
	"net/url"

	"blive-proxy/work/config"
	"blive-proxy/work/logger"

	"github.com/grafana/regexp"
)

// Action classifies what the prober does with a candidate whose host matched
// a rule.
type Action int

const (
	// ActionNone means no rule matched; probe the candidate directly.
	ActionNone Action = iota
	// ActionMirror means the node misroutes some clients: probe the same
	// path on the mirror host and adopt the node the mirror points at.
	ActionMirror
	// ActionRewrite means the node is unreachable as named: substitute the
	// replacement host before probing.
	ActionRewrite
	// ActionLastResort means the node throttles but always answers: never
	// probe it, keep it as the final fallback.
	ActionLastResort
)

func (a Action) String() string {
	switch a {
	case ActionMirror:
		return "mirror"
	case ActionRewrite:
		return "rewrite"
	case ActionLastResort:
		return "lastresort"
	default:
		return "none"
	}
}

// Rule is one compiled entry of the host rule table.
type Rule struct {
	Match  *regexp.Regexp
	Action Action
	Host   string
}

// Table holds the compiled rule set, matched in declaration order.
type Table struct {
	rules []Rule
}

// NewTable compiles the configured rule table. Entries with invalid patterns
// or unknown actions are logged and skipped rather than failing startup.
func NewTable(cfg *config.Config) *Table {
	t := &Table{}
	for _, rc := range cfg.CDNRules {
		re, err := regexp.Compile(rc.Match)
		if err != nil {
			logger.Warn("{cdn - NewTable} skipping rule %q: %v", rc.Match, err)
			continue
		}
		action, ok := parseAction(rc.Action)
		if !ok {
			logger.Warn("{cdn - NewTable} skipping rule %q: unknown action %q", rc.Match, rc.Action)
			continue
		}
		t.rules = append(t.rules, Rule{Match: re, Action: action, Host: rc.Host})
	}
	return t
}

func parseAction(s string) (Action, bool) {
	switch s {
	case "mirror":
		return ActionMirror, true
	case "rewrite":
		return ActionRewrite, true
	case "lastresort":
		return ActionLastResort, true
	}
	return ActionNone, false
}

// Classify returns the first rule whose pattern matches the candidate's
// host, or ActionNone when the candidate should be probed as-is.
func (t *Table) Classify(candidateURL string) (Rule, Action) {
	u, err := url.Parse(candidateURL)
	if err != nil {
		return Rule{}, ActionNone
	}
	host := u.Host
	for _, r := range t.rules {
		if r.Match.MatchString(host) {
			return r, r.Action
		}
	}
	return Rule{}, ActionNone
}

// RewriteHost returns candidateURL with its host replaced, keeping scheme,
// path and query intact.
func RewriteHost(candidateURL, newHost string) (string, error) {
	u, err := url.Parse(candidateURL)
	if err != nil {
		return "", fmt.Errorf("rewrite host: %w", err)
	}
	u.Host = newHost
	return u.String(), nil
}
