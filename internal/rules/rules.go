package rules

import (
	"log"
	"regexp"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/domain"
)

// Verdict is the outcome of evaluating one rule, or of the whole engine.
type Verdict int

const (
	NoMatch Verdict = iota
	Allow
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "no_match"
	}
}

// Engine evaluates the configured rule list in order; the first rule that
// does not return NoMatch decides. The caller applies its own default when
// nothing matches.
type Engine struct {
	Rules  []config.Rule
	Now    func() time.Time
	Logger *log.Logger
}

func New(rules []config.Rule) *Engine {
	return &Engine{Rules: rules, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) Evaluate(in domain.Intent) Verdict {
	for _, rule := range e.Rules {
		if v := e.evaluateRule(rule, in); v != NoMatch {
			return v
		}
	}
	return NoMatch
}

func (e *Engine) evaluateRule(rule config.Rule, in domain.Intent) Verdict {
	switch rule.Type {
	case config.RulePathAutoApprove:
		return pathAutoApprove(rule.Paths, in)
	case config.RuleTimeGate:
		return e.timeGate(rule, in)
	case config.RuleRepoOverride:
		return repoOverride(rule, in)
	default:
		e.logger().Printf("rules: unknown rule type %q, skipping", rule.Type)
		return NoMatch
	}
}

// pathAutoApprove allows an intent whose file-scoped resources all fall in
// the allow-list. An intent touching no files never auto-approves here.
func pathAutoApprove(patterns []string, in domain.Intent) Verdict {
	paths := FilePaths(in.AffectedResources)
	if len(paths) == 0 {
		return NoMatch
	}
	for _, p := range paths {
		if !matchesAny(p, patterns) {
			return NoMatch
		}
	}
	return Allow
}

// timeGate denies controlled/dangerous intents outside the configured hour
// window. The comparison is always on the UTC clock; a configured timezone
// is accepted but not consulted.
func (e *Engine) timeGate(rule config.Rule, in domain.Intent) Verdict {
	if in.Classification != domain.ClassControlled && in.Classification != domain.ClassDangerous {
		return NoMatch
	}
	if rule.DenyOutside == nil {
		return NoMatch
	}
	hour := e.now().UTC().Hour()
	if insideWindow(hour, rule.DenyOutside.StartHour, rule.DenyOutside.EndHour) {
		return NoMatch
	}
	return Deny
}

func insideWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	// Overnight window, e.g. 22-6.
	return hour >= start || hour < end
}

func repoOverride(rule config.Rule, in domain.Intent) Verdict {
	if in.Repo() == "" || in.Repo() != rule.Repo {
		return NoMatch
	}
	switch rule.Verdict {
	case "allow":
		return Allow
	case "deny":
		return Deny
	default:
		return NoMatch
	}
}

// FilePaths extracts the file-scoped resources from an affected_resources
// list, stripping the "file:" prefix.
func FilePaths(resources []string) []string {
	var paths []string
	for _, r := range resources {
		if strings.HasPrefix(r, "file:") {
			paths = append(paths, strings.TrimPrefix(r, "file:"))
		}
	}
	return paths
}

func matchesAny(path string, patterns []string) bool {
	for _, pat := range patterns {
		if PathMatches(path, pat) {
			return true
		}
	}
	return false
}

// PathMatches implements the profile pattern language: a pattern ending in
// "/" is a prefix match, a pattern containing "*" is a wildcard match over
// the whole path, anything else is exact equality.
func PathMatches(path, pattern string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern)
	}
	if strings.Contains(pattern, "*") {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(path)
	}
	return path == pattern
}

// PathAutoApproved reports whether the path is on the profile's
// auto-approve list. A missing profile has empty lists and never matches.
func PathAutoApproved(p domain.RepoProfile, path string) bool {
	return matchesAny(path, p.AutoApprovePaths)
}

// PathInRiskZone reports whether the path falls in one of the profile's
// risk zones.
func PathInRiskZone(p domain.RepoProfile, path string) bool {
	return matchesAny(path, p.RiskZones)
}
