package guard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gracechurch.org/authz/internal/authz"
)

// Policy binds a path pattern to the permission it requires. A pattern is either an
// exact path or contains '*' wildcards that match any run of characters.
type Policy struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Permission  string `yaml:"permission" json:"permission"`
	DataLevel   bool   `yaml:"data_level" json:"data_level"`
	Conditional bool   `yaml:"conditional" json:"conditional"`
}

func (p Policy) wildcard() bool { return strings.Contains(p.Pattern, "*") }

// specificity counts the literal characters of the pattern.
func (p Policy) specificity() int {
	return len(p.Pattern) - strings.Count(p.Pattern, "*")
}

type compiledPolicy struct {
	Policy
	re *regexp.Regexp
}

// Matcher resolves a path to its policy. Exact patterns win over wildcards; among
// wildcards the one with the most literal characters wins and ties keep table order.
type Matcher struct {
	exact     map[string]Policy
	wildcards []compiledPolicy
}

// NewMatcher validates and compiles a policy table.
func NewMatcher(policies []Policy) (*Matcher, error) {
	m := &Matcher{exact: make(map[string]Policy, len(policies))}
	for i, p := range policies {
		p.Pattern = strings.TrimSpace(p.Pattern)
		p.Permission = strings.TrimSpace(p.Permission)
		if p.Pattern == "" {
			return nil, fmt.Errorf("%w: policy %d: pattern is required", authz.ErrInvalidInput, i)
		}
		if !strings.HasPrefix(p.Pattern, "/") {
			return nil, fmt.Errorf("%w: policy %q: pattern must start with /", authz.ErrInvalidInput, p.Pattern)
		}
		if p.Permission == "" {
			return nil, fmt.Errorf("%w: policy %q: permission is required", authz.ErrInvalidInput, p.Pattern)
		}
		if !p.wildcard() {
			if _, dup := m.exact[p.Pattern]; dup {
				return nil, fmt.Errorf("%w: policy %q declared twice", authz.ErrConflict, p.Pattern)
			}
			m.exact[p.Pattern] = p
			continue
		}
		re, err := compilePattern(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: policy %q: %v", authz.ErrInvalidInput, p.Pattern, err)
		}
		m.wildcards = append(m.wildcards, compiledPolicy{Policy: p, re: re})
	}
	sort.SliceStable(m.wildcards, func(i, j int) bool {
		return m.wildcards[i].specificity() > m.wildcards[j].specificity()
	})
	return m, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Match returns the policy governing path.
func (m *Matcher) Match(path string) (Policy, bool) {
	if m == nil {
		return Policy{}, false
	}
	if p, ok := m.exact[path]; ok {
		return p, true
	}
	for _, c := range m.wildcards {
		if c.re.MatchString(path) {
			return c.Policy, true
		}
	}
	return Policy{}, false
}

// Policies returns the table in resolution order: exact patterns sorted by path,
// then wildcards by descending specificity.
func (m *Matcher) Policies() []Policy {
	out := make([]Policy, 0, len(m.exact)+len(m.wildcards))
	for _, p := range m.exact {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	for _, c := range m.wildcards {
		out = append(out, c.Policy)
	}
	return out
}

// resourceType returns the second path segment: "/admin/members/42" -> "members".
func resourceType(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 {
		return ""
	}
	return segments[1]
}
