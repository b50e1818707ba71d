// Package detect classifies user-agent strings into AI crawler families.
package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scopeai/aidetector/pkg/types"
)

// Rule maps a set of user-agent patterns to a family and bot type.
// Patterns are regular expressions matched case-insensitively anywhere in the
// user agent. An empty Confidence means medium.
type Rule struct {
	Family     types.Family     `json:"family" yaml:"family"`
	Type       types.BotType    `json:"type" yaml:"type"`
	Patterns   []string         `json:"patterns" yaml:"patterns"`
	Confidence types.Confidence `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// DefaultRules is the built-in rule table. Rows are evaluated in order and the
// first match wins, so a token that contains another must come first.
var DefaultRules = []Rule{
	// OpenAI
	{Family: types.FamilyOpenAI, Type: types.TypeTraining, Patterns: []string{`gptbot`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyOpenAI, Type: types.TypeSearch, Patterns: []string{`oai-searchbot`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyOpenAI, Type: types.TypeUser, Patterns: []string{`chatgpt-user`}, Confidence: types.ConfidenceHigh},

	// Perplexity
	{Family: types.FamilyPerplexity, Type: types.TypeSearch, Patterns: []string{`perplexitybot`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyPerplexity, Type: types.TypeUser, Patterns: []string{`perplexity-user`}, Confidence: types.ConfidenceHigh},

	// Anthropic
	{Family: types.FamilyAnthropic, Type: types.TypeSearch, Patterns: []string{`claude-searchbot`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyAnthropic, Type: types.TypeUser, Patterns: []string{`claude-user`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyAnthropic, Type: types.TypeTraining, Patterns: []string{`claudebot`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyAnthropic, Type: types.TypeTraining, Patterns: []string{`anthropic-ai`}},
	{Family: types.FamilyAnthropic, Type: types.TypeUser, Patterns: []string{`claude-web`}},

	// Google
	{Family: types.FamilyGoogle, Type: types.TypeTraining, Patterns: []string{`google-extended`}, Confidence: types.ConfidenceHigh},
	{Family: types.FamilyGoogle, Type: types.TypeUser, Patterns: []string{`google-cloudvertexbot`}},
}

type compiledRule struct {
	detection types.Detection
	patterns  []*regexp.Regexp
}

// Classifier holds a compiled, immutable rule table. It is safe for
// concurrent use.
type Classifier struct {
	rules    []compiledRule
	families []types.Family
}

// New compiles the given rules into a Classifier.
func New(rules []Rule) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[types.Family]struct{})

	for i, r := range rules {
		if r.Family == "" {
			return nil, fmt.Errorf("rule %d: family is required", i)
		}
		if !r.Type.Valid() {
			return nil, fmt.Errorf("rule %d (%s): unknown bot type %q", i, r.Family, r.Type)
		}
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("rule %d (%s): at least one pattern is required", i, r.Family)
		}

		confidence := r.Confidence
		switch confidence {
		case "":
			confidence = types.ConfidenceMedium
		case types.ConfidenceHigh, types.ConfidenceMedium, types.ConfidenceLow:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown confidence %q", i, r.Family, r.Confidence)
		}

		cr := compiledRule{
			detection: types.Detection{
				Family:     types.Family(strings.ToLower(string(r.Family))),
				Type:       r.Type,
				Confidence: confidence,
				Reason:     types.ReasonUAMatch,
			},
			patterns: make([]*regexp.Regexp, 0, len(r.Patterns)),
		}
		for _, p := range r.Patterns {
			if !strings.HasPrefix(p, "(?i)") {
				p = "(?i)" + p
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): compile %q: %w", i, r.Family, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		c.rules = append(c.rules, cr)

		if _, ok := seen[cr.detection.Family]; !ok {
			seen[cr.detection.Family] = struct{}{}
			c.families = append(c.families, cr.detection.Family)
		}
	}

	return c, nil
}

// Default returns a Classifier over DefaultRules.
func Default() *Classifier {
	c, err := New(DefaultRules)
	if err != nil {
		panic(fmt.Sprintf("detect: built-in rules: %v", err))
	}
	return c
}

// Classify returns the detection for the first rule matching ua.
// The second result is false when no rule matches, including for an empty ua.
func (c *Classifier) Classify(ua string) (types.Detection, bool) {
	if ua == "" {
		return types.Detection{}, false
	}
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(ua) {
				return r.detection, true
			}
		}
	}
	return types.Detection{}, false
}

// Families returns the distinct families in rule order.
func (c *Classifier) Families() []types.Family {
	out := make([]types.Family, len(c.families))
	copy(out, c.families)
	return out
}

// KnownFamily reports whether any rule produces family f.
func (c *Classifier) KnownFamily(f types.Family) bool {
	for _, known := range c.families {
		if known == f {
			return true
		}
	}
	return false
}
