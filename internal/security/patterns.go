package security

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule fields a pattern can match against.
const (
	FieldCommand  = "command"
	FieldPath     = "path"
	FieldToolName = "tool_name"
	FieldContent  = "content"
)

// Rule is one detection rule. Pattern is a Go regular expression evaluated
// against the named event field.
type Rule struct {
	Name        string   `yaml:"name"`
	Field       string   `yaml:"field"`
	Pattern     string   `yaml:"pattern"`
	Severity    Severity `yaml:"severity"`
	Description string   `yaml:"description,omitempty"`
}

// compiledRule pairs a rule with its compiled regex.
type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Matcher evaluates one event against all rules in a single pass, O(rules),
// deterministic, no I/O.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher compiles the given rules. A rule that fails to compile is an
// error; detection rules are configuration, not input.
func NewMatcher(rules []Rule) (*Matcher, error) {
	m := &Matcher{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("security: rule %q: %w", r.Name, err)
		}
		m.rules = append(m.rules, compiledRule{rule: r, re: re})
	}
	return m, nil
}

// DefaultMatcher compiles the built-in rule set. Panics only if the built-in
// rules are themselves broken, which is a programming error.
func DefaultMatcher() *Matcher {
	m, err := NewMatcher(DefaultRules())
	if err != nil {
		panic(err)
	}
	return m
}

// Match evaluates one event and returns every rule hit.
func (m *Matcher) Match(ev Event) []PatternMatch {
	var out []PatternMatch
	for _, cr := range m.rules {
		field := eventField(ev, cr.rule.Field)
		if field == "" {
			continue
		}
		if loc := cr.re.FindString(field); loc != "" {
			out = append(out, PatternMatch{
				Rule:        cr.rule.Name,
				Severity:    cr.rule.Severity,
				Field:       cr.rule.Field,
				Matched:     loc,
				Description: cr.rule.Description,
			})
		}
	}
	return out
}

// RuleCount reports how many rules are loaded.
func (m *Matcher) RuleCount() int { return len(m.rules) }

func eventField(ev Event, field string) string {
	switch field {
	case FieldCommand:
		return ev.Command
	case FieldPath:
		return ev.Path
	case FieldToolName:
		return ev.ToolName
	case FieldContent:
		return ev.Content
	default:
		return ""
	}
}

// DefaultRules returns the built-in detection rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "curl-pipe-shell",
			Field:       FieldCommand,
			Pattern:     `(curl|wget)[^|;&]*\|\s*(ba|z|da)?sh`,
			Severity:    SeverityCritical,
			Description: "remote script piped directly into a shell",
		},
		{
			Name:        "recursive-force-remove-root",
			Field:       FieldCommand,
			Pattern:     `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+(/|~)(\s|$|/\*)`,
			Severity:    SeverityCritical,
			Description: "recursive force removal at filesystem or home root",
		},
		{
			Name:        "shadow-file-access",
			Field:       FieldCommand,
			Pattern:     `/etc/shadow`,
			Severity:    SeverityCritical,
			Description: "access to the system password hash file",
		},
		{
			Name:        "ssh-key-read",
			Field:       FieldCommand,
			Pattern:     `\.ssh/id_(rsa|ed25519|ecdsa)`,
			Severity:    SeverityHigh,
			Description: "private SSH key access",
		},
		{
			Name:        "cloud-credentials-read",
			Field:       FieldCommand,
			Pattern:     `\.(aws|gcloud|azure)/credentials`,
			Severity:    SeverityHigh,
			Description: "cloud provider credential file access",
		},
		{
			Name:        "credentials-path",
			Field:       FieldPath,
			Pattern:     `(\.ssh/|\.aws/credentials|\.claude/\.credentials|/etc/shadow|/etc/sudoers)`,
			Severity:    SeverityHigh,
			Description: "credential or privileged file path",
		},
		{
			Name:        "reverse-shell",
			Field:       FieldCommand,
			Pattern:     `(nc|ncat|netcat)\s+(-[a-zA-Z]*e[a-zA-Z]*\s|.*\s-e\s)`,
			Severity:    SeverityCritical,
			Description: "netcat with command execution",
		},
		{
			Name:        "base64-decode-exec",
			Field:       FieldCommand,
			Pattern:     `base64\s+(-d|--decode)[^|;&]*\|\s*(ba|z)?sh`,
			Severity:    SeverityHigh,
			Description: "obfuscated payload decoded into a shell",
		},
		{
			Name:        "world-writable-chmod",
			Field:       FieldCommand,
			Pattern:     `chmod\s+(-[a-zA-Z]+\s+)*(0?777|a\+rwx)`,
			Severity:    SeverityMedium,
			Description: "world-writable permission change",
		},
		{
			Name:        "history-tampering",
			Field:       FieldCommand,
			Pattern:     `(history\s+-c|>\s*~/\.(bash|zsh)_history)`,
			Severity:    SeverityMedium,
			Description: "shell history clearing",
		},
		{
			Name:        "env-exfiltration",
			Field:       FieldCommand,
			Pattern:     `(printenv|env)\s*\|\s*(curl|wget|nc)`,
			Severity:    SeverityHigh,
			Description: "environment variables piped to a network tool",
		},
	}
}

// ruleFile is the YAML schema for external rule files.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads extra detection rules from a YAML file and appends them to
// the defaults.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: read rules %s: %w", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("security: parse rules %s: %w", path, err)
	}
	return append(DefaultRules(), f.Rules...), nil
}
