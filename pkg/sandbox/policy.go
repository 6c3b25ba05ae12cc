// Package sandbox runs shell commands under an ordered allow/deny policy.
// Commands are matched against wildcard rules, first match wins, and
// anything unmatched falls through to the policy's default action.
package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Action decides what a matching rule does with a command.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule matches commands against a wildcard pattern. '*' matches any run
// of characters (including spaces and slashes), '?' matches one.
type Rule struct {
	Pattern     string `json:"pattern" mapstructure:"pattern"`
	Action      Action `json:"action" mapstructure:"action"`
	Description string `json:"description,omitempty" mapstructure:"description"`

	re *regexp.Regexp
}

// NewRule compiles a rule.
func NewRule(pattern string, action Action, description string) (Rule, error) {
	switch action {
	case ActionAllow, ActionDeny:
	default:
		return Rule{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Pattern: pattern, Action: action, Description: description, re: re}, nil
}

// Allow builds an allow rule, panicking on a bad pattern. Intended for
// the static rule tables below.
func Allow(pattern string) Rule {
	r, err := NewRule(pattern, ActionAllow, "")
	if err != nil {
		panic(err)
	}
	return r
}

// Deny builds a deny rule, panicking on a bad pattern.
func Deny(pattern string) Rule {
	r, err := NewRule(pattern, ActionDeny, "")
	if err != nil {
		panic(err)
	}
	return r
}

// Matches reports whether the command matches this rule's pattern.
func (r Rule) Matches(command string) bool {
	if r.re == nil {
		return false
	}
	return r.re.MatchString(command)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// Policy is an ordered rule list plus working-directory constraints.
type Policy struct {
	rules              []Rule
	defaultAction      Action
	allowedWorkingDirs []string
	denySensitiveDirs  bool
}

// sensitiveDirs are never valid working directories regardless of the
// allowed list.
var sensitiveDirs = []string{
	"/etc", "/boot", "/sys", "/proc", "/dev", "/root", "/var/run", "/var/log",
}

// NewPolicy builds a policy over the given rules. The default action for
// unmatched commands is deny.
func NewPolicy(rules []Rule) *Policy {
	return &Policy{
		rules:             rules,
		defaultAction:     ActionDeny,
		denySensitiveDirs: true,
	}
}

// WithDefaultAction overrides the action for commands no rule matches.
func (p *Policy) WithDefaultAction(action Action) *Policy {
	p.defaultAction = action
	return p
}

// WithAllowedWorkingDirs restricts working directories to the given
// prefixes. Empty means any directory outside the sensitive set.
func (p *Policy) WithAllowedWorkingDirs(dirs []string) *Policy {
	p.allowedWorkingDirs = dirs
	return p
}

// Rules returns the ordered rule list.
func (p *Policy) Rules() []Rule {
	return p.rules
}

// AddRule appends a rule; it is consulted after all existing rules.
func (p *Policy) AddRule(rule Rule) {
	p.rules = append(p.rules, rule)
}

// CheckCommand walks the rules in order and returns nil if the command is
// allowed. The first matching rule decides; unmatched commands get the
// default action.
func (p *Policy) CheckCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrEmptyCommand
	}

	for _, rule := range p.rules {
		if !rule.Matches(command) {
			continue
		}
		if rule.Action == ActionAllow {
			return nil
		}
		if rule.Description != "" {
			return fmt.Errorf("%w: rule %q (%s)", ErrCommandDenied, rule.Pattern, rule.Description)
		}
		return fmt.Errorf("%w: rule %q", ErrCommandDenied, rule.Pattern)
	}

	if p.defaultAction == ActionAllow {
		return nil
	}
	return fmt.Errorf("%w: no rule matched", ErrCommandDenied)
}

// IsCommandAllowed is CheckCommand as a predicate.
func (p *Policy) IsCommandAllowed(command string) bool {
	return p.CheckCommand(command) == nil
}

// CheckWorkingDir rejects sensitive system directories and, when an
// allowed list is set, anything outside it.
func (p *Policy) CheckWorkingDir(dir string) error {
	if dir == "" {
		return nil
	}
	clean := filepath.Clean(dir)

	if p.denySensitiveDirs {
		for _, sensitive := range sensitiveDirs {
			if clean == sensitive || strings.HasPrefix(clean, sensitive+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s is a sensitive directory", ErrWorkingDirDenied, clean)
			}
		}
	}

	if len(p.allowedWorkingDirs) == 0 {
		return nil
	}
	for _, allowed := range p.allowedWorkingDirs {
		allowed = filepath.Clean(allowed)
		if clean == allowed || strings.HasPrefix(clean, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is outside the allowed directories", ErrWorkingDirDenied, clean)
}

// OnlyAllow builds a policy that permits the named command prefixes and
// denies everything else. Used for single-purpose runners such as OCR.
func OnlyAllow(commands ...string) *Policy {
	rules := make([]Rule, 0, len(commands)+1)
	for _, cmd := range commands {
		rules = append(rules, Allow(cmd+"*"))
	}
	rules = append(rules, Deny("*"))
	return NewPolicy(rules)
}

// ReadOnlyPolicy permits common inspection commands only.
func ReadOnlyPolicy() *Policy {
	return NewPolicy([]Rule{
		Allow("ls*"), Allow("cat*"), Allow("head*"), Allow("tail*"),
		Allow("grep*"), Allow("find*"), Allow("wc*"), Allow("pwd"),
		Deny("*"),
	})
}

// DefaultPolicy permits everyday development commands and denies known
// destructive ones. Unmatched commands are denied.
func DefaultPolicy() *Policy {
	return NewPolicy([]Rule{
		Deny("sudo *"),
		Deny("su *"),
		Deny("passwd*"),
		Deny("rm -rf /*"),
		Deny("rm -rf /"),
		Deny("chmod 777 /*"),
		Deny("chmod 777 /"),
		Allow("echo*"),
		Allow("ls*"),
		Allow("cat*"),
		Allow("pwd"),
		Allow("which*"),
		Allow("git status"),
		Allow("git add*"),
		Allow("git commit*"),
		Allow("git log*"),
		Allow("git diff*"),
		Allow("git show*"),
		Allow("cargo check"),
		Allow("cargo test*"),
		Allow("cargo build*"),
		Allow("go build*"),
		Allow("go test*"),
		Allow("go vet*"),
		Allow("npm test"),
		Allow("npm install"),
		Allow("npm run*"),
		Allow("python*"),
		Allow("make*"),
		Allow("find*"),
		Allow("grep*"),
		Allow("head*"),
		Allow("tail*"),
		Allow("wc*"),
		Allow("sort*"),
		Allow("uniq*"),
	})
}
