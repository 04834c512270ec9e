package report

import (
	"strings"

	"failsift/internal/config"
)

// RuleEngine evaluates the ordered priority and assignment rule lists.
// Evaluation is first-match-wins over (test name, message); when nothing
// matches, the configured default applies. Plain data, no reflection.
type RuleEngine struct {
	priority        []config.Rule
	defaultPriority string
	assignment      []config.Rule
	defaultAssignee string
}

// NewRuleEngine builds an engine from the loaded configuration.
func NewRuleEngine(cfg config.RulesConfig) *RuleEngine {
	return &RuleEngine{
		priority:        cfg.Priority,
		defaultPriority: cfg.DefaultPriority,
		assignment:      cfg.Assignment,
		defaultAssignee: cfg.DefaultAssignee,
	}
}

// Priority returns the priority for a failure, first matching rule wins.
func (e *RuleEngine) Priority(testName, message string) string {
	if out, ok := evalRules(e.priority, testName, message); ok {
		return out
	}
	return e.defaultPriority
}

// Assignee returns the auto-assignment for a failure, first matching rule
// wins. An empty result means unassigned.
func (e *RuleEngine) Assignee(testName, message string) string {
	if out, ok := evalRules(e.assignment, testName, message); ok {
		return out
	}
	return e.defaultAssignee
}

func evalRules(rules []config.Rule, testName, message string) (string, bool) {
	for _, r := range rules {
		if ruleMatches(r, testName, message) {
			return r.Outcome, true
		}
	}
	return "", false
}

// ruleMatches requires every non-empty predicate field to hold. A rule with
// no predicate fields matches everything (a catch-all entry).
func ruleMatches(r config.Rule, testName, message string) bool {
	if r.TestNameContains != "" && !strings.Contains(testName, r.TestNameContains) {
		return false
	}
	if r.MessageContains != "" && !strings.Contains(message, r.MessageContains) {
		return false
	}
	return true
}
