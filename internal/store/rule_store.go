package store

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/bradax/broker/internal/jsonfile"
	"github.com/bradax/broker/internal/models"
)

// CompiledRule pairs a raw guardrail rule with its precompiled alternation
// regexp, so the engine never compiles a pattern per request.
type CompiledRule struct {
	Rule    models.GuardrailRule
	Pattern *regexp.Regexp // nil when the rule has no named patterns
}

// ruleSnapshot is the immutable value swapped atomically on reload.
type ruleSnapshot struct {
	rules []CompiledRule
	byID  map[string]int // rule_id -> index into rules
}

// RuleStore loads guardrail rules from a single file at startup, validates
// and compiles them, and serves the resulting snapshot to the guardrail
// engine. Rules are immutable during request handling; the only way to
// change them is an explicit Reload.
type RuleStore struct {
	path     string
	snapshot atomic.Pointer[ruleSnapshot]
	writeMu  sync.Mutex
}

// NewRuleStore loads and compiles path's rule set. It fails fast: any
// regex that does not compile, or a rule violating a load-time invariant,
// aborts startup.
func NewRuleStore(path string) (*RuleStore, error) {
	s := &RuleStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and recompiles the rule file, then atomically swaps the
// snapshot served to the engine. Concurrent evaluations either observe the
// old rule set in full or the new one in full.
func (s *RuleStore) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var raw []models.GuardrailRule
	if _, err := jsonfile.ReadInto(s.path, &raw); err != nil {
		return fmt.Errorf("store: load rules: %w", err)
	}

	compiled := make([]CompiledRule, 0, len(raw))
	byID := make(map[string]int, len(raw))
	for _, rule := range raw {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("store: invalid rule: %w", err)
		}
		if _, dup := byID[rule.RuleID]; dup {
			return fmt.Errorf("store: duplicate rule_id %q", rule.RuleID)
		}

		pattern, err := compileAlternation(rule.Patterns)
		if err != nil {
			return fmt.Errorf("store: rule %q: %w", rule.RuleID, err)
		}

		byID[rule.RuleID] = len(compiled)
		compiled = append(compiled, CompiledRule{Rule: rule, Pattern: pattern})
	}

	s.snapshot.Store(&ruleSnapshot{rules: compiled, byID: byID})
	return nil
}

// Rules returns the currently active compiled rule set. The returned slice
// must be treated as read-only; it is shared across goroutines.
func (s *RuleStore) Rules() []CompiledRule {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil
	}
	return snap.rules
}

// Rule looks up a single compiled rule by id in the current snapshot.
func (s *RuleStore) Rule(ruleID string) (CompiledRule, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return CompiledRule{}, false
	}
	idx, ok := snap.byID[ruleID]
	if !ok {
		return CompiledRule{}, false
	}
	return snap.rules[idx], true
}

// compileAlternation combines a rule's named patterns into a single
// alternation "(p1)|(p2)|..." per the engine's regex-match step. A rule
// with no patterns returns a nil regexp, so that side of the match is
// simply skipped by the engine.
func compileAlternation(patterns map[string]string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	// Sort names for a deterministic compiled expression across process
	// restarts, which keeps error messages and debugging stable.
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sortStrings(names)

	combined := ""
	for i, name := range names {
		if i > 0 {
			combined += "|"
		}
		combined += "(" + patterns[name] + ")"
	}
	re, err := regexp.Compile("(?i)" + combined)
	if err != nil {
		return nil, fmt.Errorf("compile pattern alternation: %w", err)
	}
	return re, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
