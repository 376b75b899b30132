package guardrail

import (
	"regexp"
	"strings"
	"testing"

	"github.com/bradax/broker/internal/models"
	"github.com/bradax/broker/internal/store"
)

func compiledRule(t *testing.T, rule models.GuardrailRule) store.CompiledRule {
	t.Helper()
	var pattern *regexp.Regexp
	if len(rule.Patterns) > 0 {
		combined := ""
		first := true
		for _, p := range rule.Patterns {
			if !first {
				combined += "|"
			}
			combined += "(" + p + ")"
			first = false
		}
		var err error
		pattern, err = regexp.Compile("(?i)" + combined)
		if err != nil {
			t.Fatalf("compile pattern: %v", err)
		}
	}
	return store.CompiledRule{Rule: rule, Pattern: pattern}
}

func TestEvaluateNoRulesAllows(t *testing.T) {
	e := New()
	result, triggers, err := e.Evaluate("hello there", models.ContentTypePrompt, "proj-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Action != models.ActionAllow {
		t.Fatalf("expected allow, got %+v", result)
	}
	if len(triggers) != 0 {
		t.Fatalf("expected no triggers, got %+v", triggers)
	}
}

func TestEvaluateKeywordMatchBlocks(t *testing.T) {
	e := New()
	rule := compiledRule(t, models.GuardrailRule{
		RuleID:   "r1",
		Action:   models.ActionBlock,
		Severity: models.SeverityHigh,
		Keywords: []string{"forbidden"},
		Enabled:  true,
	})

	result, triggers, err := e.Evaluate("this contains a Forbidden word", models.ContentTypePrompt, "proj-1", []store.CompiledRule{rule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected block, got %+v", result)
	}
	if result.Action != models.ActionBlock {
		t.Fatalf("expected action block, got %q", result.Action)
	}
	if len(triggers) != 1 || triggers[0].RuleID != "r1" {
		t.Fatalf("expected r1 triggered, got %+v", triggers)
	}
}

func TestEvaluateDisabledRuleNeverFires(t *testing.T) {
	e := New()
	rule := compiledRule(t, models.GuardrailRule{
		RuleID:   "r1",
		Action:   models.ActionBlock,
		Keywords: []string{"forbidden"},
		Enabled:  false,
	})

	result, triggers, err := e.Evaluate("forbidden content here", models.ContentTypePrompt, "proj-1", []store.CompiledRule{rule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || len(triggers) != 0 {
		t.Fatalf("expected disabled rule to be skipped, got %+v / %+v", result, triggers)
	}
}

func TestEvaluateWhitelistSuppressesRule(t *testing.T) {
	e := New()
	rule := compiledRule(t, models.GuardrailRule{
		RuleID:    "r1",
		Action:    models.ActionBlock,
		Keywords:  []string{"kill"},
		Whitelist: []string{"kill switch"},
		Enabled:   true,
	})

	result, _, err := e.Evaluate("please engage the kill switch now", models.ContentTypePrompt, "proj-1", []store.CompiledRule{rule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected whitelisted content to be allowed, got %+v", result)
	}
}

func TestEvaluateDominantActionAggregation(t *testing.T) {
	e := New()
	flagRule := compiledRule(t, models.GuardrailRule{RuleID: "flag", Action: models.ActionFlag, Keywords: []string{"foo"}, Enabled: true})
	blockRule := compiledRule(t, models.GuardrailRule{RuleID: "block", Action: models.ActionBlock, Keywords: []string{"bar"}, Enabled: true})

	result, _, err := e.Evaluate("foo and bar both present", models.ContentTypePrompt, "proj-1", []store.CompiledRule{flagRule, blockRule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != models.ActionBlock {
		t.Fatalf("expected block to dominate flag, got %q", result.Action)
	}
}

func TestEvaluateSeverityAggregationTakesMax(t *testing.T) {
	e := New()
	lowRule := compiledRule(t, models.GuardrailRule{RuleID: "low", Action: models.ActionFlag, Severity: models.SeverityLow, Keywords: []string{"foo"}, Enabled: true})
	criticalRule := compiledRule(t, models.GuardrailRule{RuleID: "crit", Action: models.ActionFlag, Severity: models.SeverityCritical, Keywords: []string{"bar"}, Enabled: true})

	result, _, err := e.Evaluate("foo and bar", models.ContentTypePrompt, "proj-1", []store.CompiledRule{lowRule, criticalRule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Severity != models.SeverityCritical {
		t.Fatalf("expected max severity critical, got %q", result.Severity)
	}
}

func TestEvaluateSanitizeRedactsEveryOccurrence(t *testing.T) {
	e := New()
	rule := compiledRule(t, models.GuardrailRule{
		RuleID:   "san",
		Action:   models.ActionSanitize,
		Keywords: []string{"secret"},
		Enabled:  true,
	})

	content := "the Secret is hidden, but the secret leaks twice, SECRET even three times"
	result, _, err := e.Evaluate(content, models.ContentTypePrompt, "proj-1", []store.CompiledRule{rule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != models.ActionSanitize {
		t.Fatalf("expected sanitize action, got %q", result.Action)
	}
	if result.SanitizedContent == nil {
		t.Fatalf("expected sanitized content to be set")
	}
	sanitized := *result.SanitizedContent
	if strings.Contains(strings.ToLower(sanitized), "secret") {
		t.Fatalf("expected every occurrence redacted, got %q", sanitized)
	}
	if strings.Count(sanitized, "[REDACTED]") != 3 {
		t.Fatalf("expected 3 redactions, got %q", sanitized)
	}
}

func TestEvaluateSanitizeRedactsRegexMatches(t *testing.T) {
	e := New()
	rule := compiledRule(t, models.GuardrailRule{
		RuleID:   "ssn",
		Action:   models.ActionSanitize,
		Patterns: map[string]string{"ssn": `\d{3}-\d{2}-\d{4}`},
		Enabled:  true,
	})

	content := "ssn one is 123-45-6789 and ssn two is 987-65-4321"
	result, _, err := e.Evaluate(content, models.ContentTypePrompt, "proj-1", []store.CompiledRule{rule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sanitized := *result.SanitizedContent
	if strings.Contains(sanitized, "123-45-6789") || strings.Contains(sanitized, "987-65-4321") {
		t.Fatalf("expected both ssns redacted, got %q", sanitized)
	}
}

func TestEvaluateUnicodeFoldingMatchesCaseInsensitively(t *testing.T) {
	e := New()
	rule := compiledRule(t, models.GuardrailRule{
		RuleID:   "fold",
		Action:   models.ActionBlock,
		Keywords: []string{"straße"},
		Enabled:  true,
	})

	result, _, err := e.Evaluate("the word STRASSE-ish should not necessarily match but STRAßE should", models.ContentTypePrompt, "proj-1", []store.CompiledRule{rule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected case-folded keyword to trigger a block, got %+v", result)
	}
}

// TestEvaluateRuleNilPatternIsSkipped confirms a rule with no keywords and
// no compiled pattern simply never matches, rather than dereferencing a nil
// pattern: the nil check in evaluateRule guards the panic-recovery path
// from ever being needed on well-formed rules.
func TestEvaluateRuleNilPatternIsSkipped(t *testing.T) {
	cr := store.CompiledRule{
		Rule: models.GuardrailRule{RuleID: "empty", Action: models.ActionBlock, Enabled: true},
	}
	_, matched, err := evaluateRule(cr, "content", "content")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatalf("expected no match for a rule with nothing to match against")
	}
}
