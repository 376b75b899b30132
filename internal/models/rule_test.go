package models

import "testing"

func TestRuleActionRankOrdering(t *testing.T) {
	if !(ActionBlock.Rank() > ActionSanitize.Rank() &&
		ActionSanitize.Rank() > ActionFlag.Rank() &&
		ActionFlag.Rank() > ActionAllow.Rank()) {
		t.Fatalf("expected block > sanitize > flag > allow")
	}
}

func TestDominantActionPicksHigherRank(t *testing.T) {
	if got := DominantAction(ActionFlag, ActionBlock); got != ActionBlock {
		t.Fatalf("expected block to dominate flag, got %v", got)
	}
	if got := DominantAction(ActionBlock, ActionFlag); got != ActionBlock {
		t.Fatalf("expected block to dominate flag regardless of argument order, got %v", got)
	}
	if got := DominantAction(ActionSanitize, ActionAllow); got != ActionSanitize {
		t.Fatalf("expected sanitize to dominate allow, got %v", got)
	}
}

func TestDominantActionTreatsEmptyAsIdentity(t *testing.T) {
	if got := DominantAction("", ActionFlag); got != ActionFlag {
		t.Fatalf("expected empty action to lose to flag, got %v", got)
	}
	if got := DominantAction(ActionFlag, ""); got != ActionFlag {
		t.Fatalf("expected flag to beat empty action, got %v", got)
	}
	if got := DominantAction("", ""); got != "" {
		t.Fatalf("expected two empty actions to stay empty, got %v", got)
	}
}

func TestRuleSeverityRankOrdering(t *testing.T) {
	if !(SeverityCritical.Rank() > SeverityHigh.Rank() &&
		SeverityHigh.Rank() > SeverityMedium.Rank() &&
		SeverityMedium.Rank() > SeverityLow.Rank()) {
		t.Fatalf("expected critical > high > medium > low")
	}
}

func TestMaxSeverityPicksHigherRank(t *testing.T) {
	if got := MaxSeverity(SeverityLow, SeverityCritical); got != SeverityCritical {
		t.Fatalf("expected critical to win over low, got %v", got)
	}
	if got := MaxSeverity(SeverityHigh, SeverityMedium); got != SeverityHigh {
		t.Fatalf("expected high to win over medium, got %v", got)
	}
}

func TestMaxSeverityTreatsEmptyAsIdentity(t *testing.T) {
	if got := MaxSeverity("", SeverityHigh); got != SeverityHigh {
		t.Fatalf("expected empty severity to lose to high, got %v", got)
	}
	if got := MaxSeverity(SeverityHigh, ""); got != SeverityHigh {
		t.Fatalf("expected high to beat empty severity, got %v", got)
	}
}

func TestGuardrailRuleValidateRequiresRuleID(t *testing.T) {
	r := &GuardrailRule{Action: ActionBlock}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected empty rule_id to be rejected")
	}
}

func TestGuardrailRuleValidateRequiresMatcherForSanitize(t *testing.T) {
	r := &GuardrailRule{RuleID: "r1", Action: ActionSanitize}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected sanitize rule with no keywords/patterns to be rejected")
	}
	r.Keywords = []string{"secret"}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected sanitize rule with a keyword to validate, got %v", err)
	}
}

func TestGuardrailRuleValidateAllowsBlockWithNoMatcher(t *testing.T) {
	r := &GuardrailRule{RuleID: "r1", Action: ActionBlock}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected block rule with no matcher to validate (it simply never fires), got %v", err)
	}
}
