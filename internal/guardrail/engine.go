// Package guardrail implements the deterministic two-phase content
// evaluation applied to every prompt on entry and every provider response
// on exit. Evaluation never consults an external model; it is pure
// whitelist/keyword/regex matching over the active rule set.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/bradax/broker/internal/models"
	"github.com/bradax/broker/internal/store"
)

// excerptBudget bounds how much of a violating span is ever surfaced in a
// guardrail event's violation_details, so raw content never leaks in bulk.
const excerptBudget = 120

var fold = cases.Fold()

// trigger records one rule firing during an evaluation, keeping enough of
// the rule around to redo the match in sanitize without re-scanning every
// rule in the active set a second time.
type trigger struct {
	rule    models.GuardrailRule
	pattern *regexp.Regexp
	excerpt string
}

// GuardrailTrigger is the subset of a trigger the Telemetry Writer needs to
// emit one guardrail event per triggered rule.
type GuardrailTrigger struct {
	RuleID      string
	Action      models.RuleAction
	Severity    models.RuleSeverity
	ContentType models.ContentType
	Excerpt     string
}

// Engine evaluates content against a rule set. It holds no mutable state of
// its own; the rule set it evaluates against is supplied per call, which is
// what lets the Orchestrator layer in caller-provided custom rules without
// touching any shared cache.
type Engine struct{}

// New returns a ready-to-use Engine. It is stateless and safe for
// concurrent use.
func New() *Engine {
	return &Engine{}
}

// Evaluate runs the two-phase check described for guard-in and guard-out
// against content, using rules as the active rule set (base rules plus any
// request-scoped custom rules the caller has already validated).
//
// A panic inside a single rule's evaluation is recovered and folded into
// evalErr; evaluation of the remaining rules continues, but a non-nil
// evalErr forces the dominant action to block, fail-closed at the engine
// level regardless of what any successfully-evaluated rule concluded.
func (e *Engine) Evaluate(content string, contentType models.ContentType, projectID string, rules []store.CompiledRule) (models.GuardrailResult, []GuardrailTrigger, error) {
	folded := fold.String(content)

	var triggers []trigger
	var evalErr error

	for _, cr := range rules {
		if !cr.Rule.Enabled {
			continue
		}
		t, matched, panicErr := evaluateRule(cr, content, folded)
		if panicErr != nil {
			evalErr = fmt.Errorf("guardrail: rule %q evaluation failed: %w", cr.Rule.RuleID, panicErr)
			continue
		}
		if matched {
			triggers = append(triggers, t)
		}
	}

	dominant := models.RuleAction("")
	severity := models.RuleSeverity("")
	triggeredRules := make([]string, 0, len(triggers))
	events := make([]GuardrailTrigger, 0, len(triggers))
	for _, t := range triggers {
		dominant = models.DominantAction(dominant, t.rule.Action)
		severity = models.MaxSeverity(severity, t.rule.Severity)
		triggeredRules = append(triggeredRules, t.rule.RuleID)
		events = append(events, GuardrailTrigger{
			RuleID:      t.rule.RuleID,
			Action:      t.rule.Action,
			Severity:    t.rule.Severity,
			ContentType: contentType,
			Excerpt:     t.excerpt,
		})
	}

	if evalErr != nil {
		dominant = models.ActionBlock
	}
	if dominant == "" {
		dominant = models.ActionAllow
	}

	result := models.GuardrailResult{
		Allowed:        dominant != models.ActionBlock,
		TriggeredRules: triggeredRules,
		Action:         dominant,
		Severity:       severity,
		Reason:         reasonFor(dominant, triggeredRules),
		Metadata: models.GuardrailResultMetadata{
			ContentType:       contentType,
			ProjectID:         projectID,
			TotalRulesChecked: len(rules),
		},
	}

	if dominant == models.ActionSanitize {
		sanitized := sanitize(content, triggers)
		result.SanitizedContent = &sanitized
	}

	return result, events, evalErr
}

func reasonFor(action models.RuleAction, triggeredRules []string) string {
	if len(triggeredRules) == 0 {
		return "no rule triggered"
	}
	return fmt.Sprintf("%s dominant action from %d triggered rule(s)", action, len(triggeredRules))
}

// evaluateRule runs the whitelist, keyword, and regex checks for a single
// rule. It recovers a panic from a malformed rule and reports it as an
// error rather than propagating it, matching the engine's per-rule
// fail-closed contract.
func evaluateRule(cr store.CompiledRule, raw, folded string) (t trigger, matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for _, w := range cr.Rule.Whitelist {
		if w == "" {
			continue
		}
		if strings.Contains(folded, fold.String(w)) {
			return trigger{}, false, nil
		}
	}

	effectiveKeywords := make([]string, 0, len(cr.Rule.Keywords)+len(cr.Rule.Patterns))
	effectiveKeywords = append(effectiveKeywords, cr.Rule.Keywords...)
	for name := range cr.Rule.Patterns {
		effectiveKeywords = append(effectiveKeywords, name)
	}
	for _, kw := range effectiveKeywords {
		if kw == "" {
			continue
		}
		if loc := keywordMatcher(kw).FindStringIndex(raw); loc != nil {
			return trigger{rule: cr.Rule, pattern: cr.Pattern, excerpt: excerpt(raw, loc[0], loc[1]-loc[0])}, true, nil
		}
	}

	if cr.Pattern != nil {
		if loc := cr.Pattern.FindStringIndex(raw); loc != nil {
			return trigger{rule: cr.Rule, pattern: cr.Pattern, excerpt: excerpt(raw, loc[0], loc[1]-loc[0])}, true, nil
		}
	}

	return trigger{}, false, nil
}

type span struct{ start, end int }

// sanitize replaces every occurrence of every triggered rule's keywords and
// every regex hit, not just the first, with the literal token [REDACTED],
// satisfying the "no literal occurrence survives" invariant.
// Every span is located directly in raw (via keywordMatcher, which matches
// case-insensitively without ever producing an intermediate string of
// different byte length), so there is no folded/raw offset translation that
// could misalign or run past the end of raw.
func sanitize(raw string, triggers []trigger) string {
	var spans []span

	for _, t := range triggers {
		effectiveKeywords := make([]string, 0, len(t.rule.Keywords)+len(t.rule.Patterns))
		effectiveKeywords = append(effectiveKeywords, t.rule.Keywords...)
		for name := range t.rule.Patterns {
			effectiveKeywords = append(effectiveKeywords, name)
		}
		for _, kw := range effectiveKeywords {
			if kw == "" {
				continue
			}
			for _, loc := range keywordMatcher(kw).FindAllStringIndex(raw, -1) {
				spans = append(spans, span{loc[0], loc[1]})
			}
		}
		if t.pattern != nil {
			for _, loc := range t.pattern.FindAllStringIndex(raw, -1) {
				spans = append(spans, span{loc[0], loc[1]})
			}
		}
	}

	if len(spans) == 0 {
		return raw
	}
	return redactSpans(raw, spans)
}

// keywordMatcher compiles a case-insensitive, literal (metacharacter-escaped)
// matcher for kw. Matching runs directly against raw content rather than a
// case-folded copy, so a hit's byte offsets are always valid for raw.
func keywordMatcher(kw string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(kw))
}

func redactSpans(raw string, spans []span) string {
	sortSpans(spans)
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	cursor := 0
	for _, s := range merged {
		if s.start < cursor {
			continue
		}
		b.WriteString(raw[cursor:s.start])
		b.WriteString("[REDACTED]")
		cursor = s.end
	}
	b.WriteString(raw[cursor:])
	return b.String()
}

func sortSpans(spans []span) {
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j-1].start > spans[j].start; j-- {
			spans[j-1], spans[j] = spans[j], spans[j-1]
		}
	}
}

func excerpt(raw string, start, length int) string {
	end := start + length
	if end > len(raw) {
		end = len(raw)
	}
	if start < 0 {
		start = 0
	}
	span := raw[start:end]
	if len(span) > excerptBudget {
		span = span[:excerptBudget]
	}
	return span
}
