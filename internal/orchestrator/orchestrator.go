// Package orchestrator drives the per-request model-invocation pipeline:
// policy check, guard-in, provider call, guard-out, telemetry recording,
// and fail-soft envelope composition. It is the one place all four core
// subsystems (auth's principal, the guardrail engine, the provider
// adapter, and the telemetry writer) meet.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/bradax/broker/internal/guardrail"
	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/models"
	"github.com/bradax/broker/internal/provider"
	"github.com/bradax/broker/internal/store"
	"github.com/bradax/broker/internal/telemetry"
)

// Reason codes for fail-soft envelopes, per the error taxonomy.
const (
	ReasonPolicyBlocked    = "policy_blocked"
	ReasonValidationError  = "validation_error"
	ReasonGuardrailBlocked = "guardrail_blocked"
	ReasonProviderError    = "provider_error"
	ReasonProviderTimeout  = "provider_timeout"
)

// modelUsed values for the fail-soft terminal steps that never reach the
// provider.
const (
	ModelUsedGuardrailBlocked = "guardrail_blocked"
	ModelUsedPolicyBlocked    = "policy_blocked"
	ModelUsedValidationError  = "validation_error"
)

// InvokeRequest is the validated invocation payload the Orchestrator
// consumes, already shape-checked by the HTTP layer (messages normalized
// from either the messages or prompt form).
type InvokeRequest struct {
	RequestID        string
	ProjectID        string
	Operation        string
	ModelID          string
	Messages         []provider.Message
	Params           provider.Params
	CustomGuardrails []models.GuardrailRule
}

// InvokeResponse is the envelope returned to the caller for every outcome,
// success or fail-soft.
type InvokeResponse struct {
	Success             bool                `json:"success"`
	RequestID           string              `json:"request_id"`
	ModelUsed           string              `json:"model_used"`
	ReasonCode          string              `json:"reason_code,omitempty"`
	Content             string              `json:"content,omitempty"`
	Usage               *models.TokenUsage  `json:"usage,omitempty"`
	GuardrailsTriggered bool                `json:"guardrails_triggered,omitempty"`
	TriggeredRules      []string            `json:"triggered_rules,omitempty"`
}

// Orchestrator wires together the stores, engine, adapter, and writer used
// by Invoke.
type Orchestrator struct {
	projects  *store.ProjectStore
	rules     *store.RuleStore
	engine    *guardrail.Engine
	adapter   provider.Adapter
	telemetry *telemetry.Writer
	metrics   *metrics.Metrics
	timeout   time.Duration
}

// New constructs an Orchestrator. timeout bounds every provider call
// (default 180s, configured via PROVIDER_TIMEOUT_SECONDS).
func New(projects *store.ProjectStore, rules *store.RuleStore, engine *guardrail.Engine, adapter provider.Adapter, writer *telemetry.Writer, m *metrics.Metrics, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Orchestrator{projects: projects, rules: rules, engine: engine, adapter: adapter, telemetry: writer, metrics: m, timeout: timeout}
}

// Invoke drives the full auth-gate, guardrail, and provider-call pipeline
// for one model invocation. It never returns a non-nil
// error for a business-category failure: those are represented by
// resp.Success == false. A non-nil error indicates an internal failure the
// caller should surface as 5xx.
func (o *Orchestrator) Invoke(ctx context.Context, principal *models.Principal, req InvokeRequest) (InvokeResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.ProjectID = principal.ProjectID
	ingressAt := time.Now()

	if err := o.telemetry.RecordEvent(models.TelemetryEvent{
		EventType: models.EventRequestStart,
		RequestStart: &models.RequestStartPayload{
			RequestID: req.RequestID,
			ProjectID: principal.ProjectID,
			ModelID:   req.ModelID,
			Operation: req.Operation,
		},
	}); err != nil {
		return InvokeResponse{}, fmt.Errorf("orchestrator: record request_start: %w", err)
	}

	project, ok := o.projects.Get(principal.ProjectID)
	if !ok || !project.IsActive() || !project.AllowsModel(req.ModelID) {
		return o.complete(req, ingressAt, false, ReasonPolicyBlocked, ModelUsedPolicyBlocked, nil, false, nil), nil
	}
	o.stage(req.RequestID, "auth_ok", "principal verified and model allowed", "ok", nil)

	customRules, err := compileCustomRules(req.CustomGuardrails)
	if err != nil {
		return o.complete(req, ingressAt, false, ReasonValidationError, ModelUsedValidationError, nil, false, nil), nil
	}
	activeRules := append(append([]store.CompiledRule{}, o.rules.Rules()...), customRules...)

	promptText := flattenMessages(req.Messages)
	inResult, inTriggers, evalErr := o.engine.Evaluate(promptText, models.ContentTypePrompt, principal.ProjectID, activeRules)
	o.recordGuardrailTriggers(req.RequestID, principal.ProjectID, inTriggers)
	if evalErr != nil {
		o.stage(req.RequestID, "guard_in", "engine error, failing closed", "block", nil)
	}
	if inResult.Action == models.ActionBlock {
		triggered := len(inResult.TriggeredRules) > 0
		return o.complete(req, ingressAt, false, ReasonGuardrailBlocked, ModelUsedGuardrailBlocked, nil, triggered, inResult.TriggeredRules), nil
	}
	o.stage(req.RequestID, "guard_in", "prompt evaluated", string(inResult.Action), nil)

	if inResult.Action == models.ActionSanitize && inResult.SanitizedContent != nil {
		req.Messages = substituteLastUser(req.Messages, *inResult.SanitizedContent)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	providerStart := time.Now()
	result, providerErr := o.adapter.Invoke(callCtx, req.ModelID, req.Messages, req.Params)
	o.metrics.ProviderLatency.Observe(time.Since(providerStart).Seconds())
	if providerErr != nil {
		_ = o.telemetry.RecordRawResponse(req.RequestID, map[string]any{"error": providerErr.Error()})
		reason := ReasonProviderError
		if _, isTimeout := providerErr.(*provider.TimeoutError); isTimeout {
			reason = ReasonProviderTimeout
		}
		o.metrics.ProviderErrors.WithLabelValues(reason).Inc()
		o.stage(req.RequestID, "provider_call", "provider call failed", reason, nil)
		return o.complete(req, ingressAt, false, reason, reason, nil, false, nil), nil
	}
	o.stage(req.RequestID, "provider_call", "provider responded", "ok", nil)

	outResult, outTriggers, outEvalErr := o.engine.Evaluate(result.Text, models.ContentTypeResponse, principal.ProjectID, activeRules)
	o.recordGuardrailTriggers(req.RequestID, principal.ProjectID, outTriggers)
	if outEvalErr != nil {
		o.stage(req.RequestID, "guard_out", "engine error, failing closed", "block", nil)
	}
	if outResult.Action == models.ActionBlock {
		_ = o.telemetry.RecordRawResponse(req.RequestID, result.RawBody)
		triggered := len(outResult.TriggeredRules) > 0
		return o.complete(req, ingressAt, false, ReasonGuardrailBlocked, ModelUsedGuardrailBlocked, nil, triggered, outResult.TriggeredRules), nil
	}
	o.stage(req.RequestID, "guard_out", "response evaluated", string(outResult.Action), nil)

	finalText := result.Text
	if outResult.Action == models.ActionSanitize && outResult.SanitizedContent != nil {
		finalText = *outResult.SanitizedContent
	}

	if _, budgetErr := o.projects.DebitBudget(principal.ProjectID, result.Usage.CostUSD); budgetErr != nil {
		o.stage(req.RequestID, "budget_debit", "failed to debit project budget", "error", map[string]any{"error": budgetErr.Error()})
	}

	triggered := len(inResult.TriggeredRules) > 0 || len(outResult.TriggeredRules) > 0
	allTriggered := append(append([]string{}, inResult.TriggeredRules...), outResult.TriggeredRules...)

	resp := o.complete(req, ingressAt, true, "", req.ModelID, &result.Usage, triggered, allTriggered)
	resp.Content = finalText
	return resp, nil
}

// complete records the request_complete telemetry event and returns the
// envelope. It is the single exit path for every outcome so the
// exactly-one-start/exactly-one-complete invariant always holds.
func (o *Orchestrator) complete(req InvokeRequest, ingressAt time.Time, success bool, reasonCode, modelUsed string, usage *models.TokenUsage, triggered bool, triggeredRules []string) InvokeResponse {
	duration := time.Since(ingressAt)
	u := models.TokenUsage{}
	if usage != nil {
		u = *usage
	}

	_ = o.telemetry.RecordEvent(models.TelemetryEvent{
		EventType: models.EventRequestComplete,
		RequestComplete: &models.RequestCompletePayload{
			RequestID:           req.RequestID,
			ProjectID:           req.ProjectID,
			Success:             success,
			ReasonCode:          reasonCode,
			ModelUsed:           modelUsed,
			DurationMillis:      duration.Milliseconds(),
			Usage:               u,
			GuardrailsTriggered: triggered,
		},
	})

	resp := InvokeResponse{
		Success:             success,
		RequestID:           req.RequestID,
		ModelUsed:           modelUsed,
		ReasonCode:          reasonCode,
		GuardrailsTriggered: triggered,
		TriggeredRules:      triggeredRules,
	}
	if usage != nil {
		resp.Usage = usage
	}
	return resp
}

func (o *Orchestrator) stage(requestID, stage, summary, result string, metadata map[string]any) {
	_ = o.telemetry.RecordInteractionStage(models.InteractionStage{
		RequestID: requestID,
		Stage:     stage,
		Summary:   summary,
		Result:    result,
		Metadata:  metadata,
	})
}

func (o *Orchestrator) recordGuardrailTriggers(requestID, projectID string, triggers []guardrail.GuardrailTrigger) {
	for _, t := range triggers {
		o.metrics.GuardrailActions.WithLabelValues(t.RuleID, string(t.Action)).Inc()
		_ = o.telemetry.RecordGuardrailEvent(models.GuardrailEvent{
			RequestID:        requestID,
			ProjectID:        projectID,
			RuleID:           t.RuleID,
			Action:           t.Action,
			Severity:         t.Severity,
			ContentType:      t.ContentType,
			ViolationDetails: t.Excerpt,
		})
	}
}

// compileCustomRules validates and compiles caller-supplied guardrail
// rules. They are never merged into the shared rule set; the returned
// slice lives only for the duration of one Invoke call.
func compileCustomRules(rules []models.GuardrailRule) ([]store.CompiledRule, error) {
	compiled := make([]store.CompiledRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("orchestrator: invalid custom rule: %w", err)
		}
		if !r.Enabled {
			r.Enabled = true
		}
		pattern, err := compileAlternation(r.Patterns)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: invalid custom rule pattern: %w", err)
		}
		compiled = append(compiled, store.CompiledRule{Rule: r, Pattern: pattern})
	}
	return compiled, nil
}

func compileAlternation(patterns map[string]string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	combined := ""
	first := true
	for _, p := range patterns {
		if !first {
			combined += "|"
		}
		combined += "(" + p + ")"
		first = false
	}
	return regexp.Compile("(?i)" + combined)
}

func flattenMessages(messages []provider.Message) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

func substituteLastUser(messages []provider.Message, sanitized string) []provider.Message {
	out := append([]provider.Message{}, messages...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			out[i].Content = sanitized
			return out
		}
	}
	return out
}
