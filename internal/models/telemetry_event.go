package models

import "time"

// EventType names one of the telemetry event variants.
type EventType string

const (
	EventRequestStart    EventType = "request_start"
	EventRequestComplete EventType = "request_complete"
	EventError           EventType = "error"
	EventAuthentication  EventType = "authentication"
)

// TokenUsage records token counts and estimated cost for one model call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// RequestStartPayload is attached to a request_start event.
type RequestStartPayload struct {
	RequestID string `json:"request_id"`
	ProjectID string `json:"project_id"`
	ModelID   string `json:"model_id"`
	Operation string `json:"operation"`
}

// RequestCompletePayload is attached to a request_complete event.
type RequestCompletePayload struct {
	RequestID           string     `json:"request_id"`
	ProjectID           string     `json:"project_id"`
	Success             bool       `json:"success"`
	ReasonCode          string     `json:"reason_code,omitempty"`
	ModelUsed           string     `json:"model_used"`
	DurationMillis      int64      `json:"duration_ms"`
	Usage               TokenUsage `json:"usage"`
	GuardrailsTriggered bool       `json:"guardrails_triggered"`
}

// ErrorPayload is attached to an error event.
type ErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Category  string `json:"category"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

// AuthenticationPayload is attached to an authentication event.
type AuthenticationPayload struct {
	ProjectID string `json:"project_id,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	KeyID     string `json:"kid,omitempty"`
}

// TelemetryEvent is a tagged variant persisted to the main telemetry
// stream. Exactly one of the payload pointers is populated, matching
// EventType. Serializing and deserializing an event through JSON is
// required to round-trip losslessly.
type TelemetryEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	RequestStart    *RequestStartPayload    `json:"request_start,omitempty"`
	RequestComplete *RequestCompletePayload `json:"request_complete,omitempty"`
	Error           *ErrorPayload           `json:"error,omitempty"`
	Authentication  *AuthenticationPayload  `json:"authentication,omitempty"`
}

// RequestIDOf returns the request_id carried by whichever payload variant
// is populated, or "" if the event has no associated request.
func (e *TelemetryEvent) RequestIDOf() string {
	switch {
	case e.RequestStart != nil:
		return e.RequestStart.RequestID
	case e.RequestComplete != nil:
		return e.RequestComplete.RequestID
	case e.Error != nil:
		return e.Error.RequestID
	default:
		return ""
	}
}

// GuardrailEvent is one triggered-rule record persisted to the guardrail
// event stream, separate from the main telemetry stream.
type GuardrailEvent struct {
	EventID          string       `json:"event_id"`
	Timestamp        time.Time    `json:"timestamp"`
	RequestID        string       `json:"request_id"`
	ProjectID        string       `json:"project_id"`
	RuleID           string       `json:"rule_id"`
	Action           RuleAction   `json:"action"`
	Severity         RuleSeverity `json:"severity"`
	ContentType      ContentType  `json:"content_type"`
	ViolationDetails string       `json:"violation_details"`
}

// InteractionStage is one forensic checkpoint in a request's pipeline,
// persisted to the bounded interaction stream.
type InteractionStage struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Stage     string         `json:"stage"`
	Summary   string         `json:"summary"`
	Result    string         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
