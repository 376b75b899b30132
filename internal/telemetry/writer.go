// Package telemetry implements the append-only audit streams the broker
// persists for every request: main telemetry events, guardrail events, and
// a bounded ring of interaction stages, plus a raw-response capture store
// for failed or blocked provider calls.
package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bradax/broker/internal/jsonfile"
	"github.com/bradax/broker/internal/models"
)

// Paths groups the filesystem locations of the three streams and the
// raw-response directory, all rooted under the configured data directory.
type Paths struct {
	TelemetryFile      string
	GuardrailEventFile string
	InteractionFile    string
	RawResponseDir     string
}

// Writer serializes concurrent appends to each of the three streams behind
// its own mutex, so a slow write on one stream never blocks another.
type Writer struct {
	paths Paths
	cap   int

	telemetryMu sync.Mutex
	guardrailMu sync.Mutex
	interactMu  sync.Mutex
}

// New constructs a Writer. interactionCap is the maximum number of entries
// retained in the interaction stream (spec default 5000); a value <= 0
// falls back to that default.
func New(paths Paths, interactionCap int) *Writer {
	if interactionCap <= 0 {
		interactionCap = 5000
	}
	return &Writer{paths: paths, cap: interactionCap}
}

// RecordEvent appends event to the main telemetry stream. Durable before
// return: the file is fully rewritten via jsonfile.WriteAtomic.
func (w *Writer) RecordEvent(event models.TelemetryEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	w.telemetryMu.Lock()
	defer w.telemetryMu.Unlock()

	var events []models.TelemetryEvent
	if _, err := jsonfile.ReadInto(w.paths.TelemetryFile, &events); err != nil {
		return fmt.Errorf("telemetry: read stream: %w", err)
	}
	events = append(events, event)
	if err := jsonfile.WriteAtomic(w.paths.TelemetryFile, events); err != nil {
		return fmt.Errorf("telemetry: append event: %w", err)
	}
	return nil
}

// RecordGuardrailEvent appends event to the guardrail event stream.
func (w *Writer) RecordGuardrailEvent(event models.GuardrailEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	w.guardrailMu.Lock()
	defer w.guardrailMu.Unlock()

	var events []models.GuardrailEvent
	if _, err := jsonfile.ReadInto(w.paths.GuardrailEventFile, &events); err != nil {
		return fmt.Errorf("telemetry: read guardrail stream: %w", err)
	}
	events = append(events, event)
	if err := jsonfile.WriteAtomic(w.paths.GuardrailEventFile, events); err != nil {
		return fmt.Errorf("telemetry: append guardrail event: %w", err)
	}
	return nil
}

// RecordInteractionStage appends stage to the interaction stream and, if
// the stream now exceeds the configured cap, trims the oldest entries in a
// single compaction pass.
func (w *Writer) RecordInteractionStage(stage models.InteractionStage) error {
	if stage.Timestamp.IsZero() {
		stage.Timestamp = time.Now().UTC()
	}

	w.interactMu.Lock()
	defer w.interactMu.Unlock()

	var stages []models.InteractionStage
	if _, err := jsonfile.ReadInto(w.paths.InteractionFile, &stages); err != nil {
		return fmt.Errorf("telemetry: read interaction stream: %w", err)
	}
	stages = append(stages, stage)
	if len(stages) > w.cap {
		stages = stages[len(stages)-w.cap:]
	}
	if err := jsonfile.WriteAtomic(w.paths.InteractionFile, stages); err != nil {
		return fmt.Errorf("telemetry: append interaction stage: %w", err)
	}
	return nil
}

// RecordRawResponse persists a provider's raw response body for a failed
// or guardrail-blocked request, keyed by request_id, for later forensic
// inspection. It is not part of any of the three append-only streams.
func (w *Writer) RecordRawResponse(requestID string, body any) error {
	path := fmt.Sprintf("%s/%s.json", w.paths.RawResponseDir, requestID)
	if err := jsonfile.WriteAtomic(path, body); err != nil {
		return fmt.Errorf("telemetry: persist raw response: %w", err)
	}
	return nil
}

// Reload is a no-op placeholder for external log rotation: the streams are
// re-read on every append rather than kept open, so there is no file
// handle to reopen. It exists to satisfy the writer's contract explicitly.
func (w *Writer) Reload() error { return nil }

// Aggregate scans the main telemetry stream and summarizes activity for a
// single project: request counts, error rate, token totals, mean duration,
// and model mix.
func (w *Writer) Aggregate(projectID string) (Aggregation, error) {
	w.telemetryMu.Lock()
	var events []models.TelemetryEvent
	_, err := jsonfile.ReadInto(w.paths.TelemetryFile, &events)
	w.telemetryMu.Unlock()
	if err != nil {
		return Aggregation{}, fmt.Errorf("telemetry: aggregate: %w", err)
	}

	agg := Aggregation{ProjectID: projectID, ModelMix: map[string]int{}}
	var totalDuration int64
	var completions int

	for _, e := range events {
		switch {
		case e.RequestComplete != nil && e.RequestComplete.ProjectID == projectID:
			c := e.RequestComplete
			agg.TotalRequests++
			completions++
			totalDuration += c.DurationMillis
			agg.TotalTokens += c.Usage.TotalTokens
			agg.TotalCostUSD += c.Usage.CostUSD
			if !c.Success {
				agg.ErrorCount++
			}
			if c.ModelUsed != "" {
				agg.ModelMix[c.ModelUsed]++
			}
		case e.Error != nil && e.Error.ProjectID == projectID:
			agg.ErrorCount++
		}
	}
	if completions > 0 {
		agg.MeanDurationMillis = float64(totalDuration) / float64(completions)
	}
	return agg, nil
}

// Aggregation is the summary Aggregate returns for a single project.
type Aggregation struct {
	ProjectID          string
	TotalRequests      int
	ErrorCount         int
	TotalTokens        int
	TotalCostUSD       float64
	MeanDurationMillis float64
	ModelMix           map[string]int
}

// ModelMixSorted returns the model mix as a stable, sorted slice for
// deterministic API responses and tests.
func (a Aggregation) ModelMixSorted() []ModelCount {
	out := make([]ModelCount, 0, len(a.ModelMix))
	for model, count := range a.ModelMix {
		out = append(out, ModelCount{Model: model, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// ModelCount pairs a model identifier with its invocation count.
type ModelCount struct {
	Model string
	Count int
}
