package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/generator"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/streamparse"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/versionstore"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

const (
	generatedDescription = "AI-generated workflow"
	degradedDisplay      = "I apologize, I encountered an issue. I've kept your previous workflow intact."
	fallbackDisplay      = "I've created a basic workflow."
	emptyResponseError   = "Empty AI response"
)

// Prompts mentioning any of these get a placeholder workflow when the
// model answers without one.
var workflowKeywords = []string{"workflow", "flowchart", "process", "flujo", "diagrama"}

// Sink receives stream events in order. An error aborts the generation.
type Sink func(evt *types.Event) error

// GenerationResult summarizes a finished generation.
type GenerationResult struct {
	// Outcome is one of committed, fallback, degraded, text_only.
	Outcome  string
	Version  int
	Workflow *graph.Graph
	Display  string
}

// Generate streams a model answer for prompt into sink while holding the
// room gate. Nodes and edges are emitted as soon as they complete; the
// final workflow is validated and committed as a new version.
//
// Errors returned before the first event mean nothing was streamed.
// Failures after that are reported to the sink as an error event and
// returned wrapped in ErrGenerationFailed.
func (s *Service) Generate(ctx context.Context, room string, actor *auth.Identity, prompt string, sink Sink) (*GenerationResult, error) {
	if !actor.CanEdit(room) {
		return nil, ErrAccessDenied
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if s.source == nil {
		return nil, ErrGeneratorUnavailable
	}

	ctx, span := tracing.Tracer().Start(ctx, "collab.Generate", trace.WithAttributes(
		attribute.String("room", room),
	))
	defer span.End()

	lease, err := s.coordinator.Acquire(ctx, room, holder(actor))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	start := time.Now()
	defer func() {
		metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	}()

	g := &generation{svc: s, room: room, actor: actor, prompt: prompt, sink: sink}
	result, err := g.run(ctx)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	metrics.GenerationsTotal.WithLabelValues(result.Outcome).Inc()
	span.SetAttributes(attribute.String("outcome", result.Outcome))
	return result, nil
}

type generation struct {
	svc    *Service
	room   string
	actor  *auth.Identity
	prompt string
	sink   Sink

	previous *versionstore.State
}

func (g *generation) emit(typ types.EventType, data any) error {
	evt, err := types.NewEvent(g.room, typ, data)
	if err != nil {
		return err
	}
	return g.sink(evt)
}

// fail reports err to the client and returns it wrapped.
func (g *generation) fail(msg string, cause error) error {
	if err := g.emit(types.EventTypeError, types.ErrorEvent{Error: msg}); err != nil {
		g.svc.logger.Debug("error event not delivered",
			slog.String("room", g.room),
			slog.String("error", err.Error()),
		)
	}
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrGenerationFailed, msg)
	}
	return fmt.Errorf("%w: %v", ErrGenerationFailed, cause)
}

func (g *generation) run(ctx context.Context) (*GenerationResult, error) {
	state, err := g.svc.store.Get(ctx, g.room)
	switch {
	case err == nil:
		g.previous = state
	case errors.Is(err, versionstore.ErrStateNotFound):
	default:
		return nil, err
	}

	if err := g.emit(types.EventTypeStreamStart, types.StreamStartEvent{RequestedBy: g.actor.ID}); err != nil {
		return nil, err
	}

	req := generator.Request{Prompt: g.prompt}
	if g.previous != nil {
		current := g.previous.Data.Clone()
		req.Current = &current
	}

	text, streamErr := g.stream(ctx, req)
	if errors.Is(streamErr, errSinkClosed) {
		return nil, streamErr
	}
	if streamErr != nil {
		g.svc.logger.Warn("generation stream failed",
			slog.String("room", g.room),
			slog.String("error", streamErr.Error()),
		)
		if ctx.Err() != nil {
			return nil, g.fail(ctx.Err().Error(), ctx.Err())
		}
	}

	if streamErr != nil || strings.TrimSpace(text) == "" {
		if g.previous == nil {
			msg := emptyResponseError
			if streamErr != nil {
				msg = streamErr.Error()
			}
			return nil, g.fail(msg, streamErr)
		}
		return g.complete(&GenerationResult{
			Outcome:  "degraded",
			Version:  g.previous.Version,
			Workflow: &g.previous.Data,
			Display:  degradedDisplay,
		}, true, nil)
	}

	return g.finish(ctx, text)
}

var errSinkClosed = errors.New("stream sink closed")

// stream relays model output to the sink and returns the full text.
func (g *generation) stream(ctx context.Context, req generator.Request) (string, error) {
	stream, err := g.svc.source.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	parser := streamparse.New()
	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return content.String(), nil
		}
		if err != nil {
			return content.String(), err
		}
		content.WriteString(chunk)

		if err := g.emit(types.EventTypeTextChunk, types.TextChunkEvent{Content: chunk}); err != nil {
			return "", fmt.Errorf("%w: %w", errSinkClosed, err)
		}
		found := parser.Feed(chunk)
		for _, n := range found.NewNodes {
			metrics.StreamElementsTotal.WithLabelValues("node").Inc()
			if err := g.emit(types.EventTypeNodeAdd, types.NodeAddEvent{Node: n}); err != nil {
				return "", fmt.Errorf("%w: %w", errSinkClosed, err)
			}
		}
		for _, e := range found.NewEdges {
			metrics.StreamElementsTotal.WithLabelValues("edge").Inc()
			if err := g.emit(types.EventTypeEdgeAdd, types.EdgeAddEvent{Edge: e}); err != nil {
				return "", fmt.Errorf("%w: %w", errSinkClosed, err)
			}
		}
	}
}

// finish extracts the workflow from the full answer and commits it.
func (g *generation) finish(ctx context.Context, text string) (*GenerationResult, error) {
	result := &GenerationResult{Outcome: "text_only", Display: text}
	if g.previous != nil {
		result.Version = g.previous.Version
	}

	ext, err := streamparse.ExtractWorkflow(text)
	switch {
	case err == nil:
		wf := ext.Graph
		result.Outcome = "committed"
		result.Workflow = &wf
		result.Display = ext.Display
		if ext.Repaired {
			g.svc.logger.Info("repaired truncated workflow document", slog.String("room", g.room))
		}
	case wantsWorkflow(g.prompt):
		wf := fallbackWorkflow()
		result.Outcome = "fallback"
		result.Workflow = &wf
		if strings.TrimSpace(text) == "" {
			result.Display = fallbackDisplay
		}
	}

	if result.Workflow == nil {
		return g.complete(result, false, nil)
	}

	validation := g.svc.validator.ValidateGraph(*result.Workflow)
	if !validation.Valid {
		g.svc.logger.Warn("generated workflow failed validation",
			slog.String("room", g.room),
			slog.Int("errors", len(validation.Errors)),
		)
		warnings := make([]string, 0, len(validation.Errors))
		for _, e := range validation.Errors {
			warnings = append(warnings, fmt.Sprintf("%s: %s", e.Path, e.Message))
		}
		result.Outcome = "text_only"
		result.Workflow = nil
		return g.complete(result, false, warnings)
	}
	var warnings []string
	for _, w := range validation.Warnings {
		warnings = append(warnings, w.Message)
	}

	state, err := g.svc.store.Ensure(ctx, g.room, *result.Workflow, g.actor.ID, generatedDescription)
	observeStore("ensure", err)
	if err != nil {
		return nil, g.fail("failed to save workflow", err)
	}
	result.Version = state.Version

	g.svc.logger.Info("generated workflow committed",
		slog.String("room", g.room),
		slog.String("user_id", g.actor.ID),
		slog.String("outcome", result.Outcome),
		slog.Int("version", state.Version),
		slog.Int("nodes", len(state.Data.Nodes)),
	)
	g.svc.broadcast(g.room, types.NewWorkflowMessage{
		Type:         types.MessageTypeNewWorkflow,
		ChatID:       g.room,
		Version:      state.Version,
		WorkflowData: state.Data,
		CreatedBy:    g.actor.ID,
	}, g.actor.ID)

	return g.complete(result, false, warnings)
}

// complete emits the closing events.
func (g *generation) complete(result *GenerationResult, degraded bool, warnings []string) (*GenerationResult, error) {
	if err := g.emit(types.EventTypeWorkflowComplete, types.WorkflowCompleteEvent{
		DisplayContent: result.Display,
		WorkflowData:   result.Workflow,
		Degraded:       degraded,
		Warnings:       warnings,
	}); err != nil {
		return nil, err
	}

	var version *int
	if result.Version > 0 {
		v := result.Version
		version = &v
	}
	if err := g.emit(types.EventTypeStreamEnd, types.StreamEndEvent{WorkflowVersion: version}); err != nil {
		return nil, err
	}
	return result, nil
}

func wantsWorkflow(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range workflowKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func fallbackWorkflow() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "1", Label: "Start", Type: graph.NodeStart},
			{ID: "2", Label: "Process request", Type: graph.NodeProcess},
			{ID: "3", Label: "Complete", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{From: "1", To: "2"},
			{From: "2", To: "3"},
		},
	}
}
