package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/resolver"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/roomlock"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/versionstore"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

// OperationResult is the outcome of a submitted batch. On conflict Version
// is the room's current pointer and Data the live workflow.
type OperationResult struct {
	Status    resolver.Status     `json:"status"`
	Version   int                 `json:"version"`
	Data      graph.Graph         `json:"data"`
	Conflicts []resolver.Conflict `json:"conflicts"`
}

// SubmitOperations resolves a batch based on baseVersion against the room's
// workflow and commits it when it applies or merges. Conflicts are a normal
// result, not an error.
func (s *Service) SubmitOperations(ctx context.Context, room string, actor *auth.Identity, baseVersion int, ops []graph.Operation) (*OperationResult, error) {
	if !actor.CanEdit(room) {
		return nil, ErrAccessDenied
	}
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}

	ctx, span := tracing.Tracer().Start(ctx, "collab.SubmitOperations", trace.WithAttributes(
		attribute.String("room", room),
		attribute.Int("base_version", baseVersion),
		attribute.Int("operations", len(ops)),
	))
	defer span.End()

	s.observeOperations(room, actor, ops)

	payload, err := graph.MarshalOperations(ops)
	if err != nil {
		return nil, fmt.Errorf("encode operations: %w", err)
	}

	lease, err := s.coordinator.Acquire(ctx, room, holder(actor), roomlock.Silent())
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	for attempt := 0; ; attempt++ {
		result, err := s.submitOnce(ctx, room, actor, baseVersion, ops, payload)
		if errors.Is(err, versionstore.ErrVersionMismatch) && attempt < s.maxRetries {
			metrics.CommitRetries.Inc()
			s.logger.Debug("version moved during commit, resolving again",
				slog.String("room", room),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			metrics.OperationBatchesTotal.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		metrics.OperationBatchesTotal.WithLabelValues(string(result.Status)).Inc()
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int("version", result.Version),
		)
		return result, nil
	}
}

func (s *Service) submitOnce(ctx context.Context, room string, actor *auth.Identity, baseVersion int, ops []graph.Operation, payload json.RawMessage) (*OperationResult, error) {
	state, err := s.store.Get(ctx, room)
	if err != nil {
		return nil, err
	}

	var log []json.RawMessage
	if baseVersion != state.Version {
		records, err := s.store.OperationsSince(ctx, room, baseVersion, state.Version)
		if err != nil {
			return nil, fmt.Errorf("load operation log: %w", err)
		}
		log = make([]json.RawMessage, 0, len(records))
		for _, rec := range records {
			log = append(log, rec.Operations)
		}
	}

	_, resolveSpan := tracing.Tracer().Start(ctx, "resolver.Resolve")
	res := resolver.Resolve(resolver.Input{
		CurrentData:    state.Data,
		CurrentVersion: state.Version,
		BaseVersion:    baseVersion,
		Incoming:       ops,
		Log:            log,
	})
	resolveSpan.SetAttributes(attribute.String("status", string(res.Status)))
	resolveSpan.End()

	if res.Status == resolver.StatusConflict {
		for _, c := range res.Conflicts {
			metrics.ConflictsTotal.WithLabelValues(string(c.Kind)).Inc()
		}
		s.logger.Info("operation batch conflicts",
			slog.String("room", room),
			slog.String("user_id", actor.ID),
			slog.Int("base_version", baseVersion),
			slog.Int("current_version", state.Version),
			slog.Int("conflicts", len(res.Conflicts)),
		)
		return &OperationResult{
			Status:    resolver.StatusConflict,
			Version:   state.CurrentVersion,
			Data:      state.Data,
			Conflicts: res.Conflicts,
		}, nil
	}

	kinds := graph.DescribeKinds(ops)
	commitCtx, commitSpan := tracing.Tracer().Start(ctx, "versionstore.Commit")
	committed, record, err := s.store.Commit(commitCtx, room, &versionstore.CommitRequest{
		BaseVersion: baseVersion,
		NewVersion:  res.Version,
		Data:        res.Data,
		Editor:      actor.ID,
		Description: fmt.Sprintf("%s: %s", actor.Name, kinds),
		OpType:      kinds,
		Operations:  payload,
		Status:      string(res.Status),
	})
	if err != nil {
		commitSpan.RecordError(err)
	}
	commitSpan.End()
	observeStore("commit", err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("operation batch committed",
		slog.String("room", room),
		slog.String("user_id", actor.ID),
		slog.String("status", string(res.Status)),
		slog.String("record_id", record.ID),
		slog.Int("version", committed.Version),
	)
	s.broadcast(room, types.WorkflowOpMessage{
		Type:              types.MessageTypeWorkflowOp,
		ChatID:            room,
		Version:           committed.Version,
		Data:              committed.Data,
		Operations:        payload,
		AppliedBy:         actor.ID,
		AppliedByUsername: actor.Name,
		Status:            string(res.Status),
	}, actor.ID)

	return &OperationResult{
		Status:    res.Status,
		Version:   committed.Version,
		Data:      committed.Data,
		Conflicts: []resolver.Conflict{},
	}, nil
}

func (s *Service) observeOperations(room string, actor *auth.Identity, ops []graph.Operation) {
	for _, op := range ops {
		metrics.OperationsTotal.WithLabelValues(string(op.Kind())).Inc()
		if op.Malformed() {
			metrics.MalformedOperationsTotal.Inc()
			s.logger.Warn("malformed operation applies as no-op",
				slog.String("room", room),
				slog.String("user_id", actor.ID),
				slog.String("op_type", string(op.Kind())),
			)
		}
	}
}
