package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/projection"
	"github.com/devteamhq/runner/internal/queue"
	"github.com/devteamhq/runner/internal/server/dto"
	"github.com/devteamhq/runner/internal/store"
)

// handleEvent is POST /events: persist the event, honoring the idempotency
// window, and enqueue work for automation events.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	req := &dto.EventRequest{}
	if !readAndDecodeBody(w, r, req) {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, dto.Internal("failed to encode event payload").Wrap(err))
		return
	}
	ev := &store.Event{
		ProjectID:     req.ProjectID,
		Type:          req.Type,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	}
	if req.IdempotencyKey != "" {
		ev.IdempotencyKey = &req.IdempotencyKey
	}
	stored, replayed, err := s.store.AppendEvent(r.Context(), ev)
	if err != nil {
		writeError(w, dto.Internal("failed to store event").Wrap(err))
		return
	}

	if !replayed && req.Type == dto.EventTypeAutomation {
		ex := &store.Execution{ProjectID: req.ProjectID, EventID: stored.ID}
		if err := s.store.CreateExecution(r.Context(), ex); err != nil {
			if errors.Is(err, store.ErrLiveExecution) {
				writeError(w, dto.Conflict("a live execution already exists for "+req.ProjectID))
				return
			}
			writeError(w, dto.Internal("failed to create execution").Wrap(err))
			return
		}
		if err := s.queue.Enqueue(r.Context(), queue.Message{
			EventID:       stored.ID,
			ProjectID:     req.ProjectID,
			CorrelationID: req.CorrelationID,
		}); err != nil {
			writeError(w, dto.Internal("failed to enqueue event").Wrap(err))
			return
		}
	}

	resp := &dto.EventAccepted{
		EventID:   stored.ID.String(),
		Status:    "accepted",
		EventType: req.Type,
	}
	if req.Task != nil {
		resp.TaskID = req.Task.ID
	}
	writeJSON(w, http.StatusAccepted, resp, nil)
}

// handleInitialize is POST /api/devteam/automation/initialize. Replays within
// the idempotency window return the original execution and event identifiers.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	req := &dto.InitializeRequest{}
	if !readAndDecodeBody(w, r, req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, dto.Internal("failed to encode event payload").Wrap(err))
		return
	}
	ev := &store.Event{
		ProjectID:     req.ProjectID,
		Type:          dto.EventTypeAutomation,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		ev.IdempotencyKey = &key
	}
	stored, replayed, err := s.store.AppendEvent(r.Context(), ev)
	if err != nil {
		writeError(w, dto.Internal("failed to store event").Wrap(err))
		return
	}

	if replayed {
		ex, err := s.store.ExecutionByEvent(r.Context(), stored.ID)
		if err != nil {
			writeError(w, dto.Internal("replayed event has no execution").Wrap(err))
			return
		}
		writeJSON(w, http.StatusAccepted, &dto.InitializeAccepted{
			ExecutionID: ex.ExecutionID.String(),
			EventID:     stored.ID.String(),
		}, nil)
		return
	}

	ex := &store.Execution{ProjectID: req.ProjectID, EventID: stored.ID}
	if err := s.store.CreateExecution(r.Context(), ex); err != nil {
		if errors.Is(err, store.ErrLiveExecution) {
			writeError(w, dto.Conflict("a live execution already exists for "+req.ProjectID))
			return
		}
		writeError(w, dto.Internal("failed to create execution").Wrap(err))
		return
	}
	if err := s.queue.Enqueue(r.Context(), queue.Message{
		EventID:       stored.ID,
		ProjectID:     req.ProjectID,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		writeError(w, dto.Internal("failed to enqueue event").Wrap(err))
		return
	}
	writeJSON(w, http.StatusAccepted, &dto.InitializeAccepted{
		ExecutionID: ex.ExecutionID.String(),
		EventID:     stored.ID.String(),
	}, nil)
}

// projectReq binds the {owner}/{repo} path pair.
type projectReq struct {
	Owner string `path:"owner"`
	Repo  string `path:"repo"`
}

func (r *projectReq) Validate() error {
	if r.Owner == "" || r.Repo == "" {
		return dto.BadRequest("project id is required")
	}
	return nil
}

func (r *projectReq) projectID() string {
	return r.Owner + "/" + r.Repo
}

// status derives the projection for the live execution, falling back to the
// most recent one.
func (s *Server) status(ctx context.Context, req *projectReq) (*projection.Status, error) {
	projectID := req.projectID()
	ex, err := s.store.LiveExecution(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		ex, err = s.store.LatestExecution(ctx, projectID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, dto.NotFound("execution for " + projectID)
	}
	if err != nil {
		return nil, dto.Internal("failed to load execution").Wrap(err)
	}

	data, snapshotAt, err := s.store.LoadContext(ctx, ex.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return projection.Derive(ex, nil), nil
	}
	if err != nil {
		return nil, dto.Internal("failed to load task context").Wrap(err)
	}
	if cached, ok := s.cache.Get(projectID, ex.ExecutionID.String(), snapshotAt); ok {
		// Refresh the status field: lifecycle transitions do not rewrite
		// the context snapshot.
		refreshed := *cached
		refreshed.Status = string(ex.Status)
		return &refreshed, nil
	}
	tc, err := engine.Unmarshal(data)
	if err != nil {
		return nil, dto.Internal("failed to decode task context").Wrap(err)
	}
	st := projection.Derive(ex, tc)
	s.cache.Put(projectID, ex.ExecutionID.String(), snapshotAt, st)
	return st, nil
}

func (s *Server) pause(ctx context.Context, req *projectReq) (*dto.TransitionResponse, error) {
	if err := s.transition(ctx, req.projectID(), s.controller.Pause); err != nil {
		return nil, err
	}
	return &dto.TransitionResponse{Status: "paused"}, nil
}

func (s *Server) resume(ctx context.Context, req *projectReq) (*dto.TransitionResponse, error) {
	if err := s.transition(ctx, req.projectID(), s.controller.Resume); err != nil {
		return nil, err
	}
	return &dto.TransitionResponse{Status: "running"}, nil
}

func (s *Server) stop(ctx context.Context, req *projectReq) (*dto.TransitionResponse, error) {
	if err := s.transition(ctx, req.projectID(), s.controller.Stop); err != nil {
		return nil, err
	}
	return &dto.TransitionResponse{Status: "stopped"}, nil
}

func (s *Server) transition(ctx context.Context, projectID string, fn func(context.Context, string) error) error {
	err := fn(ctx, projectID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return dto.NotFound("live execution for " + projectID)
	case errors.Is(err, store.ErrIllegalTransition):
		return dto.Conflict(err.Error())
	default:
		return dto.Internal("transition failed").Wrap(err)
	}
}
