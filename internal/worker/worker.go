// Package worker consumes queued events and drives executions through the
// automation workflow. Delivery is at-least-once: the queue entry is
// acknowledged once the initial task-context snapshot is persisted, and a
// redelivered event whose execution is live resumes from that snapshot.
// Executions that were live at shutdown are re-enqueued on the next start.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/devteamhq/runner/internal/container"
	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/queue"
	"github.com/devteamhq/runner/internal/repocache"
	"github.com/devteamhq/runner/internal/store"
	"github.com/devteamhq/runner/internal/ws"
)

// Worker runs executions.
type Worker struct {
	Store      *store.Store
	Queue      *queue.Queue
	Cache      *repocache.Manager
	Containers container.Execer
	Hub        *ws.Hub
	Controller *Controller

	// Workflow is the registered workflow name events run by default; an
	// event payload may name another one. Unknown names fail the event.
	Workflow string

	// Sem caps concurrently running executions across all projects.
	Sem *semaphore.Weighted

	// LogDir receives per-execution JSONL log artifacts; empty disables.
	LogDir string

	mu       sync.Mutex
	inflight map[string]bool // executionID
	wg       sync.WaitGroup
}

// Run consumes the queue until ctx is cancelled, then waits for in-flight
// executions to reach a boundary.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.inflight == nil {
		w.inflight = make(map[string]bool)
	}
	w.mu.Unlock()
	if err := w.requeueLive(ctx); err != nil {
		slog.Warn("requeue of live executions failed", "err", err)
	}
	err := w.Queue.Consume(ctx, w.handle)
	w.wg.Wait()
	return err
}

// requeueLive re-enqueues the events of executions that were live when the
// previous process exited, so they resume from their persisted context. The
// queue entries for them were acknowledged on first delivery.
func (w *Worker) requeueLive(ctx context.Context) error {
	exs, err := w.Store.LiveExecutions(ctx)
	if err != nil {
		return err
	}
	for _, ex := range exs {
		if err := w.Queue.Enqueue(ctx, queue.Message{
			EventID:   ex.EventID,
			ProjectID: ex.ProjectID,
		}); err != nil {
			return err
		}
		slog.Info("requeued live execution", "executionId", ex.ExecutionID, "projectId", ex.ProjectID)
	}
	return nil
}

// handle processes one delivery: it resolves the event and execution,
// persists the initial task-context snapshot, and acknowledges by returning
// nil. The execution itself runs in a tracked goroutine. A crash before the
// acknowledgement leaves the entry pending for redelivery; a crash after it
// is recovered by requeueLive on the next start.
func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	ev, err := w.Store.GetEvent(ctx, msg.EventID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("dropping delivery for unknown event", "eventId", msg.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event %s: %w", msg.EventID, err)
	}

	ex, err := w.Store.ExecutionByEvent(ctx, msg.EventID)
	if errors.Is(err, store.ErrNotFound) {
		// Placeholder events and the like persist without an execution.
		slog.Debug("event has no execution, acknowledging", "eventId", msg.EventID, "type", ev.Type)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution for event %s: %w", msg.EventID, err)
	}
	if !ex.Status.Live() {
		slog.Debug("execution already terminal", "executionId", ex.ExecutionID, "status", ex.Status)
		return nil
	}

	var payload eventPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("undecodable event payload", "eventId", ev.ID, "err", err)
		}
	}
	wf, err := engine.Lookup(payload.workflow(w.Workflow))
	if err != nil {
		// An unknown workflow can never succeed; fail the event fast.
		return w.finish(ctx, ex, store.StatusError, err)
	}

	id := ex.ExecutionID.String()
	w.mu.Lock()
	if w.inflight[id] {
		w.mu.Unlock()
		return fmt.Errorf("execution %s already in flight", id)
	}
	w.inflight[id] = true
	w.mu.Unlock()

	// A redelivered live execution resumes from its persisted context.
	tc, err := w.loadOrCreateContext(ctx, ev, ex, w.Cache.Path(ex.ProjectID))
	if err != nil {
		w.clearInflight(id)
		return err
	}
	data, err := tc.Marshal()
	if err != nil {
		w.clearInflight(id)
		return err
	}
	if err := w.Store.SaveContext(ctx, ex.ExecutionID, data); err != nil {
		w.clearInflight(id)
		return fmt.Errorf("persist initial context for %s: %w", ex.ExecutionID, err)
	}

	w.wg.Add(1)
	go w.execute(ctx, wf, payload, ex, tc)
	// The initial snapshot is durable; acknowledge the delivery.
	return nil
}

// eventPayload is the subset of the event payload the worker needs.
type eventPayload struct {
	RepoURL      string `json:"repoUrl"`
	RepoURLSnake string `json:"repo_url"`
	Workflow     string `json:"workflow"`
}

func (p eventPayload) repoURL() string {
	if p.RepoURL != "" {
		return p.RepoURL
	}
	return p.RepoURLSnake
}

func (p eventPayload) workflow(def string) string {
	if p.Workflow != "" {
		return p.Workflow
	}
	return def
}

// execute drives one execution to completion. ctx is the service context:
// its cancellation means shutdown, which leaves the execution live so the
// next start resumes it.
func (w *Worker) execute(ctx context.Context, wf *engine.Workflow, payload eventPayload, ex *store.Execution, tc *engine.Context) {
	defer w.wg.Done()
	defer w.clearInflight(ex.ExecutionID.String())

	// Queued executions wait here for a global slot.
	if err := w.Sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.Sem.Release(1)
	executionsStarted.Inc()
	executionsRunning.Inc()
	defer executionsRunning.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	gate := newGate(cancel)
	w.Controller.register(ex.ProjectID, gate)
	defer w.Controller.unregister(ex.ProjectID)

	if err := w.setStatus(ctx, ex, store.StatusInitializing); err != nil {
		if errors.Is(err, engine.ErrStopped) {
			_ = w.finish(ctx, ex, store.StatusStopped, nil)
		}
		return
	}
	// A pause or stop may have landed before the gate existed.
	w.syncGate(ctx, ex, gate)

	repoPath, err := w.Cache.Ensure(ctx, ex.ProjectID, payload.repoURL())
	if err != nil {
		if ctx.Err() != nil {
			return // shutdown mid-bootstrap; resumed on the next start
		}
		_ = w.finish(ctx, ex, store.StatusError, err)
		return
	}
	tc.Metadata.RepoPath = repoPath
	if _, err := w.Containers.Ensure(ctx, ex.ProjectID); err != nil {
		if ctx.Err() != nil {
			return
		}
		_ = w.finish(ctx, ex, store.StatusError, err)
		return
	}

	if err := w.setStatus(ctx, ex, store.StatusRunning); err != nil {
		if errors.Is(err, engine.ErrStopped) {
			_ = w.finish(ctx, ex, store.StatusStopped, nil)
		}
		return
	}

	eng := &engine.Engine{
		Saver:    w.Store,
		Observer: newBroadcaster(w.Hub, w.LogDir, ex.ExecutionID.String()),
		Gate:     gate,
	}
	runErr := eng.Run(runCtx, wf, tc)
	status, terminal := runOutcome(runErr, gateStopped(gate), ctx.Err() != nil)
	if !terminal {
		slog.Info("execution interrupted by shutdown, left live for resume",
			"executionId", ex.ExecutionID, "projectId", ex.ProjectID)
		return
	}
	if status != store.StatusError {
		runErr = nil
	}
	_ = w.finish(ctx, ex, status, runErr)
}

// runOutcome classifies the engine result. terminal=false means the
// execution stays live (the service is shutting down mid-run) and is
// resumed on the next start.
func runOutcome(runErr error, stopped, shutdown bool) (store.ExecStatus, bool) {
	switch {
	case runErr == nil:
		return store.StatusDone, true
	case errors.Is(runErr, engine.ErrStopped):
		return store.StatusStopped, true
	case errors.Is(runErr, context.Canceled) && stopped:
		return store.StatusStopped, true
	case errors.Is(runErr, context.Canceled) && shutdown:
		return "", false
	default:
		return store.StatusError, true
	}
}

func gateStopped(g *Gate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

func (w *Worker) clearInflight(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

// syncGate applies a pause or stop that raced the gate registration.
func (w *Worker) syncGate(ctx context.Context, ex *store.Execution, g *Gate) {
	cur, err := w.Store.GetExecution(ctx, ex.ExecutionID)
	if err != nil {
		return
	}
	switch {
	case cur.Status == store.StatusPaused:
		g.pause()
	case !cur.Status.Live():
		g.stop()
	}
}

func (w *Worker) loadOrCreateContext(ctx context.Context, ev *store.Event, ex *store.Execution, repoPath string) (*engine.Context, error) {
	data, _, err := w.Store.LoadContext(ctx, ex.ExecutionID)
	if err == nil {
		tc, uerr := engine.Unmarshal(data)
		if uerr == nil {
			slog.Info("resuming execution from persisted context",
				"executionId", ex.ExecutionID, "projectId", ex.ProjectID)
			tc.Metadata.RepoPath = repoPath
			return tc, nil
		}
		slog.Warn("persisted context undecodable, starting fresh", "executionId", ex.ExecutionID, "err", uerr)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var payload eventPayload
	_ = json.Unmarshal(ev.Payload, &payload)
	return engine.NewContext(engine.Metadata{
		ProjectID:     ex.ProjectID,
		ExecutionID:   ex.ExecutionID.String(),
		CorrelationID: ev.CorrelationID,
		RepoPath:      repoPath,
		RepoURL:       payload.repoURL(),
	}), nil
}

// setStatus updates the store unless a lifecycle transition (pause, stop)
// got there first, and broadcasts the change.
func (w *Worker) setStatus(ctx context.Context, ex *store.Execution, status store.ExecStatus) error {
	cur, err := w.Store.GetExecution(ctx, ex.ExecutionID)
	if err != nil {
		return err
	}
	if !cur.Status.Live() {
		return engine.ErrStopped
	}
	if cur.Status == store.StatusPaused && status == store.StatusRunning {
		// Paused before the workflow started; the gate handles the wait.
		return nil
	}
	if err := w.Store.UpdateExecutionStatus(ctx, ex.ExecutionID, status); err != nil {
		return err
	}
	if w.Hub != nil {
		w.Hub.BroadcastUpdate(ex.ProjectID, ws.UpdatePayload{State: string(status)})
	}
	return nil
}

// finish records the terminal state and emits the completion frame. runErr
// is the execution's outcome, not a delivery failure.
func (w *Worker) finish(ctx context.Context, ex *store.Execution, status store.ExecStatus, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	if err := w.Store.UpdateExecutionStatus(ctx, ex.ExecutionID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to record terminal status", "executionId", ex.ExecutionID, "status", status, "err", err)
	}
	result := map[store.ExecStatus]string{
		store.StatusDone:    "done",
		store.StatusStopped: "stopped",
		store.StatusError:   "error",
	}[status]
	executionsFinished.WithLabelValues(result).Inc()
	if runErr != nil {
		slog.Error("execution failed", "executionId", ex.ExecutionID, "projectId", ex.ProjectID, "err", runErr)
	} else {
		slog.Info("execution finished", "executionId", ex.ExecutionID, "projectId", ex.ProjectID, "result", result)
	}
	if w.Hub != nil {
		w.Hub.BroadcastCompletion(ex.ProjectID, ws.CompletionPayload{Result: result})
	}
	return nil
}
