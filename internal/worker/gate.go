package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/store"
)

// stopGrace is how long a stopped execution's current node may keep running
// before its context is cancelled.
const stopGrace = 5 * time.Second

// Gate is the pause/stop flag for one running execution. The engine consults
// it at node boundaries; Stop additionally cancels the run context after a
// short grace so in-container work terminates.
type Gate struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	paused  bool
	stopped bool
	changed chan struct{}
}

func newGate(cancel context.CancelFunc) *Gate {
	return &Gate{cancel: cancel, changed: make(chan struct{})}
}

// Wait blocks while paused and returns engine.ErrStopped once stopped.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return engine.ErrStopped
		}
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (g *Gate) pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *Gate) resume() {
	g.mu.Lock()
	g.paused = false
	g.wake()
	g.mu.Unlock()
}

func (g *Gate) stop() {
	g.mu.Lock()
	g.stopped = true
	g.wake()
	g.mu.Unlock()
	// Give the current node a chance to reach the boundary, then cut it off.
	time.AfterFunc(stopGrace, g.cancel)
}

// wake is called with g.mu held.
func (g *Gate) wake() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Controller validates and applies lifecycle transitions against the store
// and relays them to the live execution's gate.
type Controller struct {
	store *store.Store

	mu    sync.Mutex
	gates map[string]*Gate // projectID -> gate of the running execution
}

// NewController creates a Controller.
func NewController(st *store.Store) *Controller {
	return &Controller{store: st, gates: make(map[string]*Gate)}
}

func (c *Controller) register(projectID string, g *Gate) {
	c.mu.Lock()
	c.gates[projectID] = g
	c.mu.Unlock()
}

func (c *Controller) unregister(projectID string) {
	c.mu.Lock()
	delete(c.gates, projectID)
	c.mu.Unlock()
}

func (c *Controller) gate(projectID string) *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gates[projectID]
}

// Pause transitions initializing/running to paused.
func (c *Controller) Pause(ctx context.Context, projectID string) error {
	ex, err := c.store.LiveExecution(ctx, projectID)
	if err != nil {
		return err
	}
	switch ex.Status {
	case store.StatusInitializing, store.StatusRunning:
	default:
		return fmt.Errorf("%w: cannot pause from %s", store.ErrIllegalTransition, ex.Status)
	}
	if err := c.store.UpdateExecutionStatus(ctx, ex.ExecutionID, store.StatusPaused); err != nil {
		return err
	}
	if g := c.gate(projectID); g != nil {
		g.pause()
	}
	return nil
}

// Resume transitions paused back to running.
func (c *Controller) Resume(ctx context.Context, projectID string) error {
	ex, err := c.store.LiveExecution(ctx, projectID)
	if err != nil {
		return err
	}
	if ex.Status != store.StatusPaused {
		return fmt.Errorf("%w: cannot resume from %s", store.ErrIllegalTransition, ex.Status)
	}
	if err := c.store.UpdateExecutionStatus(ctx, ex.ExecutionID, store.StatusRunning); err != nil {
		return err
	}
	if g := c.gate(projectID); g != nil {
		g.resume()
	}
	return nil
}

// Stop terminates any live execution. Queued executions are stopped directly
// in the store; running ones are stopped through their gate.
func (c *Controller) Stop(ctx context.Context, projectID string) error {
	ex, err := c.store.LiveExecution(ctx, projectID)
	if err != nil {
		return err
	}
	if err := c.store.UpdateExecutionStatus(ctx, ex.ExecutionID, store.StatusStopped); err != nil {
		return err
	}
	if g := c.gate(projectID); g != nil {
		g.stop()
	}
	return nil
}

// StatusOf returns the live execution id and status for tests and handlers
// that need a quick look without deriving the whole projection.
func (c *Controller) StatusOf(ctx context.Context, projectID string) (uuid.UUID, store.ExecStatus, error) {
	ex, err := c.store.LiveExecution(ctx, projectID)
	if err != nil {
		return uuid.Nil, "", err
	}
	return ex.ExecutionID, ex.Status, nil
}
