package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devteamhq/runner/internal/runerr"
)

// Outcome tags a node result.
type Outcome int

// Node outcomes. Retryable failures route to the workflow's error node for
// remediation; fatal failures terminate the execution.
const (
	Success Outcome = iota
	Retryable
	Fatal
)

// Result is what a node returns. Next overrides the default edge; an empty
// Next on Success follows Workflow.Edges, and an empty Next at the end of
// the graph finishes the run.
type Result struct {
	Outcome   Outcome
	Next      string
	Err       *runerr.Error
	EventData map[string]any
	Artifacts map[string]any
}

// Node is a unit of work in a workflow.
type Node interface {
	Name() string
	// Timeout bounds one invocation; zero means no limit.
	Timeout() time.Duration
	Run(ctx context.Context, tc *Context) Result
}

// Workflow is a DAG expressed as data: default edges plus result-driven
// routing. Back edges (e.g. remediation looping to selection) are expressed
// by nodes setting Result.Next.
type Workflow struct {
	Name  string
	Start string
	Nodes map[string]Node
	Edges map[string]string // default next node on Success
	// ErrorNode receives control when a node fails without routing.
	ErrorNode string
}

// End is the sentinel Next value that finishes the workflow.
const End = "end"

// ErrStopped is returned when the gate reports a stop request.
var ErrStopped = errors.New("execution stopped")

// Gate is consulted at node boundaries. Wait blocks while the execution is
// paused and returns ErrStopped once a stop was requested.
type Gate interface {
	Wait(ctx context.Context) error
}

// nopGate never pauses.
type nopGate struct{}

func (nopGate) Wait(context.Context) error { return nil }

// Saver persists context snapshots.
type Saver interface {
	SaveContext(ctx context.Context, executionID uuid.UUID, data []byte) error
}

// Observer is notified after each node transition has been persisted.
type Observer interface {
	NodeFinished(tc *Context, node string, res Result)
}

// Engine drives workflows with a single-threaded per-execution scheduler.
type Engine struct {
	Saver    Saver
	Observer Observer
	Gate     Gate
}

// Run executes wf over tc until the graph ends, a fatal error occurs, or
// the gate stops the execution. The returned context reflects every
// persisted transition.
func (e *Engine) Run(ctx context.Context, wf *Workflow, tc *Context) error {
	gate := e.Gate
	if gate == nil {
		gate = nopGate{}
	}
	executionID, err := uuid.Parse(tc.Metadata.ExecutionID)
	if err != nil {
		return fmt.Errorf("invalid execution id %q: %w", tc.Metadata.ExecutionID, err)
	}

	cur := wf.Start
	for cur != "" {
		if err := gate.Wait(ctx); err != nil {
			return err
		}
		node, ok := wf.Nodes[cur]
		if !ok {
			return fmt.Errorf("workflow %s: unknown node %q", wf.Name, cur)
		}

		res := e.runNode(ctx, node, tc)

		ns := tc.Node(cur)
		ns.EventData = res.EventData
		ns.Artifacts = res.Artifacts
		if res.Outcome == Success {
			ns.Status = NodeSucceeded
		} else {
			ns.Status = NodeFailed
			if res.Err != nil {
				tc.Log("error", cur, res.Err.Error())
				tc.LastFailure = &Failure{
					Node:    cur,
					Kind:    string(res.Err.Kind),
					Stage:   res.Err.Stage,
					Summary: res.Err.Summary,
				}
			}
		}

		if err := e.persist(ctx, executionID, tc); err != nil {
			return fmt.Errorf("persist context after %s: %w", cur, err)
		}
		if e.Observer != nil {
			e.Observer.NodeFinished(tc, cur, res)
		}

		switch res.Outcome {
		case Success:
			if res.Next != "" {
				cur = res.Next
			} else {
				cur = wf.Edges[cur]
			}
		case Retryable:
			// Recovery is via the error node, not silent retry.
			if res.Next != "" {
				cur = res.Next
			} else {
				cur = wf.ErrorNode
			}
			if cur == "" {
				return res.Err
			}
		case Fatal:
			return res.Err
		}
		if cur == End {
			cur = ""
		}
	}
	return nil
}

// runNode invokes the node under its timeout, converting a deadline
// overrun into a tagged timeout failure.
func (e *Engine) runNode(ctx context.Context, node Node, tc *Context) Result {
	nodeCtx := ctx
	var cancel context.CancelFunc
	if d := node.Timeout(); d > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	start := time.Now()
	res := node.Run(nodeCtx, tc)
	elapsed := time.Since(start)

	if nodeCtx.Err() != nil && ctx.Err() == nil && res.Outcome != Success {
		res.Outcome = Retryable
		res.Err = runerr.New(runerr.KindTimeout, node.Name(), nodeCtx.Err()).
			WithSummary("%s exceeded its %s budget", node.Name(), node.Timeout())
	}
	slog.Debug("node finished",
		"executionId", tc.Metadata.ExecutionID,
		"node", node.Name(),
		"outcome", res.Outcome,
		"duration", elapsed.Round(time.Millisecond))
	return res
}

func (e *Engine) persist(ctx context.Context, executionID uuid.UUID, tc *Context) error {
	if e.Saver == nil {
		return nil
	}
	data, err := tc.Marshal()
	if err != nil {
		return err
	}
	// Persist even when the run is being cancelled.
	return e.Saver.SaveContext(context.WithoutCancel(ctx), executionID, data)
}
