// Package pipeline implements the task execution state machine as workflow
// nodes: select → prep → implement → verify → merge → push →
// update_tasklist, looping back to select until no tasks remain. Failures
// route through error_inject/inject_task, which synthesize a remediation
// task and return control to selection.
package pipeline

import (
	"time"

	"github.com/devteamhq/runner/internal/container"
	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/executor"
	"github.com/devteamhq/runner/internal/repocache"
	"github.com/devteamhq/runner/internal/verifier"
)

// WorkflowName is the registry key for the automation workflow.
const WorkflowName = "devteam-automation"

// Node names. These are the externally visible execution states between
// queued/initializing and the terminal states.
const (
	NodeSelect         = "select"
	NodePrep           = "prep"
	NodeImplement      = "implement"
	NodeVerify         = "verify"
	NodeMerge          = "merge"
	NodePush           = "push"
	NodeUpdateTaskList = "update_tasklist"
	NodeErrorInject    = "error_inject"
	NodeInjectTask     = "inject_task"
)

// Timeouts configures per-node budgets.
type Timeouts struct {
	Prep      time.Duration
	Implement time.Duration
	Verify    time.Duration
}

// Deps carries the collaborators the nodes command.
type Deps struct {
	Cache      *repocache.Manager
	Containers container.Execer
	Executor   *executor.Executor
	Verifier   *verifier.Verifier
	Pusher     *Pusher
	Timeouts   Timeouts
}

// New builds the automation workflow.
func New(d Deps) *engine.Workflow {
	nodes := []engine.Node{
		&selectNode{d: d},
		&prepNode{d: d},
		&implementNode{d: d},
		&verifyNode{d: d},
		&mergeNode{d: d},
		&pushNode{d: d},
		&updateTaskListNode{d: d},
		&errorInjectNode{},
		&injectTaskNode{d: d},
	}
	byName := make(map[string]engine.Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name()] = n
	}
	return &engine.Workflow{
		Name:  WorkflowName,
		Start: NodeSelect,
		Nodes: byName,
		Edges: map[string]string{
			NodeSelect:         NodePrep,
			NodePrep:           NodeImplement,
			NodeImplement:      NodeVerify,
			NodeVerify:         NodeMerge,
			NodeMerge:          NodePush,
			NodePush:           NodeUpdateTaskList,
			NodeUpdateTaskList: NodeSelect,
			NodeErrorInject:    NodeInjectTask,
			NodeInjectTask:     NodeSelect,
		},
		ErrorNode: NodeErrorInject,
	}
}

// Register builds the workflow and adds it to the engine registry.
func Register(d Deps) *engine.Workflow {
	wf := New(d)
	engine.Register(wf)
	return wf
}
