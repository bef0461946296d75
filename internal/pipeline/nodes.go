package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/gitutil"
	"github.com/devteamhq/runner/internal/logging"
	"github.com/devteamhq/runner/internal/runerr"
	"github.com/devteamhq/runner/internal/tasklist"
)

// loadList reads and parses the task list from the working tree.
func loadList(repoPath string) (*tasklist.List, *runerr.Error) {
	data, err := os.ReadFile(filepath.Join(repoPath, tasklist.FileName)) //nolint:gosec // path is the managed cache dir.
	if err != nil {
		return nil, runerr.New(runerr.KindInternal, NodeSelect, fmt.Errorf("read task list: %w", err))
	}
	return tasklist.Parse(data), nil
}

// writeList writes the canonical task list back to the working tree.
func writeList(repoPath string, l *tasklist.List) error {
	return os.WriteFile(filepath.Join(repoPath, tasklist.FileName), l.Canonical(), 0o644) //nolint:gosec // task list is repo content.
}

// selectNode picks the lowest-numbered unfinished task whose dependencies
// are complete. No eligible task ends the workflow.
type selectNode struct{ d Deps }

func (n *selectNode) Name() string           { return NodeSelect }
func (n *selectNode) Timeout() time.Duration { return 10 * time.Second }

func (n *selectNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	l, rerr := loadList(tc.Metadata.RepoPath)
	if rerr != nil {
		return engine.Result{Outcome: engine.Retryable, Err: rerr}
	}
	for _, w := range l.Warnings {
		tc.Log("warn", NodeSelect, w)
	}
	completed, total := l.Totals()
	tc.Metadata.CompletedTasks = completed
	tc.Metadata.TotalTasks = total

	t := l.Select()
	if t == nil {
		tc.Metadata.TaskID = ""
		if l.Remaining() {
			// Unfinished tasks exist but every one is blocked.
			return engine.Result{
				Outcome: engine.Fatal,
				Err: runerr.Fatal(runerr.KindInternal, NodeSelect,
					fmt.Errorf("no eligible task: %d remaining but all blocked by dependencies", total-completed)),
			}
		}
		slog.Info("no tasks remain", "executionId", tc.Metadata.ExecutionID)
		return engine.Result{Outcome: engine.Success, Next: engine.End}
	}

	tc.Metadata.TaskID = t.ID
	slog.Info("task selected", "projectId", tc.Metadata.ProjectID, "taskId", t.ID, "title", t.Title)
	return engine.Result{
		Outcome: engine.Success,
		EventData: map[string]any{
			"taskId": t.ID,
			"title":  t.Title,
		},
	}
}

// prepNode validates container health and checks out the task branch.
// Repo and container bootstrap happen before the workflow starts, so the
// warm path fits the 2 s budget.
type prepNode struct{ d Deps }

func (n *prepNode) Name() string           { return NodePrep }
func (n *prepNode) Timeout() time.Duration { return n.d.Timeouts.Prep }

func (n *prepNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	if _, err := n.d.Containers.Ensure(ctx, tc.Metadata.ProjectID); err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.As(err, NodePrep)}
	}

	l, rerr := loadList(tc.Metadata.RepoPath)
	if rerr != nil {
		return engine.Result{Outcome: engine.Retryable, Err: rerr}
	}
	t := l.Get(tc.Metadata.TaskID)
	if t == nil {
		return engine.Result{Outcome: engine.Retryable,
			Err: runerr.Newf(runerr.KindInternal, NodePrep, "selected task %s vanished from task list", tc.Metadata.TaskID)}
	}
	branch, err := n.d.Cache.CheckoutTaskBranch(ctx, tc.Metadata.ProjectID, t.ID, t.Title)
	if err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.As(err, NodePrep)}
	}
	tc.Metadata.Branch = branch
	return engine.Result{
		Outcome:   engine.Success,
		EventData: map[string]any{"branch": branch},
	}
}

// implementNode runs the code-change tool for the selected task.
type implementNode struct{ d Deps }

func (n *implementNode) Name() string           { return NodeImplement }
func (n *implementNode) Timeout() time.Duration { return n.d.Timeouts.Implement }

func (n *implementNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	l, rerr := loadList(tc.Metadata.RepoPath)
	if rerr != nil {
		return engine.Result{Outcome: engine.Retryable, Err: rerr}
	}
	t := l.Get(tc.Metadata.TaskID)
	if t == nil {
		return engine.Result{Outcome: engine.Retryable,
			Err: runerr.Newf(runerr.KindInternal, NodeImplement, "task %s not in task list", tc.Metadata.TaskID)}
	}

	art, xerr := n.d.Executor.Run(ctx, tc.Metadata.ProjectID, t, tc.Metadata.RepoPath)
	artifacts := map[string]any{"execution": art}
	if xerr != nil {
		outcome := engine.Retryable
		if xerr.Fatal {
			outcome = engine.Fatal
		}
		return engine.Result{Outcome: outcome, Err: xerr, Artifacts: artifacts}
	}
	tc.AddModifiedFiles(art.FilesModified)
	for _, w := range art.Warnings {
		tc.Log("warn", NodeImplement, logging.Redact(w))
	}
	return engine.Result{
		Outcome:   engine.Success,
		Artifacts: artifacts,
		EventData: map[string]any{
			"commitHash":    art.CommitHash,
			"filesModified": art.FilesModified,
		},
	}
}

// verifyNode runs the build sequence. Retries happen inside the verifier;
// a second failure escalates for remediation.
type verifyNode struct{ d Deps }

func (n *verifyNode) Name() string           { return NodeVerify }
func (n *verifyNode) Timeout() time.Duration { return n.d.Timeouts.Verify }

func (n *verifyNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	rep, verr := n.d.Verifier.Run(ctx, tc.Metadata.ProjectID, tc.Metadata.RepoPath)
	artifacts := map[string]any{"verification": rep}
	if verr != nil {
		return engine.Result{Outcome: engine.Retryable, Err: verr, Artifacts: artifacts}
	}
	for _, w := range rep.Warnings {
		tc.Log("warn", NodeVerify, w)
	}
	return engine.Result{
		Outcome:   engine.Success,
		Artifacts: artifacts,
		EventData: map[string]any{"passed": rep.Passed, "skipReason": rep.SkipReason},
	}
}

// mergeNode merges the task branch into the default branch, fast-forwarding
// when possible. Conflicts are never resolved automatically.
type mergeNode struct{ d Deps }

func (n *mergeNode) Name() string           { return NodeMerge }
func (n *mergeNode) Timeout() time.Duration { return 30 * time.Second }

func (n *mergeNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	dir := tc.Metadata.RepoPath
	base, err := gitutil.DefaultBranch(ctx, dir)
	if err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.New(runerr.KindInternal, NodeMerge, err)}
	}
	if err := gitutil.Checkout(ctx, dir, base); err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.New(runerr.KindRepoCheckout, NodeMerge, err)}
	}
	msg := fmt.Sprintf("Merge %s (task %s)", tc.Metadata.Branch, tc.Metadata.TaskID)
	if err := gitutil.Merge(ctx, dir, tc.Metadata.Branch, msg); err != nil {
		if errors.Is(err, gitutil.ErrConflict) {
			return engine.Result{Outcome: engine.Retryable,
				Err: runerr.New(runerr.KindMergeConflict, NodeMerge, err).
					WithSummary("merge of %s into %s conflicted", tc.Metadata.Branch, base)}
		}
		return engine.Result{Outcome: engine.Retryable, Err: runerr.New(runerr.KindInternal, NodeMerge, err)}
	}
	head, _ := gitutil.RevParse(ctx, dir, "HEAD")
	return engine.Result{
		Outcome:   engine.Success,
		EventData: map[string]any{"base": base, "mergeCommit": head},
	}
}

// pushNode pushes the default branch to the remote with bounded retries.
type pushNode struct{ d Deps }

func (n *pushNode) Name() string           { return NodePush }
func (n *pushNode) Timeout() time.Duration { return 60 * time.Second }

func (n *pushNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	dir := tc.Metadata.RepoPath
	base, err := gitutil.DefaultBranch(ctx, dir)
	if err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.New(runerr.KindInternal, NodePush, err)}
	}
	if err := n.d.Pusher.Push(ctx, dir, base); err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.As(err, NodePush)}
	}
	return engine.Result{Outcome: engine.Success, EventData: map[string]any{"branch": base}}
}

// updateTaskListNode marks the task complete and commits the task list.
type updateTaskListNode struct{ d Deps }

func (n *updateTaskListNode) Name() string           { return NodeUpdateTaskList }
func (n *updateTaskListNode) Timeout() time.Duration { return 30 * time.Second }

func (n *updateTaskListNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	dir := tc.Metadata.RepoPath
	l, rerr := loadList(dir)
	if rerr != nil {
		return engine.Result{Outcome: engine.Retryable, Err: rerr}
	}
	if !l.MarkComplete(tc.Metadata.TaskID) {
		return engine.Result{Outcome: engine.Retryable,
			Err: runerr.Newf(runerr.KindInternal, NodeUpdateTaskList, "task %s not in task list", tc.Metadata.TaskID)}
	}
	if err := writeList(dir, l); err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.New(runerr.KindInternal, NodeUpdateTaskList, err)}
	}
	if _, err := gitutil.CommitAll(ctx, dir, fmt.Sprintf("chore: mark task %s complete", tc.Metadata.TaskID)); err != nil {
		return engine.Result{Outcome: engine.Retryable, Err: runerr.New(runerr.KindInternal, NodeUpdateTaskList, err)}
	}
	// Best effort: the mark rides along with the next task's push if the
	// remote is briefly unavailable.
	if base, err := gitutil.DefaultBranch(ctx, dir); err == nil {
		if err := n.d.Pusher.Push(ctx, dir, base); err != nil {
			tc.Log("warn", NodeUpdateTaskList, "task list push deferred: "+logging.Redact(err.Error()))
		}
	}
	completed, total := l.Totals()
	tc.Metadata.CompletedTasks = completed
	tc.Metadata.TotalTasks = total
	return engine.Result{
		Outcome:   engine.Success,
		EventData: map[string]any{"taskId": tc.Metadata.TaskID, "completed": completed, "total": total},
	}
}

// errorInjectNode synthesizes a remediation task from the last failure.
type errorInjectNode struct{}

func (n *errorInjectNode) Name() string           { return NodeErrorInject }
func (n *errorInjectNode) Timeout() time.Duration { return 5 * time.Second }

func (n *errorInjectNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	f := tc.LastFailure
	if f == nil {
		return engine.Result{Outcome: engine.Fatal,
			Err: runerr.Fatal(runerr.KindInternal, NodeErrorInject, fmt.Errorf("error_inject reached without a recorded failure"))}
	}
	if tc.Metadata.TaskID == "" {
		// Failure before any selection cannot be remediated with a task.
		return engine.Result{Outcome: engine.Fatal,
			Err: runerr.Fatal(runerr.Kind(f.Kind), NodeErrorInject, fmt.Errorf("unrecoverable failure before task selection: %s", f.Summary))}
	}

	scope := tc.Metadata.FilesModified
	title := remediationTitle(runerr.Kind(f.Kind), scope)
	summary := logging.Redact(f.Summary)
	desc := fmt.Sprintf("Remediate failure of task %s at %s (%s). %s", tc.Metadata.TaskID, f.Node, f.Kind, summary)

	tc.Log("info", NodeErrorInject, "remediation task synthesized: "+title)
	return engine.Result{
		Outcome: engine.Success,
		EventData: map[string]any{
			"failedTask":  tc.Metadata.TaskID,
			"title":       title,
			"description": desc,
			"files":       scope,
			"summary":     summary,
		},
	}
}

// remediationTitle names the injected task by failure kind.
func remediationTitle(kind runerr.Kind, scope []string) string {
	where := "the repository"
	if len(scope) > 0 {
		where = scope[0]
	}
	switch kind {
	case runerr.KindBuildFailed:
		return "Resolve build error in " + where
	case runerr.KindMergeConflict:
		return "Resolve merge conflict in " + where
	case runerr.KindTool:
		return "Resolve tool failure in " + where
	case runerr.KindTimeout:
		return "Resolve timeout in " + where
	default:
		return fmt.Sprintf("Resolve %s failure in %s", kind, where)
	}
}

// injectTaskNode inserts the remediation task right after the failed task
// and returns control to selection. The failed task is marked complete so
// selection moves on to its remediation instead of re-picking it.
type injectTaskNode struct{ d Deps }

func (n *injectTaskNode) Name() string           { return NodeInjectTask }
func (n *injectTaskNode) Timeout() time.Duration { return 30 * time.Second }

func (n *injectTaskNode) Run(ctx context.Context, tc *engine.Context) engine.Result {
	ed := tc.Node(NodeErrorInject).EventData
	parentID, _ := ed["failedTask"].(string)
	title, _ := ed["title"].(string)
	desc, _ := ed["description"].(string)
	if parentID == "" || title == "" {
		return engine.Result{Outcome: engine.Fatal,
			Err: runerr.Fatal(runerr.KindInternal, NodeInjectTask, fmt.Errorf("missing remediation data from error_inject"))}
	}

	dir := tc.Metadata.RepoPath
	// The task list is maintained on the default branch.
	if base, err := gitutil.DefaultBranch(ctx, dir); err == nil {
		if err := gitutil.Checkout(ctx, dir, base); err != nil {
			return engine.Result{Outcome: engine.Fatal, Err: runerr.Fatal(runerr.KindRepoCheckout, NodeInjectTask, err)}
		}
	}
	l, rerr := loadList(dir)
	if rerr != nil {
		return engine.Result{Outcome: engine.Fatal, Err: runerr.Fatal(rerr.Kind, NodeInjectTask, rerr)}
	}

	t := &tasklist.Task{Title: title, Description: desc, Files: toStrings(ed["files"])}
	newID := l.Inject(parentID, t)
	if newID == "" {
		return engine.Result{Outcome: engine.Fatal,
			Err: runerr.Fatal(runerr.KindInternal, NodeInjectTask, fmt.Errorf("failed task %s not found in task list", parentID))}
	}
	// The failed task is superseded by its remediation.
	l.MarkComplete(parentID)

	if err := writeList(dir, l); err != nil {
		return engine.Result{Outcome: engine.Fatal, Err: runerr.Fatal(runerr.KindInternal, NodeInjectTask, err)}
	}
	if _, err := gitutil.CommitAll(ctx, dir, fmt.Sprintf("chore: inject remediation task %s", newID)); err != nil {
		return engine.Result{Outcome: engine.Fatal, Err: runerr.Fatal(runerr.KindInternal, NodeInjectTask, err)}
	}

	completed, total := l.Totals()
	tc.Metadata.CompletedTasks = completed
	tc.Metadata.TotalTasks = total
	tc.LastFailure = nil
	slog.Info("remediation task injected", "projectId", tc.Metadata.ProjectID, "taskId", newID, "parent", parentID)
	return engine.Result{
		Outcome:   engine.Success,
		Next:      NodeSelect,
		EventData: map[string]any{"injectedTask": newID, "parent": parentID},
	}
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
