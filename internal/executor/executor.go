// Package executor invokes the external code-change tool inside the
// project container and captures its artifacts. The prompt is a pure
// function of the task entry; no wall clock or randomness goes in.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devteamhq/runner/internal/container"
	"github.com/devteamhq/runner/internal/gitutil"
	"github.com/devteamhq/runner/internal/runerr"
	"github.com/devteamhq/runner/internal/tasklist"
)

// workspaceDir is where the repo is mounted inside the container.
const workspaceDir = "/workspace"

// Artifact captures everything produced by one tool invocation.
type Artifact struct {
	Diff          string           `json:"diff,omitempty"`
	Stdout        string           `json:"stdout,omitempty"`
	Stderr        string           `json:"stderr,omitempty"`
	ExitCode      int              `json:"exitCode"`
	FilesModified []string         `json:"filesModified,omitempty"`
	CommitHash    string           `json:"commitHash,omitempty"`
	ToolVersion   string           `json:"toolVersion,omitempty"`
	DurationsMs   map[string]int64 `json:"durationsMs,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
}

// Executor runs the code-change tool.
type Executor struct {
	Containers container.Execer
	ToolPath   string // Absolute path inside the container.
}

// Prompt builds the deterministic prompt string for a task entry. Fields
// are emitted in a fixed order; criteria keys are sorted.
func Prompt(t *tasklist.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n", t.ID, t.Title)
	fmt.Fprintf(&b, "Description:\n%s\n", t.Description)
	if len(t.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles in scope:\n")
		for _, f := range t.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(t.Criteria) > 0 {
		keys := make([]string, 0, len(t.Criteria))
		for k := range t.Criteria {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "\nAcceptance criteria:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, t.Criteria[k])
		}
	}
	b.WriteString("\nMake the smallest change that satisfies the task. Modify only files relevant to it.\n")
	return b.String()
}

// Run invokes the tool for the selected task. repoDir is the host path of
// the checked-out working tree (the same tree the container sees at
// /workspace). Returns the captured artifact; a non-nil error is already
// tagged for the state machine.
func (e *Executor) Run(ctx context.Context, projectID string, t *tasklist.Task, repoDir string) (*Artifact, *runerr.Error) {
	art := &Artifact{DurationsMs: map[string]int64{}}

	// The branch point anchors the diff when the tool does not commit.
	base, err := gitutil.RevParse(ctx, repoDir, "HEAD")
	if err != nil {
		return art, runerr.New(runerr.KindInternal, "implement", err)
	}

	// Missing tool is fatal: no retry or remediation can produce it.
	probe, err := e.Containers.Exec(ctx, projectID, []string{"test", "-x", e.ToolPath}, container.ExecOpts{})
	if err != nil {
		return art, runerr.As(err, "implement")
	}
	if probe.ExitCode != 0 {
		return art, runerr.Fatal(runerr.KindMissingTool, "implement",
			fmt.Errorf("tool binary %s not found in container", e.ToolPath))
	}

	if ver, err := e.Containers.Exec(ctx, projectID, []string{e.ToolPath, "--version"}, container.ExecOpts{}); err == nil {
		art.ToolVersion = strings.TrimSpace(ver.Stdout)
		art.DurationsMs["version"] = ver.Duration.Milliseconds()
	}

	prompt := Prompt(t)
	res, err := e.Containers.Exec(ctx, projectID, []string{e.ToolPath}, container.ExecOpts{
		Cwd:   workspaceDir,
		Stdin: prompt,
	})
	art.Stdout = res.Stdout
	art.Stderr = res.Stderr
	art.ExitCode = res.ExitCode
	art.DurationsMs["tool"] = res.Duration.Milliseconds()
	if err != nil {
		return art, runerr.As(err, "implement")
	}
	if res.ExitCode != 0 {
		return art, runerr.New(runerr.KindTool, "implement",
			fmt.Errorf("tool exited with code %d", res.ExitCode)).
			WithSummary("tool failed: %s", tail(res.Stderr, 500))
	}

	// Corroborate the tool's claimed modifications with git.
	status, err := gitutil.StatusPorcelain(ctx, repoDir)
	if err != nil {
		return art, runerr.New(runerr.KindInternal, "implement", err)
	}
	claimed := parseModifiedFiles(res.Stdout)
	art.FilesModified = corroborate(claimed, status)

	// Commit the working tree if the tool left it dirty.
	start := time.Now()
	if len(status) > 0 {
		hash, err := gitutil.CommitAll(ctx, repoDir, fmt.Sprintf("task %s: %s", t.ID, t.Title))
		if err != nil {
			return art, runerr.New(runerr.KindInternal, "implement", err)
		}
		art.CommitHash = hash
	} else if head, err := gitutil.RevParse(ctx, repoDir, "HEAD"); err == nil && head != base {
		art.CommitHash = head
	}
	art.DurationsMs["commit"] = time.Since(start).Milliseconds()

	// Capture the diff: against the previous commit when the tool (or we)
	// committed, otherwise against the branch point.
	diffBase := base
	if art.CommitHash != "" {
		diffBase = art.CommitHash + "~1"
	}
	if diff, err := gitutil.Diff(ctx, repoDir, diffBase, "HEAD"); err == nil {
		art.Diff = diff
	}
	if len(art.FilesModified) == 0 && art.CommitHash != "" {
		if files, err := gitutil.ChangedFiles(ctx, repoDir, diffBase, "HEAD"); err == nil {
			art.FilesModified = files
		}
	}

	art.Warnings = append(art.Warnings, ScanDiffForSecrets(art.Diff)...)
	return art, nil
}

// corroborate returns claimed files confirmed by git status, falling back
// to the git view when the tool output names nothing parseable.
func corroborate(claimed, status []string) []string {
	if len(claimed) == 0 {
		return status
	}
	confirmed := make([]string, 0, len(claimed))
	inStatus := make(map[string]bool, len(status))
	for _, f := range status {
		inStatus[f] = true
	}
	for _, f := range claimed {
		if inStatus[f] {
			confirmed = append(confirmed, f)
		}
	}
	if len(confirmed) == 0 {
		return status
	}
	return confirmed
}

// parseModifiedFiles extracts file paths from "modified: <path>" lines in
// the tool output.
func parseModifiedFiles(out string) []string {
	var files []string
	for line := range strings.SplitSeq(out, "\n") {
		if after, ok := strings.CutPrefix(strings.TrimSpace(line), "modified:"); ok {
			if f := strings.TrimSpace(after); f != "" {
				files = append(files, f)
			}
		}
	}
	return files
}

// tail returns the last n bytes of s, trimmed at a line boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
