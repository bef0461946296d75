// Package gitutil wraps git CLI operations used by the repo cache and the
// execution pipeline.
package gitutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrConflict is returned by Merge when the merge stops on conflicts. The
// merge is aborted before returning.
var ErrConflict = errors.New("merge conflict")

// run executes git with the given args in dir and returns trimmed stdout.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are built from internal state, not raw user input.
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Clone clones url into dir.
func Clone(ctx context.Context, url, dir string) error {
	_, err := run(ctx, "", "clone", url, dir)
	return err
}

// Fetch fetches origin with pruning.
func Fetch(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "fetch", "--prune", "origin")
	return err
}

// DefaultBranch returns the branch origin/HEAD points at, falling back to
// "main" when the symbolic ref is missing (fresh clones of empty remotes).
func DefaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		// Resolve it once; clones made with older git may not set HEAD.
		if _, err2 := run(ctx, dir, "remote", "set-head", "origin", "--auto"); err2 != nil {
			return "main", nil
		}
		out, err = run(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
		if err != nil {
			return "main", nil
		}
	}
	return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Checkout switches to an existing branch.
func Checkout(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "checkout", branch)
	return err
}

// CheckoutNew creates branch at start and switches to it, resetting the
// branch if it already exists.
func CheckoutNew(ctx context.Context, dir, branch, start string) error {
	_, err := run(ctx, dir, "checkout", "-B", branch, start)
	return err
}

// ResetHard resets the working tree to ref.
func ResetHard(ctx context.Context, dir, ref string) error {
	_, err := run(ctx, dir, "reset", "--hard", ref)
	return err
}

// Merge merges branch into the current branch, fast-forwarding when possible
// and creating a merge commit otherwise. Conflicts abort the merge and
// return ErrConflict with the conflicting paths.
func Merge(ctx context.Context, dir, branch, message string) error {
	_, err := run(ctx, dir, "merge", "--no-edit", "-m", message, branch)
	if err == nil {
		return nil
	}
	conflicts, cErr := run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if cErr == nil && conflicts != "" {
		_, _ = run(ctx, dir, "merge", "--abort")
		return fmt.Errorf("%w: %s", ErrConflict, strings.ReplaceAll(conflicts, "\n", ", "))
	}
	return err
}

// Push pushes branch to origin.
func Push(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "push", "origin", branch)
	return err
}

// StatusPorcelain returns the paths with uncommitted changes.
func StatusPorcelain(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for line := range strings.SplitSeq(out, "\n") {
		if len(line) > 3 {
			path := strings.TrimSpace(line[3:])
			// Renames are reported as "old -> new"; keep the new path.
			if _, after, ok := strings.Cut(path, " -> "); ok {
				path = after
			}
			files = append(files, path)
		}
	}
	return files, nil
}

// CommitAll stages everything and commits. Returns the new commit hash, or
// empty string when there was nothing to commit.
func CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := run(ctx, dir, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return "", nil
		}
		return "", err
	}
	return RevParse(ctx, dir, "HEAD")
}

// RevParse resolves ref to a commit hash.
func RevParse(ctx context.Context, dir, ref string) (string, error) {
	return run(ctx, dir, "rev-parse", ref)
}

// Diff returns the textual diff between base and head.
func Diff(ctx context.Context, dir, base, head string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", base, head) //nolint:gosec // refs come from internal git state.
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", fmt.Errorf("git diff: %w: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// ChangedFiles returns the paths changed between base and head.
func ChangedFiles(ctx context.Context, dir, base, head string) ([]string, error) {
	out, err := run(ctx, dir, "diff", "--name-only", base, head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
