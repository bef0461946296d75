// Package repocache maintains the project-scoped repository cache. The
// first Ensure clones; later calls fetch and fast-forward the default
// branch. Callers for the same project are serialized; other projects
// proceed in parallel.
package repocache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devteamhq/runner/internal/gitutil"
	"github.com/devteamhq/runner/internal/runerr"
)

// maxBranchLen caps task branch names.
const maxBranchLen = 64

// Entry is the cache record for one project.
type Entry struct {
	ProjectID     string
	Path          string
	CurrentBranch string
	LastFetchedAt time.Time
}

// Manager owns the on-disk cache.
type Manager struct {
	root string
	ttl  time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[string]*Entry
}

// New creates a Manager rooted at root with the given retention.
func New(root string, ttl time.Duration) *Manager {
	return &Manager{
		root:    root,
		ttl:     ttl,
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]*Entry),
	}
}

// Path returns the cache directory for a project.
func (m *Manager) Path(projectID string) string {
	return filepath.Join(m.root, filepath.FromSlash(projectID))
}

// lock returns the per-project mutex, creating it on first use.
func (m *Manager) lock(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}

// Ensure clones the repository on first use, otherwise fetches and
// fast-forwards the default branch. Returns the local working copy path.
func (m *Manager) Ensure(ctx context.Context, projectID, repoURL string) (string, error) {
	l := m.lock(projectID)
	l.Lock()
	defer l.Unlock()

	dir := m.Path(projectID)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
			return "", runerr.New(runerr.KindRepoClone, "prep", err)
		}
		slog.Info("cloning repository", "projectId", projectID, "url", repoURL)
		if err := withRetry(ctx, func() error { return gitutil.Clone(ctx, repoURL, dir) }); err != nil {
			return "", runerr.New(runerr.KindRepoClone, "prep", err).WithSummary("clone of %s failed", repoURL)
		}
	} else {
		slog.Debug("fetching repository", "projectId", projectID)
		if err := withRetry(ctx, func() error { return gitutil.Fetch(ctx, dir) }); err != nil {
			return "", runerr.New(runerr.KindRepoFetch, "prep", err).WithSummary("fetch for %s failed", projectID)
		}
	}

	branch, err := gitutil.DefaultBranch(ctx, dir)
	if err != nil {
		return "", runerr.New(runerr.KindRepoFetch, "prep", err)
	}
	// Fast-forward the local default branch to the remote.
	if err := gitutil.Checkout(ctx, dir, branch); err != nil {
		return "", runerr.New(runerr.KindRepoCheckout, "prep", err)
	}
	if err := gitutil.ResetHard(ctx, dir, "origin/"+branch); err != nil {
		return "", runerr.New(runerr.KindRepoCheckout, "prep", err)
	}

	m.mu.Lock()
	m.entries[projectID] = &Entry{
		ProjectID:     projectID,
		Path:          dir,
		CurrentBranch: branch,
		LastFetchedAt: time.Now().UTC(),
	}
	m.mu.Unlock()
	return dir, nil
}

// Fetch refreshes the remote refs for an already-ensured project.
func (m *Manager) Fetch(ctx context.Context, projectID string) error {
	l := m.lock(projectID)
	l.Lock()
	defer l.Unlock()
	if err := withRetry(ctx, func() error { return gitutil.Fetch(ctx, m.Path(projectID)) }); err != nil {
		return runerr.New(runerr.KindRepoFetch, "prep", err)
	}
	m.touch(projectID)
	return nil
}

// DefaultBranch returns the default branch of a cached project.
func (m *Manager) DefaultBranch(ctx context.Context, projectID string) (string, error) {
	return gitutil.DefaultBranch(ctx, m.Path(projectID))
}

// CheckoutTaskBranch creates (or resets) the task branch off the remote
// default branch and checks it out. Checkout failures are not retryable.
func (m *Manager) CheckoutTaskBranch(ctx context.Context, projectID, taskID, title string) (string, error) {
	l := m.lock(projectID)
	l.Lock()
	defer l.Unlock()

	dir := m.Path(projectID)
	base, err := gitutil.DefaultBranch(ctx, dir)
	if err != nil {
		return "", runerr.New(runerr.KindRepoCheckout, "prep", err)
	}
	branch := BranchName(taskID, title)
	slog.Info("checking out task branch", "projectId", projectID, "branch", branch)
	// Branch off the local default branch: within an execution it carries
	// merge and task-list commits that may not have reached the remote yet.
	if err := gitutil.CheckoutNew(ctx, dir, branch, base); err != nil {
		return "", runerr.New(runerr.KindRepoCheckout, "prep", err).WithSummary("checkout of %s failed", branch)
	}
	m.mu.Lock()
	if e := m.entries[projectID]; e != nil {
		e.CurrentBranch = branch
	}
	m.mu.Unlock()
	return branch, nil
}

// BranchName builds the task branch name: task/<dotted-id>-<slug>, capped
// at 64 characters.
func BranchName(taskID, title string) string {
	name := "task/" + taskID + "-" + slugify(title)
	if len(name) > maxBranchLen {
		name = name[:maxBranchLen]
	}
	return strings.TrimRight(name, "-")
}

// slugify kebab-cases a title for use in a branch name.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Sweep evicts cache entries that have not been fetched within the TTL,
// removing their directories. Returns the number of evictions.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	var cold []*Entry
	cutoff := time.Now().UTC().Add(-m.ttl)
	for id, e := range m.entries {
		if e.LastFetchedAt.Before(cutoff) {
			cold = append(cold, e)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, e := range cold {
		if ctx.Err() != nil {
			return evicted
		}
		l := m.lock(e.ProjectID)
		l.Lock()
		if err := os.RemoveAll(e.Path); err != nil {
			slog.Warn("cache eviction failed", "projectId", e.ProjectID, "err", err)
		} else {
			slog.Info("evicted cold cache entry", "projectId", e.ProjectID, "idle", time.Since(e.LastFetchedAt).Round(time.Hour))
			evicted++
		}
		l.Unlock()
	}
	return evicted
}

// RunSweeper runs Sweep once per interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) touch(projectID string) {
	m.mu.Lock()
	if e := m.entries[projectID]; e != nil {
		e.LastFetchedAt = time.Now().UTC()
	}
	m.mu.Unlock()
}

// withRetry retries op up to 3 attempts with exponential backoff. Context
// cancellation stops the retries.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, bo)
}
