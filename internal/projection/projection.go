// Package projection derives the external status view from an execution row
// and its task context. The projection is a read model: computed on demand,
// optionally cached per (project, execution), never authoritative.
package projection

import (
	"math"
	"sync"
	"time"

	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/store"
)

// Totals is the task completion counter pair.
type Totals struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Artifacts is the artifact block of the projection.
type Artifacts struct {
	RepoPath      string            `json:"repoPath,omitempty"`
	Logs          []engine.LogEntry `json:"logs,omitempty"`
	FilesModified []string          `json:"filesModified,omitempty"`
}

// Status is the derived external view of one execution. The emit shape is
// camelCase; snake_case is accepted on input at the API boundary.
type Status struct {
	ExecutionID string     `json:"executionId"`
	ProjectID   string     `json:"projectId"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentTask *string    `json:"currentTask"`
	Totals      Totals     `json:"totals"`
	Branch      string     `json:"branch,omitempty"`
	Artifacts   Artifacts  `json:"artifacts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// round1 rounds to one decimal place.
func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// Progress computes the rounded percentage for a completion pair.
func Progress(completed, total int) float64 {
	if total < 1 {
		total = 1
	}
	return round1(100 * float64(completed) / float64(total))
}

// Derive builds the projection for an execution. tc may be nil when the
// execution has not persisted a context yet (queued, or failed before the
// first node).
func Derive(ex *store.Execution, tc *engine.Context) *Status {
	s := &Status{
		ExecutionID: ex.ExecutionID.String(),
		ProjectID:   ex.ProjectID,
		Status:      string(ex.Status),
		Totals:      Totals{},
	}
	if !ex.UpdatedAt.IsZero() {
		t := ex.UpdatedAt
		s.UpdatedAt = &t
	}
	if tc == nil {
		s.Progress = 0
		return s
	}
	s.Totals = Totals{Completed: tc.Metadata.CompletedTasks, Total: tc.Metadata.TotalTasks}
	s.Progress = Progress(s.Totals.Completed, s.Totals.Total)
	if tc.Metadata.TaskID != "" && ex.Status.Live() {
		id := tc.Metadata.TaskID
		s.CurrentTask = &id
	}
	s.Branch = tc.Metadata.Branch
	s.Artifacts = Artifacts{
		RepoPath:      tc.Metadata.RepoPath,
		Logs:          tc.Metadata.Logs,
		FilesModified: tc.Metadata.FilesModified,
	}
	if !tc.Metadata.StartedAt.IsZero() {
		t := tc.Metadata.StartedAt
		s.StartedAt = &t
	}
	return s
}

// Cache memoizes projections per (project, execution) keyed by the context
// snapshot time, keeping status reads constant-time with respect to history.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	snapshotAt time.Time
	status     *Status
}

// NewCache creates an empty projection cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached projection if it was derived from the same context
// snapshot, identified by snapshotAt.
func (c *Cache) Get(projectID, executionID string, snapshotAt time.Time) (*Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[projectID+"/"+executionID]
	if !ok || !e.snapshotAt.Equal(snapshotAt) {
		return nil, false
	}
	return e.status, true
}

// Put stores a derived projection.
func (c *Cache) Put(projectID, executionID string, snapshotAt time.Time, s *Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[projectID+"/"+executionID] = cacheEntry{snapshotAt: snapshotAt, status: s}
}

// Drop removes the cached projection for an execution.
func (c *Cache) Drop(projectID, executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, projectID+"/"+executionID)
}
