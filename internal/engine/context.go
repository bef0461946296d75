// Package engine runs declarative workflows: named nodes connected by
// default edges, sharing a single task context that only the engine writes
// between nodes. Nodes receive the context, do work, and return a tagged
// result; the engine persists a snapshot after every node.
package engine

import (
	"encoding/json"
	"time"
)

// NodeStatus is the recorded state of one node.
type NodeStatus string

// Node statuses.
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
)

// LogEntry is one execution log line carried in the context metadata.
type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Node    string    `json:"node,omitempty"`
	Message string    `json:"message"`
}

// Metadata is the execution-scoped portion of the task context.
type Metadata struct {
	TaskID        string     `json:"taskId"`
	ProjectID     string     `json:"projectId"`
	ExecutionID   string     `json:"executionId"`
	CorrelationID string     `json:"correlationId,omitempty"`
	RepoPath      string     `json:"repoPath,omitempty"`
	RepoURL       string     `json:"repoUrl,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	Logs          []LogEntry `json:"logs,omitempty"`
	FilesModified []string   `json:"filesModified,omitempty"`

	// CompletedTasks and TotalTasks are refreshed by task selection and
	// feed the status projection.
	CompletedTasks int `json:"completedTasks"`
	TotalTasks     int `json:"totalTasks"`
}

// NodeState is the durable output of one node run.
type NodeState struct {
	Status    NodeStatus     `json:"status"`
	EventData map[string]any `json:"event_data,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Failure records the most recent node failure so downstream remediation
// nodes can inspect it.
type Failure struct {
	Node    string `json:"node"`
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
}

// Context is the canonical, monotonically growing execution state. The
// engine owns it for the duration of a node call; nodes never observe
// concurrent mutation.
type Context struct {
	Metadata    Metadata              `json:"metadata"`
	Nodes       map[string]*NodeState `json:"nodes"`
	LastFailure *Failure              `json:"lastFailure,omitempty"`
}

// NewContext creates an empty context.
func NewContext(meta Metadata) *Context {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	return &Context{Metadata: meta, Nodes: make(map[string]*NodeState)}
}

// Node returns the state for name, creating it on first access.
func (c *Context) Node(name string) *NodeState {
	if c.Nodes == nil {
		c.Nodes = make(map[string]*NodeState)
	}
	ns, ok := c.Nodes[name]
	if !ok {
		ns = &NodeState{Status: NodePending}
		c.Nodes[name] = ns
	}
	return ns
}

// Log appends an execution log entry.
func (c *Context) Log(level, node, message string) {
	c.Metadata.Logs = append(c.Metadata.Logs, LogEntry{
		At:      time.Now().UTC(),
		Level:   level,
		Node:    node,
		Message: message,
	})
}

// AddModifiedFiles merges files into the modified set, preserving order and
// dropping duplicates.
func (c *Context) AddModifiedFiles(files []string) {
	seen := make(map[string]bool, len(c.Metadata.FilesModified))
	for _, f := range c.Metadata.FilesModified {
		seen[f] = true
	}
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			c.Metadata.FilesModified = append(c.Metadata.FilesModified, f)
		}
	}
}

// Marshal serializes the context snapshot.
func (c *Context) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal restores a context snapshot.
func Unmarshal(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Nodes == nil {
		c.Nodes = make(map[string]*NodeState)
	}
	return &c, nil
}
