package worker

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devteamhq/runner/internal/engine"
	"github.com/devteamhq/runner/internal/projection"
	"github.com/devteamhq/runner/internal/ws"
)

// broadcaster relays node transitions to WebSocket subscribers and appends
// execution logs to a JSONL artifact. One broadcaster serves one execution;
// the engine calls it from a single goroutine.
type broadcaster struct {
	hub     *ws.Hub
	logPath string

	mu       sync.Mutex
	sentLogs int
	lastAt   time.Time
}

func newBroadcaster(hub *ws.Hub, logDir, executionID string) *broadcaster {
	b := &broadcaster{hub: hub, lastAt: time.Now()}
	if logDir != "" {
		b.logPath = filepath.Join(logDir, executionID+".jsonl")
	}
	return b
}

// NodeFinished implements engine.Observer.
func (b *broadcaster) NodeFinished(tc *engine.Context, node string, res engine.Result) {
	b.mu.Lock()
	elapsed := time.Since(b.lastAt)
	b.lastAt = time.Now()
	newLogs := tc.Metadata.Logs[b.sentLogs:]
	b.sentLogs = len(tc.Metadata.Logs)
	b.mu.Unlock()

	outcome := "success"
	if res.Outcome != engine.Success {
		outcome = "failure"
	}
	nodeDuration.WithLabelValues(node, outcome).Observe(elapsed.Seconds())
	if res.Err != nil {
		nodeFailures.WithLabelValues(node, string(res.Err.Kind)).Inc()
	}

	if b.hub != nil {
		update := ws.UpdatePayload{
			State:    node,
			Progress: projection.Progress(tc.Metadata.CompletedTasks, tc.Metadata.TotalTasks),
		}
		if tc.Metadata.TaskID != "" {
			id := tc.Metadata.TaskID
			update.CurrentTask = &id
		}
		b.hub.BroadcastUpdate(tc.Metadata.ProjectID, update)
		for _, entry := range newLogs {
			b.hub.BroadcastLog(tc.Metadata.ProjectID, ws.LogPayload{
				Level:    entry.Level,
				Message:  entry.Message,
				NodeName: entry.Node,
			})
		}
		if res.Err != nil {
			b.hub.BroadcastError(tc.Metadata.ProjectID, ws.ErrorPayload{
				Code:    string(res.Err.Kind),
				Message: res.Err.Summary,
			})
		}
	}

	b.appendJSONL(newLogs, node, res)
}

// appendJSONL writes the new log entries plus one transition record to the
// per-execution log file. Failures here never affect the execution.
func (b *broadcaster) appendJSONL(logs []engine.LogEntry, node string, res engine.Result) {
	if b.logPath == "" {
		return
	}
	f, err := os.OpenFile(b.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path is the managed log dir.
	if err != nil {
		slog.Warn("execution log open failed", "path", b.logPath, "err", err)
		return
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	for _, entry := range logs {
		_ = enc.Encode(entry)
	}
	rec := map[string]any{
		"at":   time.Now().UTC(),
		"node": node,
	}
	if res.Outcome == engine.Success {
		rec["outcome"] = "success"
	} else {
		rec["outcome"] = "failure"
		if res.Err != nil {
			rec["kind"] = string(res.Err.Kind)
			rec["summary"] = res.Err.Summary
		}
	}
	_ = enc.Encode(rec)
}
