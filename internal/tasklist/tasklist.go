// Package tasklist reads and writes the task_lists.md file that drives task
// selection. Parsing is lenient: missing optional fields are filled with
// defaults and recorded as warnings instead of failing the parse.
package tasklist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FileName is the task list location at the repo root.
const FileName = "task_lists.md"

// Task is a single atomic task entry.
type Task struct {
	ID           string // Dotted numeric identifier, e.g. "1.2.3".
	Title        string
	Description  string
	Dependencies []string
	Files        []string
	Criteria     map[string]string
	Done         bool
}

// List is a parsed task list.
type List struct {
	Tasks    []*Task
	Warnings []string
}

// CompareIDs orders dotted numeric identifiers part-wise numerically, so
// "1.2.3" < "1.10.1". Non-numeric parts compare as zero.
func CompareIDs(a, b string) int {
	ap := strings.Split(a, ".")
	bp := strings.Split(b, ".")
	for i := 0; i < len(ap) || i < len(bp); i++ {
		var av, bv int
		if i < len(ap) {
			av, _ = strconv.Atoi(ap[i])
		}
		if i < len(bp) {
			bv, _ = strconv.Atoi(bp[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// validID reports whether id is dotted numeric.
func validID(id string) bool {
	if id == "" {
		return false
	}
	for part := range strings.SplitSeq(id, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// Parse reads a task list from its markdown form.
func Parse(data []byte) *List {
	l := &List{}
	var cur *Task
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- ["):
			t, warn := parseTaskLine(trimmed, i+1)
			if t == nil {
				if warn != "" {
					l.Warnings = append(l.Warnings, warn)
				}
				cur = nil
				continue
			}
			if warn != "" {
				l.Warnings = append(l.Warnings, warn)
			}
			l.Tasks = append(l.Tasks, t)
			cur = t
		case cur != nil && strings.HasPrefix(line, "  ") && strings.Contains(trimmed, ":"):
			key, value, _ := strings.Cut(trimmed, ":")
			applyField(cur, strings.TrimSpace(key), strings.TrimSpace(value))
		default:
			// Headers, blanks and prose are ignored.
		}
	}
	l.applyDefaults()
	return l
}

// parseTaskLine parses "- [x] 1.2.3 Title".
func parseTaskLine(line string, lineNo int) (*Task, string) {
	rest, done := "", false
	switch {
	case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
		rest, done = line[6:], true
	case strings.HasPrefix(line, "- [ ] "):
		rest = line[6:]
	default:
		return nil, fmt.Sprintf("line %d: malformed checkbox, entry skipped", lineNo)
	}
	id, title, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if !validID(id) {
		return nil, fmt.Sprintf("line %d: invalid task id %q, entry skipped", lineNo, id)
	}
	t := &Task{ID: id, Title: strings.TrimSpace(title), Done: done}
	if t.Title == "" {
		t.Title = "Task " + id
		return t, fmt.Sprintf("task %s: missing title, defaulted", id)
	}
	return t, ""
}

func applyField(t *Task, key, value string) {
	switch key {
	case "description":
		t.Description = value
	case "dependencies":
		t.Dependencies = splitList(value)
	case "files":
		t.Files = splitList(value)
	case "criteria":
		t.Criteria = map[string]string{}
		for _, kv := range splitList(value) {
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				t.Criteria[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyDefaults fills missing optional fields and records warnings.
func (l *List) applyDefaults() {
	known := make(map[string]bool, len(l.Tasks))
	for _, t := range l.Tasks {
		known[t.ID] = true
	}
	for _, t := range l.Tasks {
		if t.Description == "" {
			t.Description = t.Title
			l.Warnings = append(l.Warnings, fmt.Sprintf("task %s: missing description, defaulted to title", t.ID))
		}
		for _, dep := range t.Dependencies {
			if !known[dep] {
				l.Warnings = append(l.Warnings, fmt.Sprintf("task %s: unknown dependency %s", t.ID, dep))
			}
		}
	}
}

// Canonical serializes the list to its canonical markdown form. Parsing the
// output yields the same canonical bytes (lenient parse is a fixed point
// after canonicalization).
func (l *List) Canonical() []byte {
	var b strings.Builder
	b.WriteString("# Task Lists\n")
	for _, t := range l.Tasks {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "\n- [%s] %s %s\n", mark, t.ID, t.Title)
		fmt.Fprintf(&b, "  description: %s\n", t.Description)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "  dependencies: %s\n", strings.Join(t.Dependencies, ", "))
		}
		if len(t.Files) > 0 {
			fmt.Fprintf(&b, "  files: %s\n", strings.Join(t.Files, ", "))
		}
		if len(t.Criteria) > 0 {
			keys := make([]string, 0, len(t.Criteria))
			for k := range t.Criteria {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = k + "=" + t.Criteria[k]
			}
			fmt.Fprintf(&b, "  criteria: %s\n", strings.Join(pairs, ", "))
		}
	}
	return []byte(b.String())
}

// Select returns the lowest-numbered unfinished task whose dependencies are
// all complete, or nil when none remain eligible. Unknown dependencies count
// as complete so a typo cannot wedge the list.
func (l *List) Select() *Task {
	done := make(map[string]bool, len(l.Tasks))
	for _, t := range l.Tasks {
		if t.Done {
			done[t.ID] = true
		} else {
			done[t.ID] = false
		}
	}
	var best *Task
	for _, t := range l.Tasks {
		if t.Done {
			continue
		}
		eligible := true
		for _, dep := range t.Dependencies {
			if v, known := done[dep]; known && !v {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}
		if best == nil || CompareIDs(t.ID, best.ID) < 0 {
			best = t
		}
	}
	return best
}

// Remaining reports whether any task is unfinished.
func (l *List) Remaining() bool {
	for _, t := range l.Tasks {
		if !t.Done {
			return true
		}
	}
	return false
}

// Get returns the task with the given id.
func (l *List) Get(id string) *Task {
	for _, t := range l.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// MarkComplete marks id done. Returns false if id is unknown.
func (l *List) MarkComplete(id string) bool {
	t := l.Get(id)
	if t == nil {
		return false
	}
	t.Done = true
	return true
}

// Totals returns (completed, total).
func (l *List) Totals() (int, int) {
	completed := 0
	for _, t := range l.Tasks {
		if t.Done {
			completed++
		}
	}
	return completed, len(l.Tasks)
}

// Inject inserts a remediation task after the task with id parentID. The new
// task gets the next free numeric suffix under the parent ("1.1.1" fails →
// "1.1.1.1", then "1.1.1.2") and a dependency back to the parent. Returns
// the assigned id, or "" if parentID is unknown.
func (l *List) Inject(parentID string, t *Task) string {
	idx := -1
	for i, existing := range l.Tasks {
		if existing.ID == parentID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ""
	}
	// Next free child suffix.
	suffix := 1
	for _, existing := range l.Tasks {
		rest, ok := strings.CutPrefix(existing.ID, parentID+".")
		if !ok || strings.Contains(rest, ".") {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n >= suffix {
			suffix = n + 1
		}
	}
	t.ID = fmt.Sprintf("%s.%d", parentID, suffix)
	t.Dependencies = appendMissing(t.Dependencies, parentID)
	if t.Description == "" {
		t.Description = t.Title
	}
	// Insert after the parent and any children already injected under it.
	pos := idx + 1
	for pos < len(l.Tasks) && strings.HasPrefix(l.Tasks[pos].ID, parentID+".") {
		pos++
	}
	l.Tasks = append(l.Tasks[:pos], append([]*Task{t}, l.Tasks[pos:]...)...)
	return t.ID
}

func appendMissing(deps []string, id string) []string {
	for _, d := range deps {
		if d == id {
			return deps
		}
	}
	return append(deps, id)
}
