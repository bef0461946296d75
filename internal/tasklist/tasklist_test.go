package tasklist

import (
	"bytes"
	"strings"
	"testing"
)

const sampleList = `# Task Lists

- [x] 1.1.1 Add DEVTEAM_ENABLED flag
  description: Introduce the feature flag
  files: src/config.js

- [ ] 1.1.2 Wire flag into startup
  description: Read the flag at boot
  dependencies: 1.1.1
  files: src/index.js
  criteria: build=passes, lint=clean

- [ ] 1.2.1 Document the flag
  dependencies: 1.1.2
`

func TestParse(t *testing.T) {
	t.Run("Sample", func(t *testing.T) {
		l := Parse([]byte(sampleList))
		if len(l.Tasks) != 3 {
			t.Fatalf("len = %d, want 3", len(l.Tasks))
		}
		if !l.Tasks[0].Done {
			t.Error("task 1.1.1 should be done")
		}
		second := l.Tasks[1]
		if second.ID != "1.1.2" || second.Title != "Wire flag into startup" {
			t.Errorf("second = %q %q", second.ID, second.Title)
		}
		if len(second.Dependencies) != 1 || second.Dependencies[0] != "1.1.1" {
			t.Errorf("dependencies = %v", second.Dependencies)
		}
		if second.Criteria["build"] != "passes" || second.Criteria["lint"] != "clean" {
			t.Errorf("criteria = %v", second.Criteria)
		}
	})
	t.Run("MissingDescriptionWarns", func(t *testing.T) {
		l := Parse([]byte("- [ ] 1.2.1 Document the flag\n"))
		if len(l.Warnings) != 1 {
			t.Fatalf("warnings = %v, want 1", l.Warnings)
		}
		if l.Tasks[0].Description != "Document the flag" {
			t.Errorf("description = %q, want title", l.Tasks[0].Description)
		}
	})
	t.Run("MalformedEntriesSkipped", func(t *testing.T) {
		l := Parse([]byte("- [?] 1.1 Bad checkbox\n- [ ] not-an-id Title\n- [ ] 2.1 Good\n"))
		if len(l.Tasks) != 1 || l.Tasks[0].ID != "2.1" {
			t.Fatalf("tasks = %v", l.Tasks)
		}
		if len(l.Warnings) < 2 {
			t.Errorf("warnings = %v, want at least 2", l.Warnings)
		}
	})
	t.Run("UnknownDependencyWarns", func(t *testing.T) {
		l := Parse([]byte("- [ ] 1.1 A\n  description: a\n  dependencies: 9.9\n"))
		found := false
		for _, w := range l.Warnings {
			if strings.Contains(w, "unknown dependency") {
				found = true
			}
		}
		if !found {
			t.Errorf("warnings = %v, want unknown dependency warning", l.Warnings)
		}
	})
}

func TestCanonicalFixedPoint(t *testing.T) {
	l := Parse([]byte(sampleList))
	first := l.Canonical()
	second := Parse(first).Canonical()
	if !bytes.Equal(first, second) {
		t.Errorf("canonical form is not a fixed point:\n%s\nvs\n%s", first, second)
	}
}

func TestCompareIDs(t *testing.T) {
	for _, tt := range []struct {
		a, b string
		want int
	}{
		{"1.1.1", "1.1.2", -1},
		{"1.2.3", "1.10.1", -1},
		{"2", "1.9.9", 1},
		{"1.1", "1.1", 0},
		{"1.1", "1.1.1", -1},
	} {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			if got := CompareIDs(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	t.Run("LowestEligible", func(t *testing.T) {
		l := Parse([]byte(sampleList))
		got := l.Select()
		if got == nil || got.ID != "1.1.2" {
			t.Fatalf("Select() = %v, want 1.1.2", got)
		}
	})
	t.Run("BlockedByDependency", func(t *testing.T) {
		l := Parse([]byte("- [ ] 1.1 A\n  description: a\n  dependencies: 1.2\n- [ ] 1.2 B\n  description: b\n  dependencies: 1.1\n"))
		if got := l.Select(); got != nil {
			t.Errorf("Select() = %v, want nil for a dependency cycle", got)
		}
		if !l.Remaining() {
			t.Error("Remaining() = false, want true")
		}
	})
	t.Run("UnknownDependencyCountsComplete", func(t *testing.T) {
		l := Parse([]byte("- [ ] 1.1 A\n  description: a\n  dependencies: 9.9\n"))
		if got := l.Select(); got == nil || got.ID != "1.1" {
			t.Errorf("Select() = %v, want 1.1", got)
		}
	})
	t.Run("AllDone", func(t *testing.T) {
		l := Parse([]byte("- [x] 1.1 A\n  description: a\n"))
		if got := l.Select(); got != nil {
			t.Errorf("Select() = %v, want nil", got)
		}
		if l.Remaining() {
			t.Error("Remaining() = true, want false")
		}
	})
}

func TestMarkComplete(t *testing.T) {
	l := Parse([]byte(sampleList))
	if !l.MarkComplete("1.1.2") {
		t.Fatal("MarkComplete(1.1.2) = false")
	}
	if l.MarkComplete("9.9") {
		t.Error("MarkComplete(9.9) = true, want false")
	}
	completed, total := l.Totals()
	if completed != 2 || total != 3 {
		t.Errorf("Totals() = %d/%d, want 2/3", completed, total)
	}
}

func TestInject(t *testing.T) {
	t.Run("FirstChild", func(t *testing.T) {
		l := Parse([]byte(sampleList))
		id := l.Inject("1.1.2", &Task{Title: "Resolve build error in src/index.js"})
		if id != "1.1.2.1" {
			t.Fatalf("Inject = %q, want 1.1.2.1", id)
		}
		injected := l.Get(id)
		if len(injected.Dependencies) != 1 || injected.Dependencies[0] != "1.1.2" {
			t.Errorf("dependencies = %v, want [1.1.2]", injected.Dependencies)
		}
		// Inserted right after the parent.
		if l.Tasks[2].ID != id {
			t.Errorf("position = %s, want %s at index 2", l.Tasks[2].ID, id)
		}
	})
	t.Run("NextFreeSuffix", func(t *testing.T) {
		l := Parse([]byte(sampleList))
		l.Inject("1.1.2", &Task{Title: "first remediation"})
		id := l.Inject("1.1.2", &Task{Title: "second remediation"})
		if id != "1.1.2.2" {
			t.Errorf("Inject = %q, want 1.1.2.2", id)
		}
	})
	t.Run("UnknownParent", func(t *testing.T) {
		l := Parse([]byte(sampleList))
		if id := l.Inject("9.9", &Task{Title: "x"}); id != "" {
			t.Errorf("Inject = %q, want empty", id)
		}
	})
	t.Run("RoundTrips", func(t *testing.T) {
		l := Parse([]byte(sampleList))
		id := l.Inject("1.1.2", &Task{Title: "Remediate", Files: []string{"src/index.js"}})
		reparsed := Parse(l.Canonical())
		if reparsed.Get(id) == nil {
			t.Errorf("injected task %s lost on round trip", id)
		}
	})
}
