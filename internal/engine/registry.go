package engine

import (
	"fmt"
	"sort"
	"sync"
)

// registry maps workflow names to workflows. Registration happens at
// startup; lookup afterwards is a pure read.
var (
	regMu    sync.RWMutex
	registry = make(map[string]*Workflow)
)

// Register adds a workflow under its name. Registering the same name twice
// is a programming error.
func Register(wf *Workflow) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[wf.Name]; dup {
		panic(fmt.Sprintf("workflow %q registered twice", wf.Name))
	}
	registry[wf.Name] = wf
}

// Lookup returns the workflow registered under name.
func Lookup(name string) (*Workflow, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	wf, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return wf, nil
}

// Names returns the registered workflow names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears the registry (tests only).
func Reset() {
	regMu.Lock()
	defer regMu.Unlock()
	registry = make(map[string]*Workflow)
}
