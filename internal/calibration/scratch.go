package calibration

import (
	"sync"

	"github.com/banshee-data/scdcal/internal/peaks"
)

// scratchPrefix names per-bank workspaces while their fit runs.
const scratchPrefix = "_pws_"

// scratchRegistry tracks the transient per-bank workspaces of a sweep.
type scratchRegistry struct {
	mu      sync.Mutex
	entries map[string]*peaks.Workspace
	peak    int
}

func newScratchRegistry() *scratchRegistry {
	return &scratchRegistry{entries: make(map[string]*peaks.Workspace)}
}

func (r *scratchRegistry) put(name string, ws *peaks.Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = ws
	if len(r.entries) > r.peak {
		r.peak = len(r.entries)
	}
}

func (r *scratchRegistry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Len returns the number of live scratch workspaces.
func (r *scratchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Peak returns the most scratch workspaces alive at once.
func (r *scratchRegistry) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}
