package btree

import (
	"path/filepath"
	"sync"
)

// attachRegistry guards against a single process accidentally holding
// two *Tree handles open on the same backing file — e.g. two callers
// racing Create/Attach against the same path — which would silently
// corrupt each other's node cache. This is an ambient safety net for a
// single-process, single-threaded engine, not a reintroduction of
// concurrent multi-client access.
type attachRegistry struct {
	mu   sync.Mutex
	open map[string]struct{}
}

var globalRegistry = &attachRegistry{open: make(map[string]struct{})}

// acquire claims path for the caller, failing with ErrAlreadyAttached if
// it's already held open elsewhere in this process.
func (r *attachRegistry) acquire(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.open[abs]; held {
		return ErrAlreadyAttached
	}
	r.open[abs] = struct{}{}
	return nil
}

// release frees path for future Create/Attach calls.
func (r *attachRegistry) release(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, abs)
}
