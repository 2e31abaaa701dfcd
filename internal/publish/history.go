package publish

import "sync"

// History remembers which artifact each published reference points at.
// *ledger.Ledger implements it.
type History interface {
	Published(ref string) (string, bool)
	RecordPublish(runID, ref, artifact string) error
}

// MemoryHistory is an in-process History, used when no ledger is configured.
type MemoryHistory struct {
	mu   sync.Mutex
	refs map[string]string
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{refs: make(map[string]string)}
}

func (h *MemoryHistory) Published(ref string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.refs[ref]
	return a, ok
}

func (h *MemoryHistory) RecordPublish(_, ref, artifact string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs[ref] = artifact
	return nil
}
