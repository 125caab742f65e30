// Package browserbuf implements the browser command buffer: the
// append-only gating ledger the session coordinator consults before
// admitting an assistant command.
package browserbuf

import (
	"log"
	"sync"

	"github.com/sshcoterm/coterm/internal/model"
)

// Buffer is a fixed-capacity ring of BrowserCommandEntry values.
type Buffer struct {
	mu       sync.Mutex
	entries  []model.BrowserCommandEntry
	capacity int
}

// New creates a Buffer with the given ring capacity.
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Append adds entry to the buffer, dropping the oldest entry if the buffer
// is already at capacity.
func (b *Buffer) Append(entry model.BrowserCommandEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry.Result == (model.CommandResult{}) {
		entry.Result = model.PendingResult
	}

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// UpdateResult sets the result for the entry with the given command ID.
// It logs (but does not fail) if no matching entry is found; the command
// itself still completes normally.
func (b *Buffer) UpdateResult(id string, result model.CommandResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].CommandID == id {
			b.entries[i].Result = result
			return
		}
	}
	log.Printf("[browserbuf] UpdateResult: no entry found for id=%s", id)
}

// Snapshot returns a copy of the current entries, oldest first.
func (b *Buffer) Snapshot() []model.BrowserCommandEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.BrowserCommandEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// HumanEntries returns only entries with source human, the set the gate
// consults.
func (b *Buffer) HumanEntries() []model.BrowserCommandEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []model.BrowserCommandEntry
	for _, e := range b.entries {
		if e.Source == model.SourceHuman {
			out = append(out, e)
		}
	}
	return out
}

// RemoveSource drops every entry with the given source, keeping the rest
// in order. Used by the assistant-scoped `cancel` operation, which removes
// only assistant entries without touching the gate's human ledger.
func (b *Buffer) RemoveSource(source model.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.Source != source {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// Clear empties the buffer. Called after emitting a gating error and by
// the recovery reset.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
