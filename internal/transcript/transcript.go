// Package transcript implements the terminal transcript: a bounded ring
// of output fragments replayed to newly attached viewers, plus the
// control-sequence scrubber applied to "cooked" text before storage.
package transcript

import (
	"sync"
	"time"

	"github.com/sshcoterm/coterm/internal/model"
)

// Sink is a live subscriber's delivery target. A sink that returns an
// error from Deliver is removed and never retried.
type Sink interface {
	Deliver(entry model.TranscriptEntry) error
}

// Buffer is a fixed-capacity ring of TranscriptEntry values with live
// fan-out to subscribed Sinks.
type Buffer struct {
	mu       sync.Mutex
	entries  []model.TranscriptEntry
	capacity int
	sinks    []Sink
}

// New creates a Buffer with the given ring capacity.
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// AppendCooked scrubs text of control sequences before storing and
// broadcasting it. Used for assistant output and raw SSH noise.
func (b *Buffer) AppendCooked(text string, source model.Source) {
	b.append(Scrub(text), source)
}

// AppendRaw stores text verbatim, bypassing the scrubber. Used only for
// synthesized prompt+echo fragments, which must never be altered by the
// control-sequence filter.
func (b *Buffer) AppendRaw(text string, source model.Source) {
	b.append(text, source)
}

func (b *Buffer) append(text string, source model.Source) {
	entry := model.TranscriptEntry{
		Timestamp: time.Now(),
		Text:      text,
		Source:    source,
	}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	b.broadcast(entry, sinks)
}

// broadcast delivers entry to every live sink, best-effort. A sink whose
// Deliver call errors is removed from the subscriber list; it is never
// retried.
func (b *Buffer) broadcast(entry model.TranscriptEntry, sinks []Sink) {
	var failed []Sink
	for _, s := range sinks {
		if err := s.Deliver(entry); err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.sinks[:0]
	for _, s := range b.sinks {
		drop := false
		for _, f := range failed {
			if s == f {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	b.sinks = kept
}

// Subscribe registers a sink for live entries. It returns an unsubscribe
// function.
func (b *Buffer) Subscribe(s Sink) (unsubscribe func()) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.sinks {
			if existing == s {
				b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
				return
			}
		}
	}
}

// SizeBytes reports the total byte size of buffered entry text, used for
// occupancy logging.
func (b *Buffer) SizeBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		n += len(e.Text)
	}
	return n
}

// SubscribeWithReplay atomically snapshots the buffer and registers the
// sink, so the returned entries are exactly the prefix of what the sink
// will subsequently be delivered live. No entry is lost or duplicated
// between replay and live streaming.
func (b *Buffer) SubscribeWithReplay(s Sink) (replay []model.TranscriptEntry, unsubscribe func()) {
	b.mu.Lock()
	replay = make([]model.TranscriptEntry, len(b.entries))
	copy(replay, b.entries)
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()

	return replay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.sinks {
			if existing == s {
				b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the current buffered entries in chronological order,
// the prefix a newly attached subscriber replays before receiving live
// entries.
func (b *Buffer) Snapshot() []model.TranscriptEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.TranscriptEntry, len(b.entries))
	copy(out, b.entries)
	return out
}
