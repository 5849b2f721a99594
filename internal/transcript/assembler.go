// Package transcript turns streamed transcript deltas into finalized entries.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/aura-interview/voice-engine/internal/models"
)

type utterance struct {
	speaker models.Speaker
	item    string
}

// Assembler collects deltas per utterance and finalizes them on Done. An
// utterance is keyed by speaker and backend item id; an empty item id means
// one open utterance per speaker. Deltas arriving after Done for the same
// utterance are dropped.
type Assembler struct {
	mu      sync.Mutex
	now     func() time.Time
	live    map[utterance]*strings.Builder
	started map[utterance]time.Time
	done    map[utterance]bool
	entries []models.TranscriptEntry
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		now:     time.Now,
		live:    make(map[utterance]*strings.Builder),
		started: make(map[utterance]time.Time),
		done:    make(map[utterance]bool),
	}
}

// Delta appends text to the live line and returns the line so far. It returns
// "" if the utterance was already finalized.
func (a *Assembler) Delta(speaker models.Speaker, item, text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := utterance{speaker, item}
	if item != "" && a.done[key] {
		return ""
	}
	b, ok := a.live[key]
	if !ok {
		b = &strings.Builder{}
		a.live[key] = b
		a.started[key] = a.now()
	}
	b.WriteString(text)
	return b.String()
}

// Done finalizes the utterance. A non-empty text replaces whatever the deltas
// produced; an empty text keeps the accumulated line. It reports false when
// there was nothing to finalize.
func (a *Assembler) Done(speaker models.Speaker, item, text string) (models.TranscriptEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := utterance{speaker, item}
	if item != "" {
		if a.done[key] {
			return models.TranscriptEntry{}, false
		}
		a.done[key] = true
	}
	if text == "" {
		if b, ok := a.live[key]; ok {
			text = b.String()
		}
	}
	now := a.now()
	started, ok := a.started[key]
	if !ok {
		started = now
	}
	delete(a.live, key)
	delete(a.started, key)

	text = strings.TrimSpace(text)
	if text == "" {
		return models.TranscriptEntry{}, false
	}
	entry := models.TranscriptEntry{
		Speaker:    speaker,
		Text:       text,
		Timestamp:  started,
		DurationMs: now.Sub(started).Milliseconds(),
	}
	a.entries = append(a.entries, entry)
	return entry, true
}

// Flush finalizes every open utterance of speaker from its deltas.
func (a *Assembler) Flush(speaker models.Speaker) []models.TranscriptEntry {
	a.mu.Lock()
	var items []string
	for key := range a.live {
		if key.speaker == speaker {
			items = append(items, key.item)
		}
	}
	a.mu.Unlock()

	var out []models.TranscriptEntry
	for _, item := range items {
		if e, ok := a.Done(speaker, item, ""); ok {
			out = append(out, e)
		}
	}
	return out
}

// Append records an already final entry, such as typed user text.
func (a *Assembler) Append(entry models.TranscriptEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	a.entries = append(a.entries, entry)
}

// Live returns the in-progress line for an utterance.
func (a *Assembler) Live(speaker models.Speaker, item string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.live[utterance{speaker, item}]; ok {
		return b.String()
	}
	return ""
}

// Entries returns a copy of the finalized entries in order.
func (a *Assembler) Entries() []models.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.TranscriptEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of finalized entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
