package snapshot

import (
	"sync/atomic"
	"time"

	"stockbar/internal/market"
)

// Entry is one symbol's view inside a snapshot. HasData is false until the
// first quote for the symbol arrives; Stale marks data carried over from an
// earlier cycle.
type Entry struct {
	Symbol  market.Symbol      `json:"symbol"`
	Quote   market.QuoteRecord `json:"quote"`
	HasData bool               `json:"has_data"`
	Stale   bool               `json:"stale"`
}

// Snapshot is an immutable point-in-time view. It is replaced wholesale,
// callers must not modify Entries.
type Snapshot struct {
	Entries             []Entry   `json:"entries"`
	Stale               bool      `json:"stale"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Source              string    `json:"source,omitempty"`
	Cycle               uint64    `json:"cycle"`
	PublishedAt         time.Time `json:"published_at"`
}

// Placeholder is the snapshot served before any fetch has completed.
func Placeholder(symbols []market.Symbol) *Snapshot {
	entries := make([]Entry, len(symbols))
	for i, s := range symbols {
		entries[i] = Entry{Symbol: s, Stale: true}
	}
	return &Snapshot{Entries: entries, Stale: true}
}

// Degraded reports whether any part of the view is not fresh.
func (s *Snapshot) Degraded() bool {
	if s.Stale {
		return true
	}
	for _, e := range s.Entries {
		if e.Stale || !e.HasData {
			return true
		}
	}
	return false
}

func (s *Snapshot) Entry(sym market.Symbol) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Symbol == sym {
			return e, true
		}
	}
	return Entry{}, false
}

func (s *Snapshot) Symbols() []market.Symbol {
	out := make([]market.Symbol, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Symbol
	}
	return out
}

// Store holds the current snapshot. Readers never block writers.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore(symbols []market.Symbol) *Store {
	s := &Store{}
	s.current.Store(Placeholder(symbols))
	return s
}

func (s *Store) Publish(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.current.Store(snap)
}

// Current never returns nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}
