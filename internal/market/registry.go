package market

import (
	"fmt"
	"sync"
)

// Registry is the ordered set of tracked symbols plus the active index used
// for single-symbol display. Readers always see a complete state.
type Registry struct {
	mu      sync.RWMutex
	symbols []Symbol
	active  int
}

func NewRegistry(symbols []Symbol) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(symbols); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Add(sym Symbol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(sym) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSymbol, sym)
	}
	r.symbols = append(r.symbols, sym)
	return nil
}

func (r *Registry) Remove(sym Symbol) error {
	return r.RemoveKeep(sym, 0)
}

// RemoveKeep removes sym unless that would leave fewer than keep symbols,
// in which case it returns ErrLastSymbol. The check and the removal happen
// under one lock.
func (r *Registry) RemoveKeep(sym Symbol, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(sym)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sym)
	}
	if len(r.symbols)-1 < keep {
		return fmt.Errorf("%w: %s", ErrLastSymbol, sym)
	}
	next := make([]Symbol, 0, len(r.symbols)-1)
	next = append(next, r.symbols[:i]...)
	next = append(next, r.symbols[i+1:]...)
	r.symbols = next
	// keep the same symbol active when it sits after the removed one
	if i < r.active {
		r.active--
	}
	r.clampLocked()
	return nil
}

func (r *Registry) SetActive(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.symbols) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, i, len(r.symbols))
	}
	r.active = i
	return nil
}

// Rotate moves the active index by dir steps, wrapping at both ends.
func (r *Registry) Rotate(dir int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.symbols)
	if n == 0 {
		return
	}
	r.active = ((r.active+dir)%n + n) % n
}

// Replace swaps in a new ordered set. The active symbol stays active when
// it is still present, otherwise the index is clamped.
func (r *Registry) Replace(symbols []Symbol) error {
	seen := make(map[Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSymbol, s)
		}
		seen[s] = struct{}{}
	}
	next := append([]Symbol(nil), symbols...)

	r.mu.Lock()
	defer r.mu.Unlock()
	var current Symbol
	if r.active < len(r.symbols) {
		current = r.symbols[r.active]
	}
	r.symbols = next
	if i := r.indexLocked(current); i >= 0 {
		r.active = i
	}
	r.clampLocked()
	return nil
}

// Symbols returns a copy of the ordered set.
func (r *Registry) Symbols() []Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Symbol(nil), r.symbols...)
}

// Active returns the active symbol and false when the registry is empty.
func (r *Registry) Active() (Symbol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.symbols) == 0 {
		return Symbol{}, false
	}
	return r.symbols[r.active], true
}

func (r *Registry) ActiveIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) Contains(sym Symbol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked(sym) >= 0
}

func (r *Registry) indexLocked(sym Symbol) int {
	for i, s := range r.symbols {
		if s == sym {
			return i
		}
	}
	return -1
}

func (r *Registry) clampLocked() {
	switch {
	case len(r.symbols) == 0:
		r.active = 0
	case r.active >= len(r.symbols):
		r.active = len(r.symbols) - 1
	case r.active < 0:
		r.active = 0
	}
}
