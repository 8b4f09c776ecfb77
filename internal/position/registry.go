package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tathienbao/exit-engine/internal/types"
)

// ErrInvariant is returned when an update would break a position invariant.
// The update is rolled back.
var ErrInvariant = errors.New("position invariant violated")

// Registry owns every ManagedPosition, one per symbol.
// Reads and writes for a symbol are serialized by that symbol's lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	pos     *ManagedPosition
	removed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Create registers a new position. Fails if the symbol is already managed.
func (r *Registry) Create(pos *ManagedPosition) error {
	if err := checkShape(pos); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pos.Symbol]; ok {
		return fmt.Errorf("%w: %s", types.ErrPositionExists, pos.Symbol)
	}
	r.entries[pos.Symbol] = &entry{pos: pos.Clone()}
	return nil
}

// Get returns a copy of the position for symbol.
func (r *Registry) Get(symbol string) (*ManagedPosition, bool) {
	e := r.lookup(symbol)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	return e.pos.Clone(), true
}

// Update applies fn to the position under its symbol lock and returns a
// copy of the result. The update is rolled back if fn fails or breaks an
// invariant. A position whose remaining quantity reaches zero is removed.
func (r *Registry) Update(symbol string, fn func(p *ManagedPosition) error) (*ManagedPosition, error) {
	e := r.lookup(symbol)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}

	before := e.pos.Clone()
	working := e.pos.Clone()
	if err := fn(working); err != nil {
		return before, err
	}
	if err := checkTransition(before, working); err != nil {
		return before, err
	}

	e.pos = working
	if working.RemainingQuantity == 0 {
		r.removeLocked(symbol, e)
	}
	return working.Clone(), nil
}

// Remove deletes the position for symbol and returns its last state.
func (r *Registry) Remove(symbol string) (*ManagedPosition, bool) {
	e := r.lookup(symbol)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	r.removeLocked(symbol, e)
	return e.pos.Clone(), true
}

// removeLocked must be called with e.mu held.
func (r *Registry) removeLocked(symbol string, e *entry) {
	e.removed = true
	r.mu.Lock()
	if r.entries[symbol] == e {
		delete(r.entries, symbol)
	}
	r.mu.Unlock()
}

func (r *Registry) lookup(symbol string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[symbol]
}

// Symbols returns the managed symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	symbols := make([]string, 0, len(r.entries))
	for s := range r.entries {
		symbols = append(symbols, s)
	}
	r.mu.RUnlock()

	sort.Strings(symbols)
	return symbols
}

// Len returns the number of managed positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Status returns the status of one position.
func (r *Registry) Status(symbol string) (Status, bool) {
	p, ok := r.Get(symbol)
	if !ok {
		return Status{}, false
	}
	return p.Status(), true
}

// Statuses returns the status of every managed position keyed by symbol.
func (r *Registry) Statuses() map[string]Status {
	out := make(map[string]Status)
	for _, s := range r.Symbols() {
		if st, ok := r.Status(s); ok {
			out[s] = st
		}
	}
	return out
}

func checkShape(p *ManagedPosition) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil position", ErrInvariant)
	case p.Symbol == "":
		return types.ErrInvalidSymbol
	case p.Side != types.SideLong && p.Side != types.SideShort:
		return fmt.Errorf("%w: side %s", ErrInvariant, p.Side)
	case p.OriginalQuantity <= 0:
		return fmt.Errorf("%w: original quantity %d", ErrInvariant, p.OriginalQuantity)
	case p.RemainingQuantity < 0 || p.RemainingQuantity > p.OriginalQuantity:
		return fmt.Errorf("%w: remaining %d of %d", ErrInvariant, p.RemainingQuantity, p.OriginalQuantity)
	case p.ScaleOut.T2Executed && !p.ScaleOut.T1Executed:
		return fmt.Errorf("%w: t2 executed before t1", ErrInvariant)
	}
	return nil
}

// checkTransition enforces the monotonic invariants between two states.
func checkTransition(before, after *ManagedPosition) error {
	if err := checkShape(after); err != nil {
		return err
	}
	switch {
	case after.Symbol != before.Symbol || after.Side != before.Side:
		return fmt.Errorf("%w: identity changed", ErrInvariant)
	case after.OriginalQuantity != before.OriginalQuantity:
		return fmt.Errorf("%w: original quantity changed", ErrInvariant)
	case after.RemainingQuantity > before.RemainingQuantity:
		return fmt.Errorf("%w: remaining quantity increased", ErrInvariant)
	case before.Side.Beyond(before.CurrentStop, after.CurrentStop):
		return fmt.Errorf("%w: stop loosened from %s to %s", ErrInvariant, before.CurrentStop, after.CurrentStop)
	case after.TrailingLevel < before.TrailingLevel:
		return fmt.Errorf("%w: trailing level regressed from %s to %s", ErrInvariant, before.TrailingLevel, after.TrailingLevel)
	case before.ScaleOut.T1Executed && !after.ScaleOut.T1Executed,
		before.ScaleOut.T2Executed && !after.ScaleOut.T2Executed,
		before.ScaleOut.T3Executed && !after.ScaleOut.T3Executed:
		return fmt.Errorf("%w: scale-out flag reset", ErrInvariant)
	}
	return nil
}
