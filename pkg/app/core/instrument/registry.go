package instrument

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("instrument not found")
	ErrExists   = errors.New("instrument already registered")
	ErrInUse    = errors.New("instrument has resting orders")
)

// Record is one persisted catalog entry. A delisted record keeps a removed
// symbol from coming back with the catalog file.
type Record struct {
	Instrument Instrument `json:"instrument"`
	Delisted   bool       `json:"delisted,omitempty"`
}

// Store persists catalog changes made at runtime.
type Store interface {
	SaveInstrument(Record) error
	LoadInstruments() ([]Record, error)
}

// Registry is the in-process instrument catalog, safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
	store       Store
}

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]Instrument)}
}

// Attach applies the persisted records over the current catalog and writes
// every later change through to store.
func (r *Registry) Attach(store Store) error {
	records, err := store.LoadInstruments()
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		in := rec.Instrument
		in.Symbol = NormalizeSymbol(in.Symbol)
		if rec.Delisted {
			delete(r.instruments, in.Symbol)
			continue
		}
		if err := in.Validate(); err != nil {
			return fmt.Errorf("persisted instrument: %w", err)
		}
		r.instruments[in.Symbol] = in
	}
	r.store = store
	return nil
}

// save persists rec when a store is attached. Callers hold mu.
func (r *Registry) save(rec Record) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveInstrument(rec); err != nil {
		return fmt.Errorf("persist %s: %w", rec.Instrument.Symbol, err)
	}
	return nil
}

// Register adds a new instrument. Symbols are unique.
func (r *Registry) Register(in Instrument) error {
	in.Symbol = NormalizeSymbol(in.Symbol)
	if err := in.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.Symbol]; exists {
		return fmt.Errorf("%w: %s", ErrExists, in.Symbol)
	}
	if err := r.save(Record{Instrument: in}); err != nil {
		return err
	}
	r.instruments[in.Symbol] = in
	return nil
}

// Instrument looks up a symbol.
func (r *Registry) Instrument(symbol string) (Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instruments[NormalizeSymbol(symbol)]
	return in, ok
}

// List returns every instrument sorted by symbol.
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, in)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetTradable halts or resumes new orders for a symbol. Resting orders
// stay in the book and remain cancellable.
func (r *Registry) SetTradable(symbol string, tradable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbol = NormalizeSymbol(symbol)
	in, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	in.Tradable = tradable
	if err := r.save(Record{Instrument: in}); err != nil {
		return err
	}
	r.instruments[symbol] = in
	return nil
}

// Remove delists a symbol. Trading is halted first; then inUse, if set, is
// asked whether the symbol still has resting orders. If it has, or trading
// was resumed meanwhile, removal is refused and the listing restored.
//
// inUse runs without the registry lock, so it may wait on a market that is
// itself reading the catalog.
func (r *Registry) Remove(symbol string, inUse func(symbol string) bool) error {
	symbol = NormalizeSymbol(symbol)

	r.mu.Lock()
	listed, exists := r.instruments[symbol]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	halted := listed
	halted.Tradable = false
	r.instruments[symbol] = halted
	r.mu.Unlock()

	busy := inUse != nil && inUse(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	if busy || cur.Tradable {
		if cur == halted {
			r.instruments[symbol] = listed
		}
		return fmt.Errorf("%w: %s", ErrInUse, symbol)
	}
	if err := r.save(Record{Instrument: cur, Delisted: true}); err != nil {
		if cur == halted {
			r.instruments[symbol] = listed
		}
		return err
	}
	delete(r.instruments, symbol)
	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
