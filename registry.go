package detour

// Record describes one active hook.
type Record struct {
	// Original is the target's address before it was hooked.
	Original uintptr
	// Trampoline calls the target's original behavior.
	Trampoline uintptr
	// Replacement is the function calls to Original are redirected to.
	Replacement uintptr

	// Symbol is the export name the hook was installed by, if any.
	Symbol string

	// Module holds a reference to the module containing Original for as long
	// as the hook is installed. It is nil if the module couldn't be resolved.
	Module Module
}

// Registry tracks active hooks. Records are keyed by their original address
// and can be found by either the original or the trampoline address.
//
// Registry does no locking of its own.
type Registry struct {
	records map[uintptr]*Record
	// trampoline address -> original address
	trampolines map[uintptr]uintptr
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		records:     make(map[uintptr]*Record),
		trampolines: make(map[uintptr]uintptr),
	}
}

// Find returns the record whose original or trampoline address is addr.
func (r *Registry) Find(addr uintptr) (*Record, bool) {
	if rec, ok := r.records[addr]; ok {
		return rec, true
	}
	if orig, ok := r.trampolines[addr]; ok {
		return r.records[orig], true
	}
	return nil, false
}

// Insert adds rec. It fails with ErrAlreadyHooked if a record with the same
// original address exists.
func (r *Registry) Insert(rec *Record) error {
	if _, ok := r.records[rec.Original]; ok {
		return ErrAlreadyHooked
	}
	r.records[rec.Original] = rec
	r.trampolines[rec.Trampoline] = rec.Original
	return nil
}

// Remove deletes rec. Removing a record that isn't present does nothing.
func (r *Registry) Remove(rec *Record) {
	cur, ok := r.records[rec.Original]
	if !ok || cur != rec {
		return
	}
	delete(r.records, rec.Original)
	if r.trampolines[rec.Trampoline] == rec.Original {
		delete(r.trampolines, rec.Trampoline)
	}
}

// DrainOne removes and returns an arbitrary record.
func (r *Registry) DrainOne() (*Record, bool) {
	for _, rec := range r.records {
		r.Remove(rec)
		return rec, true
	}
	return nil, false
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.records)
}
