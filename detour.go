package detour

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Detour is the default Patcher. Attach overwrites the start of the target
// with a jump to the replacement and builds a trampoline in executable
// memory that runs the overwritten instructions before continuing with the
// rest of the target.
//
// Go functions known to the runtime are cloned whole instead, so their
// trampoline is a complete copy of the function.
type Detour struct {
	mu     sync.Mutex
	open   bool
	staged []stagedOp

	// Active patches keyed by trampoline address.
	patches map[uintptr]*patch
}

type stagedOp struct {
	attach bool
	ref    *uintptr
	p      *patch
}

// patch is one redirected function.
type patch struct {
	target      uintptr
	replacement uintptr

	// The trampoline lives in memory from the arena.
	trampoline []byte

	// jump is written over saved at target.
	jump  []byte
	saved []byte
}

func (p *patch) trampolineAddr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p.trampoline)))
}

// NewDetour returns a Detour with no active patches.
func NewDetour() *Detour {
	return &Detour{
		patches: make(map[uintptr]*patch),
	}
}

func (d *Detour) Begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return ErrTransactionOpen
	}
	d.open = true
	return nil
}

func (d *Detour) Attach(target *uintptr, replacement uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNoTransaction
	}
	if target == nil || *target == 0 {
		return errors.New("nil target")
	}
	if d.patched(*target) {
		return ErrAlreadyHooked
	}

	p, err := newPatch(*target, replacement)
	if err != nil {
		return err
	}
	d.staged = append(d.staged, stagedOp{attach: true, ref: target, p: p})
	return nil
}

func (d *Detour) Detach(trampoline, replacement uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNoTransaction
	}

	p, ok := d.patches[trampoline]
	if !ok || p.replacement != replacement {
		return fmt.Errorf("%w: trampoline 0x%x", ErrHookNotFound, trampoline)
	}
	for _, op := range d.staged {
		if op.p == p {
			return fmt.Errorf("%w: trampoline 0x%x already detached", ErrHookNotFound, trampoline)
		}
	}
	d.staged = append(d.staged, stagedOp{p: p})
	return nil
}

func (d *Detour) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNoTransaction
	}
	staged := d.staged
	d.staged = nil
	d.open = false

	for i, op := range staged {
		code := op.p.jump
		if !op.attach {
			code = op.p.saved
		}

		err := writeCode(op.p.target, code)
		if err == nil {
			continue
		}

		err = fmt.Errorf("patching 0x%x: %w", op.p.target, err)
		errs := []error{err}
		for j := i - 1; j >= 0; j-- {
			if rerr := undo(staged[j]); rerr != nil {
				errs = append(errs, rerr)
			}
		}
		freeAttached(staged)
		return errors.Join(errs...)
	}

	for _, op := range staged {
		if op.attach {
			d.patches[op.p.trampolineAddr()] = op.p
			*op.ref = op.p.trampolineAddr()
		} else {
			delete(d.patches, op.p.trampolineAddr())
			op.p.free()
		}
	}
	return nil
}

func (d *Detour) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()

	freeAttached(d.staged)
	d.staged = nil
	d.open = false
}

// patched reports whether addr is the target of an active or staged patch.
func (d *Detour) patched(addr uintptr) bool {
	for _, p := range d.patches {
		if p.target == addr {
			return true
		}
	}
	for _, op := range d.staged {
		if op.attach && op.p.target == addr {
			return true
		}
	}
	return false
}

// undo reverses an applied staged operation.
func undo(op stagedOp) error {
	code := op.p.saved
	if !op.attach {
		code = op.p.jump
	}
	if err := writeCode(op.p.target, code); err != nil {
		return fmt.Errorf("restoring 0x%x: %w", op.p.target, err)
	}
	return nil
}

func freeAttached(ops []stagedOp) {
	for _, op := range ops {
		if op.attach {
			op.p.free()
		}
	}
}

func (p *patch) free() {
	if p.trampoline == nil {
		return
	}
	codeArena.BeginMutate()
	defer codeArena.EndMutate()

	codeArena.Free(p.trampoline)
	p.trampoline = nil
}

// protectCode changes page protections for writeCode.
var protectCode = mprotect

// writeCode copies code over the instructions at addr. If the pages can't be
// made read-only again the previous bytes are put back.
func writeCode(addr uintptr, code []byte) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code))

	if err := protectCode(buf, mprotectRWX); err != nil {
		return err
	}
	prev := append([]byte(nil), buf...)
	copy(buf, code)
	cacheflush(buf)

	if err := protectCode(buf, mprotectRX); err != nil {
		copy(buf, prev)
		cacheflush(buf)
		return err
	}
	return nil
}
