package detour

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution means a module or symbol could not be resolved.
	ErrResolution = errors.New("resolution failed")
	// ErrModuleLoad means a named module could not be loaded.
	ErrModuleLoad = errors.New("module load failed")
	// ErrPatch means the patch primitive rejected an attach, detach or commit.
	ErrPatch = errors.New("patch failed")

	// ErrSymbolNotFound means the image does not export the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrBadImage means the image headers are invalid.
	ErrBadImage = errors.New("invalid image")

	// ErrAlreadyHooked means the address is already in the registry.
	ErrAlreadyHooked = errors.New("already hooked")
	// ErrStackedHook means the target is hooked with another replacement.
	ErrStackedHook = errors.New("target already hooked with a different replacement")
	// ErrHookNotFound means no hook is known for the address.
	ErrHookNotFound = errors.New("hook not found")

	// ErrUnsupported means the target can't be patched on this platform or
	// has a prologue that can't be relocated.
	ErrUnsupported = errors.New("unsupported target")
	// ErrNoTransaction means Attach, Detach or Commit was called without Begin.
	ErrNoTransaction = errors.New("no open transaction")
	// ErrTransactionOpen means Begin was called twice.
	ErrTransactionOpen = errors.New("transaction already open")
)

// HookError records a failed installer operation and the target it was
// operating on.
type HookError struct {
	Op     string
	Target uintptr
	Symbol string
	Kind   error
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, targetName(e.Target, e.Symbol), e.Err)
}

// Unwrap exposes both the failure category (ErrResolution, ErrModuleLoad or
// ErrPatch) and the underlying cause.
func (e *HookError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
