package detour

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Installer installs and removes hooks and keeps track of the ones that are
// active.
//
// All methods are safe for concurrent use. No lock is held while code outside
// the installer runs, so a replacement function may itself call Install or
// Uninstall.
type Installer struct {
	// mu guards registry and serializes patch transactions.
	mu       sync.Mutex
	registry *Registry

	patcher Patcher
	loader  ModuleLoader
	log     zerolog.Logger
	metrics *Metrics
}

// Option configures an Installer.
type Option func(*Installer)

// WithPatcher sets the Patcher used to modify code. The default is a new
// Detour.
func WithPatcher(p Patcher) Option {
	return func(i *Installer) {
		i.patcher = p
	}
}

// WithLoader sets the ModuleLoader. The default is DefaultLoader().
func WithLoader(l ModuleLoader) Option {
	return func(i *Installer) {
		i.loader = l
	}
}

// WithLogger sets the logger failures are reported to. By default nothing is
// logged.
func WithLogger(log zerolog.Logger) Option {
	return func(i *Installer) {
		i.log = log
	}
}

// WithMetrics records installer activity in m.
func WithMetrics(m *Metrics) Option {
	return func(i *Installer) {
		i.metrics = m
	}
}

// NewInstaller returns an Installer with no hooks.
func NewInstaller(opts ...Option) *Installer {
	i := &Installer{
		registry: NewRegistry(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.patcher == nil {
		i.patcher = NewDetour()
	}
	if i.loader == nil {
		i.loader = DefaultLoader()
	}
	return i
}

// Install redirects the function *target points at to replacement. On
// success *target is updated to the trampoline, which runs the original
// function.
//
// If the function is already hooked with the same replacement *target is set
// to the existing trampoline and nothing else changes. Hooking it with a
// different replacement fails with ErrStackedHook.
//
// On failure *target and the set of hooks are unchanged.
func (i *Installer) Install(target *uintptr, replacement uintptr) error {
	return i.install(target, replacement, "")
}

func (i *Installer) install(target *uintptr, replacement uintptr, symbol string) error {
	if target == nil || *target == 0 {
		return i.fail("hook", 0, symbol, ErrPatch, errors.New("nil target"))
	}
	if replacement == 0 {
		return i.fail("hook", *target, symbol, ErrPatch, errors.New("nil replacement"))
	}

	original := *target

	i.mu.Lock()
	if rec, ok := i.registry.Find(original); ok {
		i.mu.Unlock()

		if rec.Replacement != replacement {
			return i.fail("hook", original, symbol, ErrPatch, ErrStackedHook)
		}
		*target = rec.Trampoline
		return nil
	}

	err := i.transact(func(p Patcher) error {
		return p.Attach(target, replacement)
	})
	if err != nil {
		*target = original
		i.mu.Unlock()
		return i.fail("hook", original, symbol, ErrPatch, err)
	}

	rec := &Record{
		Original:    original,
		Trampoline:  *target,
		Replacement: replacement,
		Symbol:      symbol,
	}
	if mod, ok := i.loader.ModuleOf(original); ok {
		rec.Module = mod
	}
	if err := i.registry.Insert(rec); err != nil {
		// Don't leave a patch behind that nothing tracks.
		if derr := i.detach(rec); derr != nil {
			err = errors.Join(err, derr)
		}
		*target = original
		i.mu.Unlock()

		i.releaseRecord(rec)
		return i.fail("hook", original, symbol, ErrPatch, err)
	}
	active := i.registry.Len()
	i.mu.Unlock()

	i.metrics.installed(active)
	i.log.Debug().
		Str("target", targetName(original, symbol)).
		Str("trampoline", hexAddr(rec.Trampoline)).
		Msg("hooked function")
	return nil
}

// InstallSymbol hooks the function mod exports as name. *target is set to
// the resolved address and then handled as in Install.
//
// If name can't be resolved the error wraps ErrResolution and *target is
// unchanged.
func (i *Installer) InstallSymbol(mod Image, name string, target *uintptr, replacement uintptr) error {
	if target == nil {
		return i.fail("hook", 0, name, ErrPatch, errors.New("nil target"))
	}

	addr, err := ResolveExport(mod, name)
	if err != nil {
		return i.fail("resolve", 0, name, ErrResolution, err)
	}

	prev := *target
	*target = addr
	if err := i.install(target, replacement, name); err != nil {
		*target = prev
		return err
	}
	return nil
}

// InstallModule loads moduleName and hooks its export name as in
// InstallSymbol. The module is only held while the hook is active.
func (i *Installer) InstallModule(moduleName, name string, target *uintptr, replacement uintptr) error {
	mod, err := i.loader.Load(moduleName)
	if err != nil {
		return i.fail("load", 0, moduleName, ErrModuleLoad, err)
	}
	defer i.release(mod)

	return i.InstallSymbol(mod, name, target, replacement)
}

// Uninstall removes the hook whose original or trampoline address is addr.
// Nothing happens if there is no such hook.
func (i *Installer) Uninstall(addr uintptr) {
	i.mu.Lock()
	rec, ok := i.registry.Find(addr)
	if !ok {
		i.mu.Unlock()
		return
	}

	if err := i.detach(rec); err != nil {
		// The code is still patched, so the hook stays registered.
		i.mu.Unlock()
		i.fail("unhook", rec.Original, rec.Symbol, ErrPatch, err)
		return
	}
	i.registry.Remove(rec)
	active := i.registry.Len()
	i.mu.Unlock()

	i.metrics.uninstalled(active)
	i.releaseRecord(rec)
}

// UninstallAll removes every hook.
func (i *Installer) UninstallAll() {
	for {
		i.mu.Lock()
		rec, ok := i.registry.DrainOne()
		if !ok {
			i.mu.Unlock()
			return
		}
		err := i.detach(rec)
		active := i.registry.Len()
		i.mu.Unlock()

		if err != nil {
			// Keep the module loaded since the patched code may still
			// jump into it.
			i.fail("unhook", rec.Original, rec.Symbol, ErrPatch, err)
			continue
		}

		i.metrics.uninstalled(active)
		i.releaseRecord(rec)
	}
}

// Find returns a copy of the record whose original or trampoline address is
// addr.
func (i *Installer) Find(addr uintptr) (Record, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.registry.Find(addr)
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of active hooks.
func (i *Installer) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.registry.Len()
}

func (i *Installer) detach(rec *Record) error {
	return i.transact(func(p Patcher) error {
		return p.Detach(rec.Trampoline, rec.Replacement)
	})
}

// transact runs fn inside a patch transaction. i.mu must be held.
func (i *Installer) transact(fn func(Patcher) error) error {
	if err := i.patcher.Begin(); err != nil {
		return err
	}
	if err := fn(i.patcher); err != nil {
		i.patcher.Abort()
		return err
	}
	return i.patcher.Commit()
}

func (i *Installer) releaseRecord(rec *Record) {
	if rec.Module == nil {
		return
	}
	i.release(rec.Module)
	rec.Module = nil
}

func (i *Installer) release(mod Module) {
	if err := i.loader.Release(mod); err != nil {
		i.log.Warn().Err(err).Str("module", mod.Name()).Msg("failed to release module")
	}
}

// fail logs a failed operation and returns it as a *HookError.
func (i *Installer) fail(op string, target uintptr, symbol string, kind, err error) error {
	herr := &HookError{
		Op:     op,
		Target: target,
		Symbol: symbol,
		Kind:   kind,
		Err:    err,
	}

	ev := i.log.Warn()
	msg := "failed to hook a function"
	switch op {
	case "resolve":
		ev = i.log.Debug()
		msg = "failed to load the address of a function"
	case "load":
		msg = "failed to load a module"
	case "unhook":
		msg = "failed to unhook a function"
	}
	ev.Err(err).Str("op", op).Str("target", targetName(target, symbol)).Msg(msg)

	i.metrics.failed(op)
	return herr
}

func targetName(addr uintptr, symbol string) string {
	if symbol != "" {
		return symbol
	}
	return hexAddr(addr)
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
