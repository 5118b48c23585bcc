package detour

// Module is a loaded binary module.
type Module interface {
	Image
	Name() string
}

// ModuleLoader loads modules and manages their reference counts.
type ModuleLoader interface {
	// Load loads the named module and returns a new reference to it.
	Load(name string) (Module, error)

	// ModuleOf returns the module containing addr and acquires a reference
	// to it. It returns false if no module contains addr.
	ModuleOf(addr uintptr) (Module, bool)

	// Release drops a reference acquired by Load or ModuleOf. The module may
	// be unloaded when the last reference is released.
	Release(m Module) error
}

// DefaultLoader returns the ModuleLoader for the current platform.
func DefaultLoader() ModuleLoader {
	return defaultLoader
}
