//go:build !windows

package detour

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
)

var defaultLoader ModuleLoader = &processLoader{}

// processModule is the Go executable itself. It has no PE headers, so it
// can't be searched for exports.
type processModule struct {
	name string
}

func (m *processModule) Name() string {
	return m.name
}

func (m *processModule) Base() uintptr {
	return 0
}

func (m *processModule) ReadAt(p []byte, off int64) (int, error) {
	return 0, io.EOF
}

// processLoader can only resolve addresses in Go code of the running
// process. The executable can't be unloaded, the reference count only
// tracks that every reference is released.
type processLoader struct {
	mu     sync.Mutex
	refs   int
	module *processModule
}

func (l *processLoader) Load(name string) (Module, error) {
	return nil, fmt.Errorf("%w: %s: loading modules is not supported on %s", ErrModuleLoad, name, runtime.GOOS)
}

func (l *processLoader) ModuleOf(addr uintptr) (Module, bool) {
	if !inGoText(addr) {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.module == nil {
		name, err := os.Executable()
		if err != nil {
			name = os.Args[0]
		}
		l.module = &processModule{name: name}
	}
	l.refs++
	return l.module, true
}

func (l *processLoader) Release(m Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m != Module(l.module) || l.refs == 0 {
		return errors.New("module was not acquired from this loader")
	}
	l.refs--
	return nil
}
