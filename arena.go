package detour

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// arena hands out executable memory for trampolines. Between BeginMutate and
// EndMutate every page of the arena is RWX, otherwise the pages are RX.
type arena struct {
	*malloc.Arena
	protect  func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	writable bool
}

func (a *arena) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(
			malloc.MmapProt(mprotectExec),
			malloc.MmapFlags(map32Bit),
		)

		a.protect = func(int) error { return nil }
		if pbe, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.protect = pbe.Protect
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("no memory for trampolines")
			return
		}
		// New pages are mapped RWX.
		a.writable = true
	})
	return err
}

// BeginMutate makes the arena writable. It may be called before the first
// Allocate.
func (a *arena) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.protect == nil || a.writable {
		return nil
	}
	if err := a.protect(mprotectRWX); err != nil {
		return err
	}
	a.writable = true
	return nil
}

// EndMutate makes the arena executable and read-only again.
func (a *arena) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.writable {
		return nil
	}
	if err := a.protect(mprotectRX); err != nil {
		return err
	}
	a.writable = false
	return nil
}

// Allocate returns size bytes of code memory. It must be called between
// BeginMutate and EndMutate.
func (a *arena) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(size); err != nil {
		return nil, fmt.Errorf("trampoline arena: %w", err)
	}
	if !a.writable {
		return nil, errors.New("trampoline arena is read-only")
	}
	return malloc.MallocSlice[byte](a.Arena, size)
}

// Free returns buf to the arena. When the arena is read-only buf is leaked
// rather than faulting.
func (a *arena) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Arena == nil || !a.writable {
		return
	}
	malloc.FreeSlice(a.Arena, buf)
}

var codeArena = &arena{}
