//go:build windows

package detour

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var defaultLoader ModuleLoader = windowsLoader{}

type windowsModule struct {
	Image
	handle windows.Handle
	name   string
}

func (m *windowsModule) Name() string {
	return m.name
}

// windowsLoader uses the system loader's reference counts.
type windowsLoader struct{}

func (windowsLoader) Load(name string) (Module, error) {
	h, err := windows.LoadLibrary(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModuleLoad, name, err)
	}
	return &windowsModule{
		Image:  MemoryImage(uintptr(h)),
		handle: h,
		name:   name,
	}, nil
}

func (windowsLoader) ModuleOf(addr uintptr) (Module, bool) {
	var h windows.Handle
	err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS, (*uint16)(unsafe.Pointer(addr)), &h)
	if err != nil || h == 0 {
		return nil, false
	}

	return &windowsModule{
		Image:  MemoryImage(uintptr(h)),
		handle: h,
		name:   moduleFileName(h),
	}, true
}

func (windowsLoader) Release(m Module) error {
	wm, ok := m.(*windowsModule)
	if !ok {
		return errors.New("not a module from this loader")
	}
	return windows.FreeLibrary(wm.handle)
}

func moduleFileName(h windows.Handle) string {
	var buf [windows.MAX_PATH]uint16
	n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
	if err != nil {
		return fmt.Sprintf("0x%x", uintptr(h))
	}
	return windows.UTF16ToString(buf[:n])
}
