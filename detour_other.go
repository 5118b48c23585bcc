//go:build !amd64

package detour

import (
	"fmt"
	"runtime"
)

func newPatch(target, replacement uintptr) (*patch, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, runtime.GOARCH)
}
