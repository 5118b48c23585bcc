//go:build linux && amd64

package detour

import "golang.org/x/sys/unix"

// Trampolines jump back into the function they were copied from with a
// JMP rel32, so keep the arena in the low 2GB alongside the Go text segment.
//
// https://man7.org/linux/man-pages/man2/mmap.2.html
const map32Bit = unix.MAP_32BIT
