//go:build !(linux && amd64)

package detour

// Only Linux has MAP_32BIT. Elsewhere we'll have to trust the OS to give us a
// suitable address, and jumps that end up out of range fall back to 14 byte
// absolute jumps.
const map32Bit = 0
