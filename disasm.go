package detour

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes x86-64 code as if it were located at addr. Decoding
// stops at the first invalid instruction.
func Disassemble(code []byte, addr uintptr) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return buf.String(), fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", addr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
