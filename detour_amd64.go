//go:build amd64

package detour

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL abs32
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m

	regModeDirect = 3
	registerBP    = 5

	jmpRelSize = 5  // JMP rel32
	jmpAbsSize = 14 // JMP [RIP+0]; DQ addr

	// Most bytes ever read from a function that isn't a Go function.
	maxPrologue = 32
)

func newPatch(target, replacement uintptr) (*patch, error) {
	if replacement == 0 {
		return nil, errors.New("nil replacement")
	}

	jump := jumpCode(target, replacement)

	// stolen is the part of the target the jump overwrites and code is
	// what the trampoline runs.
	var stolen []byte
	code, isGo := goFunc(target)
	if isGo {
		// The jump may run into the INT3 padding the linker leaves before
		// the next function, so measure before trimming it.
		if len(code) < len(jump) {
			return nil, fmt.Errorf("%w: function is %d bytes, need %d", ErrUnsupported, len(code), len(jump))
		}
		stolen = code[:len(jump)]
		code = trimPadding(code)
	} else {
		var err error
		code, err = prologue(target, len(jump))
		if err != nil {
			return nil, err
		}
		stolen = code
	}

	tramp, err := buildTrampoline(code, target, isGo)
	if err != nil {
		return nil, err
	}

	p := &patch{
		target:      target,
		replacement: replacement,
		trampoline:  tramp,
		jump:        jump,
		saved:       append([]byte(nil), stolen...),
	}

	// Fill the rest of the stolen instructions with INT3 so nothing lands
	// in the middle of one.
	for len(p.jump) < len(stolen) {
		p.jump = append(p.jump, opcodeINT3)
	}
	return p, nil
}

// prologue returns the whole instructions at the start of the function at
// addr that cover at least n bytes.
func prologue(addr uintptr, n int) ([]byte, error) {
	window := unsafe.Slice((*byte)(unsafe.Pointer(addr)), maxPrologue)

	i := 0
	for i < n {
		inst, err := x86asm.Decode(window[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode error at offset %d: %v", ErrUnsupported, i, err)
		}
		if inst.Op == x86asm.RET || inst.Op == x86asm.JMP {
			return nil, fmt.Errorf("%w: function ends after %d bytes, need %d", ErrUnsupported, i+inst.Len, n)
		}
		if _, ok := inst.Args[0].(x86asm.Rel); ok && inst.Op != x86asm.CALL {
			return nil, fmt.Errorf("%w: branch in prologue at offset %d", ErrUnsupported, i)
		}
		i += inst.Len
	}
	return window[:i], nil
}

// buildTrampoline copies code into the arena. For a Go function code is the
// whole function. Otherwise code is a prologue and is followed by a jump to
// the rest of the function at target.
func buildTrampoline(code []byte, target uintptr, whole bool) ([]byte, error) {
	codeArena.BeginMutate()
	defer codeArena.EndMutate()

	// Leave room for relocated calls and the jump back.
	size := (len(code)*2 + jmpAbsSize + 0xf) &^ 0xf
	buf, err := codeArena.Allocate(size)
	if err != nil {
		return nil, err
	}

	out, err := relocate(code, buf, target)
	if err == nil && !whole {
		back := uintptr(unsafe.Pointer(unsafe.SliceData(out))) + uintptr(len(out))
		out = append(out, jumpCode(back, target+uintptr(len(code)))...)
	}
	if err == nil {
		out = padCode(out)
		if unsafe.SliceData(out) != unsafe.SliceData(buf) || len(out) > size {
			err = errors.New("trampoline does not fit")
		}
	}
	if err != nil {
		codeArena.Free(buf)
		return nil, err
	}
	return out, nil
}

// jumpCode returns a jump from the instruction at from to dest. A JMP rel32
// is used if dest is in range, otherwise an indirect jump through the
// following 8 bytes.
func jumpCode(from, dest uintptr) []byte {
	rel := int64(dest) - int64(from+jmpRelSize)
	if rel >= math.MinInt32 && rel <= math.MaxInt32 {
		buf := make([]byte, jmpRelSize)
		buf[0] = opcodeJMP
		binary.LittleEndian.PutUint32(buf[1:], uint32(int32(rel)))
		return buf
	}

	buf := make([]byte, jmpAbsSize)
	// JMP [RIP+0]
	buf[0] = 0xff
	buf[1] = 0x25
	binary.LittleEndian.PutUint64(buf[6:], uint64(dest))
	return buf
}

// relocate copies machine instructions from src into dest translating
// relative instructions as it goes. Branches that stay inside src are copied
// unchanged. dest must be at least as large as src.
//
// The data underlying src is assumed to be at srcBase, dest's data is assumed
// to be the address the code will execute from.
//
// The dest slice is returned after being resized.
func relocate(src, dest []byte, srcBase uintptr) ([]byte, error) {
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))
	srcEnd := srcBase + uintptr(len(src))

	dest = dest[:len(src)]

	for i := 0; i < len(src); {
		instruction, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		srcAddr := srcBase + uintptr(i) + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i) + uintptr(instruction.Len)

		copy(dest[i:], src[i:i+instruction.Len])

		var (
			absDest uintptr
			relOff  int
		)
		if rel, ok := instruction.Args[0].(x86asm.Rel); ok {
			absDest = srcAddr + uintptr(int64(rel))
			if absDest >= srcBase && absDest < srcEnd {
				// Stays inside the copied code.
				i += instruction.Len
				continue
			}
			off, size := branchField(instruction, src[i:])
			if size != 4 {
				return nil, fmt.Errorf("%w: short branch at offset %d leaves the function", ErrUnsupported, i)
			}
			relOff = off
		} else if mem, ok := ripOperand(instruction); ok {
			absDest = uintptr(int64(srcAddr) + mem.Disp)
			switch {
			case instruction.PCRel == 4:
				relOff = instruction.PCRelOff
			case hasImmediate(instruction):
				return nil, fmt.Errorf("%w: RIP-relative instruction with immediate at offset %d", ErrUnsupported, i)
			default:
				relOff = instruction.Len - 4
			}
		} else {
			i += instruction.Len
			continue
		}

		newRel := int64(absDest) - int64(destAddr)
		if newRel >= math.MinInt32 && newRel <= math.MaxInt32 {
			binary.LittleEndian.PutUint32(dest[i+relOff:], uint32(int32(newRel)))
			i += instruction.Len
			continue
		}

		if src[i] != opcodeCALLrel {
			return nil, fmt.Errorf("decode error at offset %d: unable to translate instruction relative address", i)
		}

		// The new address is too far to call directly
		jumpBack := int32(i + instruction.Len - len(dest))
		ccBuf, err := trampoline(absDest, jumpBack)
		if err != nil {
			return nil, fmt.Errorf("unable to generate call code: %w", err)
		}
		jumpTo := int32(len(dest) - (i + instruction.Len))

		dest = append(dest, ccBuf...)

		dest[i] = opcodeJMP
		binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))

		i += instruction.Len
	}

	return dest, nil
}

func ripOperand(inst x86asm.Inst) (x86asm.Mem, bool) {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return mem, true
		}
	}
	return x86asm.Mem{}, false
}

// branchField returns the offset and size of a branch's displacement.
func branchField(inst x86asm.Inst, code []byte) (int, int) {
	if inst.PCRel != 0 {
		return inst.PCRelOff, inst.PCRel
	}

	// The displacement is always the last field.
	if code[0] == opcodeCALLrel || code[0] == opcodeJMP || (code[0] == 0x0f && code[1]&0xf0 == 0x80) {
		return inst.Len - 4, 4
	}
	return inst.Len - 1, 1
}

func hasImmediate(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if _, ok := arg.(x86asm.Imm); ok {
			return true
		}
	}
	return false
}

// trampoline returns a stub for a CALL whose destination is out of rel32
// range:
//
//	MOVQ $callDest, BP
//	CALL BP
//	JMP  back
//
// jumpBack is measured from the start of the stub.
func trampoline(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call is not implemented")
	}

	buf := make([]byte, 14)
	i := 0

	// MOVQ <callDest> BP
	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++

	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	// CALL BP
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	// JMP <jumpBack>
	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))
	i += 4

	return buf, nil
}

// trimPadding removes the INT3 opcodes the linker puts between functions.
func trimPadding(code []byte) []byte {
	end := len(code)
	for end > 0 && code[end-1] == opcodeINT3 {
		end--
	}
	return code[:end]
}

// padCode pads code to 16 bytes with INT3 opcodes. code must have the
// capacity for it.
func padCode(code []byte) []byte {
	for len(code)&0xf != 0 {
		code = append(code, opcodeINT3)
	}
	return code
}
