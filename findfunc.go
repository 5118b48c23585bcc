package detour

import (
	"unsafe"
)

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	//sys.NotInHeap // Only in static data

	entryOff uint32 // start pc, as offset from moduledata.text/pcHeader.textStart
	nameOff  int32  // function name, as index into moduledata.funcnametab.

	args        int32  // in/out args size
	deferreturn uint32 // offset of start of a deferreturn call instruction from entry, if any.

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32 // runtime.cutab offset of this function's CU
	startLine int32  // line number of start of function (func keyword/TEXT directive)
	funcID    uint8  // set for certain special runtime functions
	flag      uint8
	_         [1]byte // pad
	nfuncdata uint8   // must be last, must end on a uint32-aligned boundary
}

// moduledata records information about the layout of the executable
// image. It is written by the linker. Any changes here must be
// matched changes to the code in cmd/link/internal/ld/symtab.go:symtab.
// moduledata is stored in statically allocated non-pointer memory;
// none of the pointers here are visible to the garbage collector.
type moduledata struct {
	pcHeader     *pcHeader
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr

	// Struct continues, omitting unused fields.
}

// pcHeader holds data used by the pclntab lookups.
type pcHeader struct {
	magic          uint32  // 0xFFFFFFF1
	pad1, pad2     uint8   // 0,0
	minLC          uint8   // min instruction size
	ptrSize        uint8   // size of a ptr in bytes
	nfunc          int     // number of functions in the module
	nfiles         uint    // number of entries in the file tab
	textStart      uintptr // base for function entry PC offsets in this module, equal to moduledata.text
	funcnameOffset uintptr // offset to the funcnametab variable from pcHeader
	cuOffset       uintptr // offset to the cutab variable from pcHeader
	filetabOffset  uintptr // offset to the filetab variable from pcHeader
	pctabOffset    uintptr // offset to the pctab variable from pcHeader
	pclnOffset     uintptr // offset to the pclntab variable from pcHeader
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// goFunc returns the machine code of the Go function starting at entry. It
// returns false if entry isn't the entry point of a Go function in this
// process.
func goFunc(entry uintptr) ([]byte, bool) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, false
	}
	if info.datap.text+uintptr(info.entryOff) != entry {
		return nil, false
	}

	// To find the length, look at the offsets of every function and find
	// the one that comes immediately after this one.
	funcOffset := info.entryOff
	length := uint32(info.datap.etext - entry)
	for _, ft := range info.datap.ftab {
		if ft.entryoff <= funcOffset {
			continue
		}
		if testLength := ft.entryoff - funcOffset; testLength < length {
			length = testLength
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), length), true
}

// inGoText reports whether addr is inside a Go function of this process.
func inGoText(addr uintptr) bool {
	info := findfunc(addr)
	return info._func != nil
}
