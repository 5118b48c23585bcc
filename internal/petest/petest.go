// Package petest builds small PE images with an export table.
//
// Sections are laid out with the same file offset and RVA, so the bytes
// can be used as a file or as if the image were mapped into memory.
package petest

import (
	"encoding/binary"
)

const (
	ntOffset       = 0x40
	fileHeaderSize = 20
	sectionAlign   = 0x1000
	fileAlign      = 0x200
	sectionRVA     = 0x1000
	codeSize       = 16
)

// Export is one exported function. If Forward is set the export forwards to
// it instead of pointing at code.
type Export struct {
	Name    string
	Forward string
}

// Options describe the image to build.
type Options struct {
	// PE32 builds a 32-bit image. The default is PE32+.
	PE32 bool

	ImageBase uint64
	Exports   []Export

	// NoExportDir leaves the export data directory empty.
	NoExportDir bool
}

// Image is a built PE image.
type Image struct {
	Bytes []byte

	// RVA of each export by name.
	RVAs map[string]uint32
	// Ordinal of each export by name.
	Ordinals map[string]uint32

	// ExportDir is the RVA of the export directory.
	ExportDir uint32
}

// NTOffset is where the NT headers start.
const NTOffset = ntOffset

// Build builds an image. Function table entries are stored in the reverse
// order of the names so the name ordinal table is exercised.
func Build(opts Options) *Image {
	n := len(opts.Exports)
	img := &Image{
		RVAs:      make(map[string]uint32, n),
		Ordinals:  make(map[string]uint32, n),
		ExportDir: sectionRVA,
	}

	sec := make([]byte, 0, 0x400)
	put := func(s string) uint32 {
		rva := sectionRVA + uint32(len(sec))
		sec = append(sec, s...)
		sec = append(sec, 0)
		return rva
	}

	const dirSize = 40
	funcsRVA := uint32(sectionRVA + dirSize)
	namesRVA := funcsRVA + uint32(4*n)
	ordsRVA := namesRVA + uint32(4*n)
	sec = make([]byte, ordsRVA+uint32(2*n)-sectionRVA)
	for len(sec)%4 != 0 {
		sec = append(sec, 0)
	}

	dllName := put("test.dll")
	nameRVAs := make([]uint32, n)
	for i, exp := range opts.Exports {
		nameRVAs[i] = put(exp.Name)
	}
	fwdRVAs := make([]uint32, n)
	for i, exp := range opts.Exports {
		if exp.Forward != "" {
			fwdRVAs[i] = put(exp.Forward)
		}
	}
	exportDirEnd := sectionRVA + uint32(len(sec))

	for len(sec)%codeSize != 0 {
		sec = append(sec, 0)
	}
	for i, exp := range opts.Exports {
		rva := fwdRVAs[i]
		if exp.Forward == "" {
			rva = sectionRVA + uint32(len(sec))
			code := make([]byte, codeSize)
			for j := range code {
				code[j] = 0x90 // NOP
			}
			code[codeSize-1] = 0xc3 // RET
			sec = append(sec, code...)
		}

		slot := n - 1 - i
		binary.LittleEndian.PutUint32(sec[funcsRVA-sectionRVA+uint32(4*slot):], rva)
		binary.LittleEndian.PutUint32(sec[namesRVA-sectionRVA+uint32(4*i):], nameRVAs[i])
		binary.LittleEndian.PutUint16(sec[ordsRVA-sectionRVA+uint32(2*i):], uint16(slot))

		img.RVAs[exp.Name] = rva
		img.Ordinals[exp.Name] = 1 + uint32(slot)
	}

	dir := sec[:dirSize]
	binary.LittleEndian.PutUint32(dir[12:], dllName)
	binary.LittleEndian.PutUint32(dir[16:], 1) // Base
	binary.LittleEndian.PutUint32(dir[20:], uint32(n))
	binary.LittleEndian.PutUint32(dir[24:], uint32(n))
	binary.LittleEndian.PutUint32(dir[28:], funcsRVA)
	binary.LittleEndian.PutUint32(dir[32:], namesRVA)
	binary.LittleEndian.PutUint32(dir[36:], ordsRVA)

	rawSize := (len(sec) + fileAlign - 1) &^ (fileAlign - 1)
	b := make([]byte, sectionRVA+rawSize)
	copy(b[sectionRVA:], sec)

	// DOS header
	b[0], b[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(b[0x3c:], ntOffset)

	// NT signature and file header
	copy(b[ntOffset:], "PE\x00\x00")
	fh := b[ntOffset+4:]
	optSize := 240
	machine := uint16(0x8664)
	if opts.PE32 {
		optSize = 224
		machine = 0x14c
	}
	binary.LittleEndian.PutUint16(fh[0:], machine)
	binary.LittleEndian.PutUint16(fh[2:], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(fh[16:], uint16(optSize))
	binary.LittleEndian.PutUint16(fh[18:], 0x2022) // DLL | EXECUTABLE | LARGE_ADDRESS_AWARE

	oh := b[ntOffset+4+fileHeaderSize:]
	ddOffset := 112
	if opts.PE32 {
		binary.LittleEndian.PutUint16(oh[0:], 0x10b)
		binary.LittleEndian.PutUint32(oh[28:], uint32(opts.ImageBase))
		binary.LittleEndian.PutUint32(oh[92:], 16)
		ddOffset = 96
	} else {
		binary.LittleEndian.PutUint16(oh[0:], 0x20b)
		binary.LittleEndian.PutUint64(oh[24:], opts.ImageBase)
		binary.LittleEndian.PutUint32(oh[108:], 16)
	}
	binary.LittleEndian.PutUint32(oh[32:], sectionAlign)
	binary.LittleEndian.PutUint32(oh[36:], fileAlign)
	binary.LittleEndian.PutUint32(oh[56:], uint32(len(b))) // SizeOfImage
	binary.LittleEndian.PutUint32(oh[60:], sectionRVA)     // SizeOfHeaders
	if !opts.NoExportDir {
		binary.LittleEndian.PutUint32(oh[ddOffset:], sectionRVA)
		binary.LittleEndian.PutUint32(oh[ddOffset+4:], exportDirEnd-sectionRVA)
	}

	// Section header
	sh := b[ntOffset+4+fileHeaderSize+optSize:]
	copy(sh[0:8], ".edata")
	binary.LittleEndian.PutUint32(sh[8:], uint32(len(sec))) // VirtualSize
	binary.LittleEndian.PutUint32(sh[12:], sectionRVA)      // VirtualAddress
	binary.LittleEndian.PutUint32(sh[16:], uint32(rawSize)) // SizeOfRawData
	binary.LittleEndian.PutUint32(sh[20:], sectionRVA)      // PointerToRawData
	binary.LittleEndian.PutUint32(sh[36:], 0x40000040)      // INITIALIZED_DATA | READ

	img.Bytes = b
	return img
}
