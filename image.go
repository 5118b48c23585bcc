package detour

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"
)

// Image is a read-only view of a PE module. Offsets passed to ReadAt are
// relative virtual addresses (RVAs), not file offsets.
type Image interface {
	io.ReaderAt

	// Base is the address the image is (or would be) mapped at.
	Base() uintptr
}

// memoryImage views a module that is mapped into this process.
type memoryImage struct {
	base uintptr
	size int64
}

// Size of the headers that are probed before SizeOfImage is known.
const (
	dosHeaderSize  = 64
	maxHeaderProbe = 4096
)

// MemoryImage returns an Image for a module mapped at base. Reads are
// bounded by the SizeOfImage field of the module's headers. If the headers
// are invalid only the DOS header is readable.
//
// MemoryImage returns nil if base is zero.
func MemoryImage(base uintptr) Image {
	if base == 0 {
		return nil
	}

	img := &memoryImage{base: base, size: dosHeaderSize}

	var buf [4]byte
	if _, err := img.ReadAt(buf[:2], 0); err != nil || binary.LittleEndian.Uint16(buf[:]) != dosMagic {
		return img
	}
	if _, err := img.ReadAt(buf[:], dosLfanewOffset); err != nil {
		return img
	}
	ntOffset := int64(binary.LittleEndian.Uint32(buf[:]))
	if ntOffset < dosHeaderSize || ntOffset > maxHeaderProbe {
		return img
	}

	img.size = ntOffset + ntHeaderSize + optSizeOfImageOffset + 4
	if _, err := img.ReadAt(buf[:], ntOffset); err != nil || binary.LittleEndian.Uint32(buf[:]) != ntSignature {
		img.size = dosHeaderSize
		return img
	}
	if _, err := img.ReadAt(buf[:], ntOffset+ntHeaderSize+optSizeOfImageOffset); err != nil {
		img.size = dosHeaderSize
		return img
	}
	img.size = int64(binary.LittleEndian.Uint32(buf[:]))
	return img
}

func (m *memoryImage) Base() uintptr {
	return m.base
}

func (m *memoryImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if rest := m.size - off; n > rest {
		n = rest
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(m.base+uintptr(off))), n)
	copied := copy(p, src)
	if copied < len(p) {
		return copied, io.EOF
	}
	return copied, nil
}

// FileImage is an Image backed by a PE file on disk. RVAs are mapped to file
// offsets through the section table.
type FileImage struct {
	f    *os.File
	pe   *pe.File
	base uintptr
}

// OpenImage opens the PE file at path.
func OpenImage(path string) (*FileImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	pf, err := pe.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w: %w", path, ErrBadImage, err)
	}

	fi := &FileImage{f: f, pe: pf}
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		fi.base = uintptr(oh.ImageBase)
	case *pe.OptionalHeader64:
		fi.base = uintptr(oh.ImageBase)
	}
	return fi, nil
}

func (fi *FileImage) Base() uintptr {
	return fi.base
}

func (fi *FileImage) ReadAt(p []byte, rva int64) (int, error) {
	if rva < 0 {
		return 0, io.EOF
	}

	var firstSection int64 = -1
	for _, s := range fi.pe.Sections {
		start := int64(s.VirtualAddress)
		if firstSection < 0 || start < firstSection {
			firstSection = start
		}

		size := int64(s.VirtualSize)
		if size < int64(s.Size) {
			size = int64(s.Size)
		}
		if rva >= start && rva < start+size {
			return s.ReadAt(p, rva-start)
		}
	}

	// Headers are mapped 1:1 below the first section.
	if firstSection < 0 || rva < firstSection {
		return fi.f.ReadAt(p, rva)
	}
	return 0, io.EOF
}

// Close closes the underlying file.
func (fi *FileImage) Close() error {
	fi.pe.Close()
	return fi.f.Close()
}
