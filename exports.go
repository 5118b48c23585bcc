package detour

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	dosMagic        = 0x5a4d // MZ
	dosLfanewOffset = 0x3c
	ntSignature     = 0x00004550 // PE\0\0

	// Signature + IMAGE_FILE_HEADER
	ntHeaderSize = 4 + 20

	optMagicPE32     = 0x10b
	optMagicPE32Plus = 0x20b

	optSizeOfImageOffset = 56

	// Offset of the data directory array within the optional header.
	dataDirOffsetPE32     = 96
	dataDirOffsetPE32Plus = 112

	exportDirSize = 40

	maxExportNames = 1 << 20
	maxNameLength  = 512
)

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// exportDirectory is IMAGE_EXPORT_DIRECTORY.
type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Export is a named entry in an image's export table.
type Export struct {
	Name    string
	Ordinal uint32
	RVA     uint32

	// Forward is set when the export forwards to another module's export,
	// e.g. "NTDLL.RtlAllocateHeap". RVA then points at this string.
	Forward string
}

// ResolveExport returns the address of the function img exports as name.
// Matching is exact and case-sensitive.
//
// The returned error wraps ErrSymbolNotFound if img is nil, name is empty,
// the headers are invalid, or the name is not exported. Forwarded exports
// are reported as not found since they don't point at code.
func ResolveExport(img Image, name string) (uintptr, error) {
	if img == nil {
		return 0, fmt.Errorf("%w: no image", ErrSymbolNotFound)
	}
	if name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}

	et, err := readExportTable(img)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSymbolNotFound, name, err)
	}

	for i := range et.names {
		n, err := readCString(img, et.names[i])
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrSymbolNotFound, name, err)
		}
		if n != name {
			continue
		}

		exp, err := et.export(i)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrSymbolNotFound, name, err)
		}
		if exp.Forward != "" {
			return 0, fmt.Errorf("%w: %s is a forward to %q", ErrSymbolNotFound, name, exp.Forward)
		}
		return img.Base() + uintptr(exp.RVA), nil
	}

	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// Exports lists every named export of img in export table order.
func Exports(img Image) ([]Export, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrBadImage)
	}

	et, err := readExportTable(img)
	if err != nil {
		return nil, err
	}

	exports := make([]Export, 0, len(et.names))
	for i := range et.names {
		exp, err := et.export(i)
		if err != nil {
			return nil, err
		}
		exp.Name, err = readCString(img, et.names[i])
		if err != nil {
			return nil, err
		}
		exports = append(exports, exp)
	}
	return exports, nil
}

type exportTable struct {
	img      Image
	dir      exportDirectory
	dirRange dataDirectory

	names    []uint32
	ordinals []uint16
}

func readExportTable(img Image) (*exportTable, error) {
	var buf [4]byte

	if _, err := img.ReadAt(buf[:2], 0); err != nil {
		return nil, fmt.Errorf("%w: reading DOS header: %w", ErrBadImage, err)
	}
	if binary.LittleEndian.Uint16(buf[:2]) != dosMagic {
		return nil, fmt.Errorf("%w: bad DOS signature", ErrBadImage)
	}

	if _, err := img.ReadAt(buf[:], dosLfanewOffset); err != nil {
		return nil, fmt.Errorf("%w: reading DOS header: %w", ErrBadImage, err)
	}
	ntOffset := int64(binary.LittleEndian.Uint32(buf[:]))

	if _, err := img.ReadAt(buf[:], ntOffset); err != nil {
		return nil, fmt.Errorf("%w: reading NT header: %w", ErrBadImage, err)
	}
	if binary.LittleEndian.Uint32(buf[:]) != ntSignature {
		return nil, fmt.Errorf("%w: bad NT signature", ErrBadImage)
	}

	optOffset := ntOffset + ntHeaderSize
	if _, err := img.ReadAt(buf[:2], optOffset); err != nil {
		return nil, fmt.Errorf("%w: reading optional header: %w", ErrBadImage, err)
	}

	var dirOffset int64
	switch binary.LittleEndian.Uint16(buf[:2]) {
	case optMagicPE32:
		dirOffset = optOffset + dataDirOffsetPE32
	case optMagicPE32Plus:
		dirOffset = optOffset + dataDirOffsetPE32Plus
	default:
		return nil, fmt.Errorf("%w: bad optional header magic", ErrBadImage)
	}

	et := &exportTable{img: img}

	// IMAGE_DIRECTORY_ENTRY_EXPORT is the first data directory.
	err := binary.Read(io.NewSectionReader(img, dirOffset, 8), binary.LittleEndian, &et.dirRange)
	if err != nil {
		return nil, fmt.Errorf("%w: reading data directory: %w", ErrBadImage, err)
	}
	if et.dirRange.VirtualAddress == 0 || et.dirRange.Size == 0 {
		return nil, fmt.Errorf("%w: image has no export directory", ErrSymbolNotFound)
	}

	err = binary.Read(io.NewSectionReader(img, int64(et.dirRange.VirtualAddress), exportDirSize), binary.LittleEndian, &et.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading export directory: %w", ErrBadImage, err)
	}

	n := et.dir.NumberOfNames
	if n > maxExportNames {
		return nil, fmt.Errorf("%w: %d export names", ErrBadImage, n)
	}

	et.names = make([]uint32, n)
	err = binary.Read(io.NewSectionReader(img, int64(et.dir.AddressOfNames), int64(n)*4), binary.LittleEndian, et.names)
	if err != nil {
		return nil, fmt.Errorf("%w: reading export names: %w", ErrBadImage, err)
	}

	et.ordinals = make([]uint16, n)
	err = binary.Read(io.NewSectionReader(img, int64(et.dir.AddressOfNameOrdinals), int64(n)*2), binary.LittleEndian, et.ordinals)
	if err != nil {
		return nil, fmt.Errorf("%w: reading export ordinals: %w", ErrBadImage, err)
	}

	return et, nil
}

// export returns the ordinal, RVA and forward of the i'th named export. The
// name is left empty.
func (et *exportTable) export(i int) (Export, error) {
	index := uint32(et.ordinals[i])
	if index >= et.dir.NumberOfFunctions {
		return Export{}, fmt.Errorf("%w: ordinal index %d out of range", ErrBadImage, index)
	}

	var buf [4]byte
	if _, err := et.img.ReadAt(buf[:], int64(et.dir.AddressOfFunctions)+int64(index)*4); err != nil {
		return Export{}, fmt.Errorf("%w: reading export address: %w", ErrBadImage, err)
	}

	exp := Export{
		Ordinal: et.dir.Base + index,
		RVA:     binary.LittleEndian.Uint32(buf[:]),
	}

	// An address inside the export directory is a forwarder string.
	if exp.RVA >= et.dirRange.VirtualAddress && exp.RVA < et.dirRange.VirtualAddress+et.dirRange.Size {
		fwd, err := readCString(et.img, exp.RVA)
		if err != nil {
			return Export{}, err
		}
		exp.Forward = fwd
	}

	return exp, nil
}

func readCString(img Image, rva uint32) (string, error) {
	var (
		buf   [64]byte
		value []byte
	)
	for off := int64(rva); len(value) < maxNameLength; {
		n, err := img.ReadAt(buf[:], off)
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(value, buf[:i]...)), nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: reading name at 0x%x: %w", ErrBadImage, rva, err)
		}
		value = append(value, buf[:n]...)
		off += int64(n)
	}
	return "", fmt.Errorf("%w: name at 0x%x is too long", ErrBadImage, rva)
}
