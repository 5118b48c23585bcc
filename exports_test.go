package detour

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/pboyd/malloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/detour/internal/petest"
)

// mappedImage copies a built image into mmapped memory and views it as if
// the image was loaded there.
func mappedImage(t *testing.T, b []byte) Image {
	t.Helper()

	be := malloc.MmapBackend()
	buf, err := be.Grow(nil, uintptr(len(b)))
	require.NoError(t, err)
	t.Cleanup(func() {
		be.(malloc.FreeableArenaBackend).Free(buf)
	})
	copy(buf, b)

	img := MemoryImage(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	require.NotNil(t, img)
	return img
}

func TestResolveExport(t *testing.T) {
	exports := []petest.Export{
		{Name: "Foo"},
		{Name: "Bar"},
		{Name: "FooBar"},
		{Name: "HeapAlloc", Forward: "NTDLL.RtlAllocateHeap"},
	}

	for _, pe32 := range []bool{false, true} {
		name := "PE32+"
		if pe32 {
			name = "PE32"
		}

		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			built := petest.Build(petest.Options{PE32: pe32, Exports: exports})
			img := mappedImage(t, built.Bytes)

			for _, sym := range []string{"Foo", "Bar", "FooBar"} {
				addr, err := ResolveExport(img, sym)
				if assert.NoError(err, sym) {
					assert.Equal(img.Base()+uintptr(built.RVAs[sym]), addr, sym)
				}
			}

			_, err := ResolveExport(img, "foo")
			assert.ErrorIs(err, ErrSymbolNotFound, "matching is case-sensitive")

			_, err = ResolveExport(img, "Fo")
			assert.ErrorIs(err, ErrSymbolNotFound, "no prefix matches")

			_, err = ResolveExport(img, "DoesNotExist")
			assert.ErrorIs(err, ErrSymbolNotFound)

			_, err = ResolveExport(img, "HeapAlloc")
			if assert.ErrorIs(err, ErrSymbolNotFound) {
				assert.Contains(err.Error(), "NTDLL.RtlAllocateHeap")
			}
		})
	}
}

func TestResolveExport_NotFound(t *testing.T) {
	built := petest.Build(petest.Options{Exports: []petest.Export{{Name: "Foo"}}})

	corrupt := func(offset int, value byte) []byte {
		b := append([]byte(nil), built.Bytes...)
		b[offset] = value
		return b
	}

	cases := map[string]struct {
		img      func(t *testing.T) Image
		name     string
		badImage bool
	}{
		"nil image": {
			img:  func(t *testing.T) Image { return nil },
			name: "Foo",
		},
		"empty name": {
			img:  func(t *testing.T) Image { return mappedImage(t, built.Bytes) },
			name: "",
		},
		"bad DOS signature": {
			img:      func(t *testing.T) Image { return mappedImage(t, corrupt(0, 'X')) },
			name:     "Foo",
			badImage: true,
		},
		"bad NT signature": {
			img:      func(t *testing.T) Image { return mappedImage(t, corrupt(petest.NTOffset, 'X')) },
			name:     "Foo",
			badImage: true,
		},
		"bad optional header magic": {
			img:      func(t *testing.T) Image { return mappedImage(t, corrupt(petest.NTOffset+24, 0x77)) },
			name:     "Foo",
			badImage: true,
		},
		"no export directory": {
			img: func(t *testing.T) Image {
				return mappedImage(t, petest.Build(petest.Options{NoExportDir: true}).Bytes)
			},
			name: "Foo",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			addr, err := ResolveExport(tc.img(t), tc.name)
			assert.Zero(t, addr)
			assert.ErrorIs(t, err, ErrSymbolNotFound)
			if tc.badImage {
				assert.ErrorIs(t, err, ErrBadImage)
			}
		})
	}
}

func TestResolveExport_OrdinalOutOfRange(t *testing.T) {
	built := petest.Build(petest.Options{Exports: []petest.Export{{Name: "Foo"}}})
	b := append([]byte(nil), built.Bytes...)

	// NumberOfFunctions = 0
	binary.LittleEndian.PutUint32(b[built.ExportDir+20:], 0)

	_, err := ResolveExport(mappedImage(t, b), "Foo")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.ErrorIs(t, err, ErrBadImage)
}

func TestExports(t *testing.T) {
	assert := assert.New(t)

	built := petest.Build(petest.Options{Exports: []petest.Export{
		{Name: "Foo"},
		{Name: "HeapAlloc", Forward: "NTDLL.RtlAllocateHeap"},
	}})

	exports, err := Exports(mappedImage(t, built.Bytes))
	if !assert.NoError(err) || !assert.Len(exports, 2) {
		return
	}

	assert.Equal(Export{
		Name:    "Foo",
		Ordinal: built.Ordinals["Foo"],
		RVA:     built.RVAs["Foo"],
	}, exports[0])
	assert.Equal(Export{
		Name:    "HeapAlloc",
		Ordinal: built.Ordinals["HeapAlloc"],
		RVA:     built.RVAs["HeapAlloc"],
		Forward: "NTDLL.RtlAllocateHeap",
	}, exports[1])

	_, err = Exports(nil)
	assert.ErrorIs(err, ErrBadImage)
}

func TestOpenImage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	built := petest.Build(petest.Options{
		ImageBase: 0x180000000,
		Exports:   []petest.Export{{Name: "OpenAdapter"}},
	})
	path := filepath.Join(t.TempDir(), "umd.dll")
	require.NoError(os.WriteFile(path, built.Bytes, 0o644))

	img, err := OpenImage(path)
	require.NoError(err)
	defer img.Close()

	assert.Equal(uintptr(0x180000000), img.Base())

	addr, err := ResolveExport(img, "OpenAdapter")
	if assert.NoError(err) {
		assert.Equal(uintptr(0x180000000)+uintptr(built.RVAs["OpenAdapter"]), addr)
	}

	buf := make([]byte, 8)
	_, err = img.ReadAt(buf, int64(len(built.Bytes))+0x10000)
	assert.Error(err)
}

func TestOpenImage_NotPE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text.dll")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := OpenImage(path)
	assert.ErrorIs(t, err, ErrBadImage)

	_, err = OpenImage(filepath.Join(t.TempDir(), "missing.dll"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMemoryImage(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(MemoryImage(0))

	built := petest.Build(petest.Options{Exports: []petest.Export{{Name: "Foo"}}})
	img := mappedImage(t, built.Bytes)

	buf := make([]byte, 2)
	_, err := img.ReadAt(buf, 0)
	assert.NoError(err)
	assert.Equal([]byte("MZ"), buf)

	// Reads stop at SizeOfImage.
	n, err := img.ReadAt(make([]byte, 16), int64(len(built.Bytes))-8)
	assert.Equal(8, n)
	assert.Error(err)

	_, err = img.ReadAt(buf, int64(len(built.Bytes)))
	assert.Error(err)
}
