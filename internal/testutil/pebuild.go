// Package testutil builds synthetic PE images and registry hives for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/carbonblack/ntloadorder/pefile"
	"github.com/carbonblack/ntloadorder/util"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	headersSize      = 0x200
)

// PeImage describes a synthetic image. Imports become one import descriptor
// each, with a single named thunk. BadThunk points the first thunk outside
// every section. ApiSet, when set, is stored raw in an .apiset section.
type PeImage struct {
	Pe32               bool
	Imports            []string
	BadImportDirectory bool
	BadThunk           bool
	ApiSet             []byte
}

// ApiSetEntry is one namespace entry for BuildApiSet6 and BuildApiSet2. An
// empty host string produces an empty redirection.
type ApiSetEntry struct {
	Name  string
	Hosts []string
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

type peSection struct {
	name string
	rva  uint32
	data []byte
}

func buildImportSection(rva uint32, imports []string, thunkSize int, badThunk bool) []byte {
	n := len(imports)
	off := (n + 1) * binary.Size(pefile.ImportDirectory{})

	ilt := make([]int, n)
	iat := make([]int, n)
	hint := make([]int, n)
	name := make([]int, n)
	for i := range imports {
		ilt[i] = off
		off += 2 * thunkSize
	}
	for i := range imports {
		iat[i] = off
		off += 2 * thunkSize
	}
	for i := range imports {
		hint[i] = off
		off += 2 + len(funcName(i)) + 1
		off += off % 2
	}
	for i, dll := range imports {
		name[i] = off
		off += len(dll) + 1
	}

	buf := make([]byte, off)
	for i, dll := range imports {
		desc := pefile.ImportDirectory{
			ImportLookupTableRva:  rva + uint32(ilt[i]),
			NameRva:               rva + uint32(name[i]),
			ImportAddressTableRva: rva + uint32(iat[i]),
		}
		var b bytes.Buffer
		_ = binary.Write(&b, binary.LittleEndian, desc)
		copy(buf[i*b.Len():], b.Bytes())

		thunk := uint64(rva) + uint64(hint[i])
		if badThunk && i == 0 {
			thunk = 0x00f00000
		}
		for _, table := range []int{ilt[i], iat[i]} {
			if thunkSize == 4 {
				binary.LittleEndian.PutUint32(buf[table:], uint32(thunk))
			} else {
				binary.LittleEndian.PutUint64(buf[table:], thunk)
			}
		}

		binary.LittleEndian.PutUint16(buf[hint[i]:], uint16(i))
		copy(buf[hint[i]+2:], funcName(i))
		copy(buf[name[i]:], dll)
	}
	return buf
}

func funcName(i int) string {
	return "Function" + string(rune('A'+i%26))
}

// BuildPe returns the bytes of a minimal PE32+ (or PE32) image.
func BuildPe(img PeImage) []byte {
	thunkSize := 8
	if img.Pe32 {
		thunkSize = 4
	}

	var sections []peSection
	rva := uint32(sectionAlignment)
	var importDir pefile.DataDirectory
	if img.Imports != nil {
		data := buildImportSection(rva, img.Imports, thunkSize, img.BadThunk)
		sections = append(sections, peSection{".idata", rva, data})
		importDir = pefile.DataDirectory{
			VirtualAddress: rva,
			Size:           uint32((len(img.Imports) + 1) * binary.Size(pefile.ImportDirectory{})),
		}
		rva += alignUp(uint32(len(data)), sectionAlignment)
	}
	if img.BadImportDirectory {
		importDir = pefile.DataDirectory{VirtualAddress: 0x00f00000, Size: 0x28}
	}
	if img.ApiSet != nil {
		sections = append(sections, peSection{".apiset", rva, img.ApiSet})
		rva += alignUp(uint32(len(img.ApiSet)), sectionAlignment)
	}

	var optional interface{}
	if img.Pe32 {
		h := &pefile.OptionalHeader32{
			Magic:               0x10b,
			ImageBase:           0x10000000,
			SectionAlignment:    sectionAlignment,
			FileAlignment:       fileAlignment,
			SizeOfImage:         rva,
			SizeOfHeaders:       headersSize,
			NumberOfRvaAndSizes: 16,
		}
		h.DataDirectories[pefile.DirectoryEntryImport] = importDir
		optional = h
	} else {
		h := &pefile.OptionalHeader32P{
			Magic:               0x20b,
			ImageBase:           0x140000000,
			SectionAlignment:    sectionAlignment,
			FileAlignment:       fileAlignment,
			SizeOfImage:         rva,
			SizeOfHeaders:       headersSize,
			NumberOfRvaAndSizes: 16,
		}
		h.DataDirectories[pefile.DirectoryEntryImport] = importDir
		optional = h
	}

	machine := uint16(0x8664)
	if img.Pe32 {
		machine = 0x14c
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, pefile.DosHeader{Magic: 0x5a4d, AddressExeHeader: 0x40})
	_ = binary.Write(&out, binary.LittleEndian, uint32(0x00004550))
	_ = binary.Write(&out, binary.LittleEndian, pefile.CoffHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: uint16(binary.Size(optional)),
		Characteristics:      0x2022,
	})
	_ = binary.Write(&out, binary.LittleEndian, optional)

	offset := uint32(headersSize)
	for _, s := range sections {
		header := pefile.SectionHeader{
			VirtualSize:    uint32(len(s.data)),
			VirtualAddress: s.rva,
			Size:           alignUp(uint32(len(s.data)), fileAlignment),
			Offset:         offset,
		}
		copy(header.Name[:], s.name)
		_ = binary.Write(&out, binary.LittleEndian, header)
		offset += header.Size
	}

	image := make([]byte, offset)
	copy(image, out.Bytes())
	offset = headersSize
	for _, s := range sections {
		copy(image[offset:], s.data)
		offset += alignUp(uint32(len(s.data)), fileAlignment)
	}
	return image
}

type stringTable struct {
	base uint32
	buf  []byte
}

func (t *stringTable) add(s string) (uint32, uint32) {
	if s == "" {
		return 0, 0
	}
	b := util.StringToUTF16(s)
	off := t.base + uint32(len(t.buf))
	t.buf = append(t.buf, b...)
	return off, uint32(len(b))
}

// BuildApiSet6 encodes entries as a version 6 namespace.
func BuildApiSet6(entries []ApiSetEntry) []byte {
	const headerSize, entrySize, valueSize = 28, 24, 20

	values := 0
	for _, e := range entries {
		values += len(e.Hosts)
	}
	valuesOff := uint32(headerSize + entrySize*len(entries))
	strs := &stringTable{base: valuesOff + uint32(valueSize*values)}

	var head, vals bytes.Buffer
	var valueIndex uint32
	for _, e := range entries {
		nameOff, nameLen := strs.add(e.Name)
		hashed := nameLen
		if i := strings.LastIndexByte(e.Name, '-'); i >= 0 {
			hashed = uint32(i * 2)
		}
		_ = binary.Write(&head, binary.LittleEndian, [6]uint32{
			0, nameOff, nameLen, hashed, valuesOff + valueIndex*valueSize, uint32(len(e.Hosts)),
		})
		for _, host := range e.Hosts {
			hostOff, hostLen := strs.add(host)
			_ = binary.Write(&vals, binary.LittleEndian, [5]uint32{0, 0, 0, hostOff, hostLen})
			valueIndex++
		}
	}

	total := strs.base + uint32(len(strs.buf))
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, [7]uint32{6, total, 0, uint32(len(entries)), headerSize, 0, 0x1f})
	out.Write(head.Bytes())
	out.Write(vals.Bytes())
	out.Write(strs.buf)
	return out.Bytes()
}

// BuildApiSet2 encodes entries as a version 2 namespace. Names must not carry
// the "api-" prefix.
func BuildApiSet2(entries []ApiSetEntry) []byte {
	const headerSize, entrySize, valueSize = 8, 12, 16

	dataOff := uint32(headerSize + entrySize*len(entries))
	dataLen := uint32(0)
	for _, e := range entries {
		dataLen += 4 + uint32(valueSize*len(e.Hosts))
	}
	strs := &stringTable{base: dataOff + dataLen}

	var head, data bytes.Buffer
	for _, e := range entries {
		nameOff, nameLen := strs.add(e.Name)
		_ = binary.Write(&head, binary.LittleEndian, [3]uint32{nameOff, nameLen, dataOff + uint32(data.Len())})
		_ = binary.Write(&data, binary.LittleEndian, uint32(len(e.Hosts)))
		for _, host := range e.Hosts {
			hostOff, hostLen := strs.add(host)
			_ = binary.Write(&data, binary.LittleEndian, [4]uint32{0, 0, hostOff, hostLen})
		}
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, [2]uint32{2, uint32(len(entries))})
	out.Write(head.Bytes())
	out.Write(data.Bytes())
	out.Write(strs.buf)
	return out.Bytes()
}
