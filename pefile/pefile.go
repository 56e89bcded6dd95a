// Package pefile reads the parts of PE images the load order computation
// needs: the import directory and the API Set schema held in the
// `.apiset` section of apisetschema.dll.
package pefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
)

type PeType int

const (
	Pe32 PeType = iota
	Pe32p
)

const (
	dosMagic     = 0x5a4d
	peSignature  = 0x00004550
	pe32Magic    = 0x10b
	pe32pMagic   = 0x20b
	maxImportDir = 0x4000

	DirectoryEntryImport = 1
)

var (
	ErrNotPe           = errors.New("not a PE image")
	ErrRvaOutOfSection = errors.New("rva not backed by section data")
)

type DosHeader struct {
	Magic                      uint16
	BytesOnLastPage            uint16
	PagesInFile                uint16
	Relocations                uint16
	SizeOfHeader               uint16
	MinExtra                   uint16
	MaxExtra                   uint16
	InitialSS                  uint16
	InitialSP                  uint16
	Checksum                   uint16
	InitialIP                  uint16
	InitialCS                  uint16
	FileAddressRelocationTable uint16
	Overlay                    uint16
	Reserved                   [4]uint16
	OemId                      uint16
	OemInfo                    uint16
	Reserved2                  [10]uint16
	AddressExeHeader           uint32
}

type CoffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDataStamp        uint32
	PointerSymbolTable   uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32Version            uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Checksum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectories         [16]DataDirectory
}

type OptionalHeader32P struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32Version            uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Checksum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectories         [16]DataDirectory
}

type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	Size                 uint32
	Offset               uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type Section struct {
	Name           string
	VirtualSize    uint32
	VirtualAddress uint32
	Size           uint32
	Offset         uint32
	Raw            []byte
}

// contains reports whether rva falls into the section's virtual range.
func (s *Section) contains(rva uint32) bool {
	span := s.VirtualSize
	if s.Size > span {
		span = s.Size
	}
	return rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(span)
}

type ImportInfo struct {
	DllName  string
	FuncName string
	Ordinal  uint16
}

type ImportDirectory struct {
	ImportLookupTableRva  uint32
	TimeDataStamp         uint32
	ForwarderChain        uint32
	NameRva               uint32
	ImportAddressTableRva uint32
}

type PeFile struct {
	Path           string
	DosHeader      *DosHeader
	CoffHeader     *CoffHeader
	OptionalHeader interface{}
	PeType         PeType
	Sections       []*Section
	Imports        []*ImportInfo
	// ImportsErr is set when the import directory exists but cannot be
	// decoded. A broken descriptor leaves no imports at all, a broken thunk
	// leaves ImportedDlls intact and Imports empty.
	ImportsErr  error
	importedDll []string
	Size        int64
}

func (self *PeFile) String() string {
	return fmt.Sprintf("{ Path: %s }", self.Path)
}

// LoadPeFile will parse a file from disk, given a path. The output will be a
// PeFile object or an error
func LoadPeFile(path string) (*PeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Error opening %s file: %w", path, err)
	}
	return LoadPeBytes(data, path)
}

// LoadPeFs parses the file at path inside fs.
func LoadPeFs(fs afero.Fs, path string) (*PeFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("Error opening %s file: %w", path, err)
	}
	return LoadPeBytes(data, path)
}

// LoadPeBytes will take a PE file in the form of an in memory byte array and parse it
func LoadPeBytes(data []byte, name string) (*PeFile, error) {
	pe := PeFile{Path: name}
	pe.Size = int64(len(data))
	if err := analyzePeFile(data, &pe); err != nil {
		return nil, err
	}
	return &pe, nil
}

// analyzePeFile is the core parser for PE files
func analyzePeFile(data []byte, pe *PeFile) error {
	var err error

	//create reader at offset 0
	r := bytes.NewReader(data)

	// read in DosHeader
	pe.DosHeader = &DosHeader{}
	if err = binary.Read(r, binary.LittleEndian, pe.DosHeader); err != nil {
		return fmt.Errorf("Error reading dosHeader from file %s: %w", pe.Path, err)
	}
	if pe.DosHeader.Magic != dosMagic {
		return fmt.Errorf("Error reading dosHeader from file %s: bad magic 0x%x: %w", pe.Path, pe.DosHeader.Magic, ErrNotPe)
	}

	// check the PE signature, then read CoffHeader into struct
	ntHeaders := int64(pe.DosHeader.AddressExeHeader)
	if _, err = r.Seek(ntHeaders, io.SeekStart); err != nil {
		return fmt.Errorf("Error seeking to ntHeaders in file %s: %w", pe.Path, err)
	}
	var signature uint32
	if err = binary.Read(r, binary.LittleEndian, &signature); err != nil {
		return fmt.Errorf("Error reading PE signature in file %s: %w", pe.Path, err)
	}
	if signature != peSignature {
		return fmt.Errorf("Error reading PE signature in file %s: 0x%x: %w", pe.Path, signature, ErrNotPe)
	}

	pe.CoffHeader = &CoffHeader{}
	if err = binary.Read(r, binary.LittleEndian, pe.CoffHeader); err != nil {
		return fmt.Errorf("Error reading coffHeader in file %s: %w", pe.Path, err)
	}
	optionalStart := ntHeaders + 4 + int64(binary.Size(CoffHeader{}))

	// check if pe or pe+, read 2 bytes to get Magic then seek backward two bytes
	var magic uint16
	if err = binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("Error reading optional header magic in file %s: %w", pe.Path, err)
	}
	switch magic {
	case pe32Magic:
		pe.PeType = Pe32
		pe.OptionalHeader = &OptionalHeader32{}
	case pe32pMagic:
		pe.PeType = Pe32p
		pe.OptionalHeader = &OptionalHeader32P{}
	default:
		return fmt.Errorf("Error reading optional header in file %s: unknown magic 0x%x: %w", pe.Path, magic, ErrNotPe)
	}
	if _, err = r.Seek(optionalStart, io.SeekStart); err != nil {
		return fmt.Errorf("Error seeking to optionalHeader in file %s: %w", pe.Path, err)
	}

	// the optional header may be shorter than the struct when it has fewer
	// data directories, so read what is there and zero the rest
	optional := make([]byte, binary.Size(pe.OptionalHeader))
	n := int(pe.CoffHeader.SizeOfOptionalHeader)
	if n > len(optional) {
		n = len(optional)
	}
	if _, err = io.ReadFull(r, optional[:n]); err != nil {
		return fmt.Errorf("Error reading optionalHeader in file %s: %w", pe.Path, err)
	}
	if err = binary.Read(bytes.NewReader(optional), binary.LittleEndian, pe.OptionalHeader); err != nil {
		return fmt.Errorf("Error decoding optionalHeader in file %s: %w", pe.Path, err)
	}

	//loop through each section and create Section structs
	sectionsStart := optionalStart + int64(pe.CoffHeader.SizeOfOptionalHeader)
	if _, err = r.Seek(sectionsStart, io.SeekStart); err != nil {
		return fmt.Errorf("Error seeking over sections in file %s: %w", pe.Path, err)
	}

	pe.Sections = make([]*Section, 0, int(pe.CoffHeader.NumberOfSections))
	for i := 0; i < int(pe.CoffHeader.NumberOfSections); i++ {
		temp := SectionHeader{}
		if err = binary.Read(r, binary.LittleEndian, &temp); err != nil {
			return fmt.Errorf("Error reading section[%d] in file %s: %w", i, pe.Path, err)
		}

		section := &Section{
			Name:           strings.TrimRight(string(temp.Name[:]), "\x00"),
			VirtualSize:    temp.VirtualSize,
			VirtualAddress: temp.VirtualAddress,
			Size:           temp.Size,
			Offset:         temp.Offset,
		}

		// raw data running past the end of the file is truncated, the loader
		// zero fills it anyway
		start := uint64(temp.Offset)
		end := start + uint64(temp.Size)
		if start < uint64(len(data)) {
			if end > uint64(len(data)) {
				end = uint64(len(data))
			}
			section.Raw = data[start:end]
		}
		pe.Sections = append(pe.Sections, section)
	}

	pe.ImportsErr = pe.readImports()

	return nil
}

// DataDirectory returns the data directory at index, or a zero directory if
// the optional header does not have that many entries.
func (self *PeFile) DataDirectory(index int) DataDirectory {
	switch h := self.OptionalHeader.(type) {
	case *OptionalHeader32:
		if index < int(min(16, h.NumberOfRvaAndSizes)) {
			return h.DataDirectories[index]
		}
	case *OptionalHeader32P:
		if index < int(min(16, h.NumberOfRvaAndSizes)) {
			return h.DataDirectories[index]
		}
	}
	return DataDirectory{}
}

func (self *PeFile) getSectionByRva(rva uint32) *Section {
	for _, section := range self.Sections {
		if section.contains(rva) {
			return section
		}
	}
	return nil
}

// GetSectionByName returns the first section called name.
func (self *PeFile) GetSectionByName(name string) *Section {
	for _, section := range self.Sections {
		if section.Name == name {
			return section
		}
	}
	return nil
}

// readAtRva copies size bytes starting at rva. Bytes inside the section's
// virtual size but past its raw data read as zero.
func (self *PeFile) readAtRva(rva uint32, size int) ([]byte, error) {
	section := self.getSectionByRva(rva)
	if section == nil {
		return nil, fmt.Errorf("Error reading rva 0x%x in file %s: %w", rva, self.Path, ErrRvaOutOfSection)
	}

	buf := make([]byte, size)
	offset := int(rva - section.VirtualAddress)
	if offset < len(section.Raw) {
		copy(buf, section.Raw[offset:])
	}
	return buf, nil
}

// readStringAtRva reads a NUL terminated ASCII string.
func (self *PeFile) readStringAtRva(rva uint32) (string, error) {
	section := self.getSectionByRva(rva)
	if section == nil {
		return "", fmt.Errorf("Error reading string at rva 0x%x in file %s: %w", rva, self.Path, ErrRvaOutOfSection)
	}
	offset := int(rva - section.VirtualAddress)
	if offset >= len(section.Raw) {
		return "", fmt.Errorf("Error reading string at rva 0x%x in file %s: %w", rva, self.Path, ErrRvaOutOfSection)
	}
	return readString(section.Raw[offset:]), nil
}

func readString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// readImports walks the import directory. A broken descriptor drops every
// import, a broken thunk only drops the function list so the DLL names
// survive.
func (self *PeFile) readImports() error {
	if err := self.readImportDescriptors(); err != nil {
		self.Imports = nil
		self.importedDll = nil
		return err
	}
	return nil
}

func (self *PeFile) readImportDescriptors() error {
	dir := self.DataDirectory(DirectoryEntryImport)
	if dir.VirtualAddress == 0 {
		return nil
	}

	descriptorSize := binary.Size(ImportDirectory{})
	thunkSize := 4
	ordinalFlag := uint64(0x80000000)
	if self.PeType == Pe32p {
		thunkSize = 8
		ordinalFlag = 0x8000000000000000
	}

	self.Imports = make([]*ImportInfo, 0, 100)
	var thunkErr error

	//loop over each dll import
	for i := 0; ; i++ {
		if i == maxImportDir {
			return fmt.Errorf("Error reading imports of %s: import directory not terminated", self.Path)
		}

		raw, err := self.readAtRva(dir.VirtualAddress+uint32(i*descriptorSize), descriptorSize)
		if err != nil {
			return err
		}
		importDirectory := ImportDirectory{}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &importDirectory); err != nil {
			return fmt.Errorf("Error decoding import descriptor %d of %s: %w", i, self.Path, err)
		}

		// end of "array" is an empty struct
		if importDirectory.NameRva == 0 {
			break
		}

		name, err := self.readStringAtRva(importDirectory.NameRva)
		if err != nil {
			return err
		}
		self.importedDll = append(self.importedDll, name)

		// ImportLookupTableRva and ImportAddressTableRva are identical until the binary is actually loaded
		// there are cases where the lookup table is 0 however, and the address table should be used
		thunkRva := importDirectory.ImportLookupTableRva
		if thunkRva == 0 {
			thunkRva = importDirectory.ImportAddressTableRva
		}
		if thunkRva == 0 || thunkErr != nil {
			continue
		}

		for ; ; thunkRva += uint32(thunkSize) {
			raw, err := self.readAtRva(thunkRva, thunkSize)
			if err != nil {
				thunkErr = fmt.Errorf("Error reading thunks of %s in %s: %w", name, self.Path, err)
				break
			}

			var thunk uint64
			if thunkSize == 4 {
				thunk = uint64(binary.LittleEndian.Uint32(raw))
			} else {
				thunk = binary.LittleEndian.Uint64(raw)
			}
			if thunk == 0 {
				break
			}

			if thunk&ordinalFlag != 0 {
				// parse by ordinal
				self.Imports = append(self.Imports, &ImportInfo{DllName: name, Ordinal: uint16(thunk & 0xffff)})
				continue
			}

			// skip the two byte hint, the name might be in a different section
			funcName, err := self.readStringAtRva(uint32(thunk) + 2)
			if err != nil {
				thunkErr = fmt.Errorf("Error reading import name from %s in %s: %w", name, self.Path, err)
				break
			}
			self.Imports = append(self.Imports, &ImportInfo{DllName: name, FuncName: funcName})
		}
	}

	if thunkErr != nil {
		self.Imports = nil
	}
	return thunkErr
}

// ImportedDlls returns the names of the imported modules in the order of the
// import directory, keeping their original case. Repeated descriptors for the
// same module are reported once.
func (self *PeFile) ImportedDlls() []string {
	seen := make(map[string]bool, len(self.importedDll))
	dlls := make([]string, 0, len(self.importedDll))
	for _, name := range self.importedDll {
		if seen[name] {
			continue
		}
		seen[name] = true
		dlls = append(dlls, name)
	}
	return dlls
}
