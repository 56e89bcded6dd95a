package pefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/carbonblack/ntloadorder/util"
)

var (
	ErrNoApiSetSection          = errors.New("no .apiset section")
	ErrUnsupportedApiSetVersion = errors.New("unsupported api set schema version")
	ErrCorruptApiSet            = errors.New("corrupt api set namespace")
)

// ApiSetHost is one redirection of an API Set. ImportingName is empty for the
// default host and names the importing module for exceptions.
type ApiSetHost struct {
	ImportingName string
	HostName      string
}

// ApiSetEntry is one virtual module of the API Set namespace.
type ApiSetEntry struct {
	Name  string
	Hosts []ApiSetHost
}

// ApiSetMap maps virtual API Set module names to their host modules.
type ApiSetMap struct {
	Version uint32
	entries map[string]*ApiSetEntry
}

// Windows 10 and later (schema version 6)
type apisetHeader6 struct {
	Version     uint32
	Size        uint32
	Flags       uint32
	Count       uint32
	EntryOffset uint32
	HashOffset  uint32
	HashFactor  uint32
}

type apisetNamespaceEntry6 struct {
	Flags        uint32
	NameOffset   uint32
	NameLength   uint32
	HashedLength uint32
	ValueOffset  uint32
	ValueCount   uint32
}

type apisetValueEntry6 struct {
	Flags       uint32
	NameOffset  uint32
	NameLength  uint32
	ValueOffset uint32
	ValueLength uint32
}

// Windows 7 (schema version 2)
type apisetHeader2 struct {
	Version uint32
	Count   uint32
}

type apisetNamespaceEntry2 struct {
	NameOffset uint32
	NameLength uint32
	DataOffset uint32
}

type apisetValueEntry2 struct {
	NameOffset  uint32
	NameLength  uint32
	ValueOffset uint32
	ValueLength uint32
}

// apisetKey normalizes a module name to the part the loader hashes: lower
// case, without a .dll extension and without the trailing "-<n>" version.
func apisetKey(name string) string {
	key := strings.ToLower(name)
	key = strings.TrimSuffix(key, ".dll")
	if i := strings.LastIndexByte(key, '-'); i >= 0 {
		key = key[:i]
	}
	return key
}

// Lookup returns the hosts of the API Set module name, which may carry a .dll
// extension. The second result is false if the namespace has no such entry.
func (m *ApiSetMap) Lookup(name string) ([]ApiSetHost, bool) {
	entry, ok := m.entries[apisetKey(name)]
	if !ok {
		return nil, false
	}
	return entry.Hosts, true
}

// Len returns the number of namespace entries.
func (m *ApiSetMap) Len() int {
	return len(m.entries)
}

// Entries returns every namespace entry sorted by name.
func (m *ApiSetMap) Entries() []*ApiSetEntry {
	entries := make([]*ApiSetEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

func (m *ApiSetMap) add(name string, hosts []ApiSetHost) {
	m.entries[apisetKey(name)] = &ApiSetEntry{Name: strings.ToLower(name), Hosts: hosts}
}

// ApiSet decodes the API Set namespace stored in the .apiset section.
func (self *PeFile) ApiSet() (*ApiSetMap, error) {
	section := self.GetSectionByName(".apiset")
	if section == nil {
		return nil, fmt.Errorf("Error reading api set schema of %s: %w", self.Path, ErrNoApiSetSection)
	}

	m, err := ParseApiSet(section.Raw)
	if err != nil {
		return nil, fmt.Errorf("Error reading api set schema of %s: %w", self.Path, err)
	}
	return m, nil
}

// ParseApiSet decodes a raw API Set namespace.
func ParseApiSet(raw []byte) (*ApiSetMap, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("namespace of %d bytes is too short", len(raw))
	}

	m := &ApiSetMap{
		Version: binary.LittleEndian.Uint32(raw[0:4]),
		entries: make(map[string]*ApiSetEntry),
	}

	var err error
	switch m.Version {
	case 6:
		err = m.parse6(raw)
	case 2:
		err = m.parse2(raw)
	default:
		err = fmt.Errorf("version %d: %w", m.Version, ErrUnsupportedApiSetVersion)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// readStruct decodes a fixed size struct found at offset.
func readStruct(raw []byte, offset uint32, v interface{}) error {
	size := binary.Size(v)
	if uint64(offset)+uint64(size) > uint64(len(raw)) {
		return fmt.Errorf("structure at 0x%x runs past the namespace end", offset)
	}
	return binary.Read(bytes.NewReader(raw[offset:int(offset)+size]), binary.LittleEndian, v)
}

// checkArray verifies that count elements of size bytes starting at offset
// lie within the namespace, before anything is allocated for them.
func checkArray(raw []byte, offset, count, size uint32) error {
	if uint64(offset)+uint64(count)*uint64(size) > uint64(len(raw)) {
		return fmt.Errorf("%d entries at 0x%x run past the namespace end: %w", count, offset, ErrCorruptApiSet)
	}
	return nil
}

func readUTF16(raw []byte, offset, length uint32) (string, error) {
	if uint64(offset)+uint64(length) > uint64(len(raw)) {
		return "", fmt.Errorf("string at 0x%x runs past the namespace end", offset)
	}
	return util.UTF16ToString(raw[offset : offset+length]), nil
}

func (m *ApiSetMap) parse6(raw []byte) error {
	header := apisetHeader6{}
	if err := readStruct(raw, 0, &header); err != nil {
		return err
	}

	entrySize := uint32(binary.Size(apisetNamespaceEntry6{}))
	valueSize := uint32(binary.Size(apisetValueEntry6{}))

	for i := uint32(0); i < header.Count; i++ {
		entry := apisetNamespaceEntry6{}
		if err := readStruct(raw, header.EntryOffset+i*entrySize, &entry); err != nil {
			return err
		}

		name, err := readUTF16(raw, entry.NameOffset, entry.NameLength)
		if err != nil {
			return err
		}

		if err := checkArray(raw, entry.ValueOffset, entry.ValueCount, valueSize); err != nil {
			return fmt.Errorf("values of %s: %w", name, err)
		}
		hosts := make([]ApiSetHost, 0, entry.ValueCount)
		for j := uint32(0); j < entry.ValueCount; j++ {
			value := apisetValueEntry6{}
			if err := readStruct(raw, entry.ValueOffset+j*valueSize, &value); err != nil {
				return err
			}

			importing, err := readUTF16(raw, value.NameOffset, value.NameLength)
			if err != nil {
				return err
			}
			host, err := readUTF16(raw, value.ValueOffset, value.ValueLength)
			if err != nil {
				return err
			}
			hosts = append(hosts, ApiSetHost{ImportingName: importing, HostName: host})
		}

		m.add(name, hosts)
	}

	return nil
}

func (m *ApiSetMap) parse2(raw []byte) error {
	header := apisetHeader2{}
	if err := readStruct(raw, 0, &header); err != nil {
		return err
	}

	loc := uint32(binary.Size(apisetHeader2{}))
	entrySize := uint32(binary.Size(apisetNamespaceEntry2{}))
	valueSize := uint32(binary.Size(apisetValueEntry2{}))

	// loop over the array of name entries
	for i := uint32(0); i < header.Count; i++ {
		entry := apisetNamespaceEntry2{}
		if err := readStruct(raw, loc+i*entrySize, &entry); err != nil {
			return err
		}

		// version 2 names are stored without their "api-" prefix
		name, err := readUTF16(raw, entry.NameOffset, entry.NameLength)
		if err != nil {
			return err
		}

		var count uint32
		if err := readStruct(raw, entry.DataOffset, &count); err != nil {
			return err
		}

		if err := checkArray(raw, entry.DataOffset+4, count, valueSize); err != nil {
			return fmt.Errorf("values of api-%s: %w", name, err)
		}
		hosts := make([]ApiSetHost, 0, count)
		for j := uint32(0); j < count; j++ {
			value := apisetValueEntry2{}
			if err := readStruct(raw, entry.DataOffset+4+j*valueSize, &value); err != nil {
				return err
			}

			importing, err := readUTF16(raw, value.NameOffset, value.NameLength)
			if err != nil {
				return err
			}
			host, err := readUTF16(raw, value.ValueOffset, value.ValueLength)
			if err != nil {
				return err
			}
			hosts = append(hosts, ApiSetHost{ImportingName: importing, HostName: host})
		}

		m.add("api-"+name, hosts)
	}

	return nil
}
