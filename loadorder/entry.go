// Package loadorder reconstructs the order in which the Windows bootloader
// loads boot drivers and their dependencies.
//
// The result is computed in steps that operate on one ordered list: boot
// services are read from the SYSTEM hive, sorted by tag and group, pulled
// forward by groups and services hardcoded into the bootloader, preceded by
// the kernel binaries and finally expanded with the DLL imports of every
// image.
package loadorder

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Reasons attached to entries. Passes that move an entry append to them.
const (
	ReasonStart          = "Boot Driver via its \"Start\" value"
	ReasonStartOverride  = "Boot Driver via its value in the \"StartOverride\" subkey"
	ReasonBootFileSystem = "Boot File System Driver"
	ReasonKernelBinary   = "Kernel binary"
)

// Group is the load order group a service belongs to.
type Group struct {
	DisplayName string `json:"display_name"`
	// SearchKey is the lowercased DisplayName, used for all comparisons.
	SearchKey string `json:"-"`
}

// NewGroup returns the group named displayName.
func NewGroup(displayName string) *Group {
	return &Group{DisplayName: displayName, SearchKey: strings.ToLower(displayName)}
}

// Entry is one image in the load order.
type Entry struct {
	Name      string `json:"name"`
	ImagePath string `json:"image_path"`
	Group     *Group `json:"group,omitempty"`
	// Tag orders services within their group.
	Tag    *uint32 `json:"tag,omitempty"`
	Reason string  `json:"reason"`
	// IsKernelBinary marks the leading kernel images, which keep their
	// position at the front.
	IsKernelBinary bool `json:"is_kernel_binary"`
}

func (e Entry) String() string {
	return fmt.Sprintf("{ Name: %s, ImagePath: %s, Reason: %s }", e.Name, e.ImagePath, e.Reason)
}

// TagSet is an ordered set of service tags, as stored in a GroupOrderList
// value. The first occurrence of a tag determines its position.
type TagSet struct {
	tags  []uint32
	index map[uint32]int
}

// NewTagSet returns a set holding tags in order, dropping repeated tags.
func NewTagSet(tags ...uint32) *TagSet {
	s := &TagSet{index: make(map[uint32]int, len(tags))}
	for _, tag := range tags {
		s.add(tag)
	}
	return s
}

func (s *TagSet) add(tag uint32) {
	if _, ok := s.index[tag]; ok {
		return
	}
	s.index[tag] = len(s.tags)
	s.tags = append(s.tags, tag)
}

// DecodeTagSet decodes a GroupOrderList value: a little-endian count followed
// by that many tags. Values shorter than 8 bytes hold no tags and a trailing
// partial tag is ignored.
func DecodeTagSet(data []byte) *TagSet {
	s := NewTagSet()
	if len(data) < 8 {
		return s
	}

	count := binary.LittleEndian.Uint32(data)
	for i, off := uint32(0), 4; i < count && off+4 <= len(data); i, off = i+1, off+4 {
		s.add(binary.LittleEndian.Uint32(data[off:]))
	}
	return s
}

// IndexOf returns the zero-based position of tag.
func (s *TagSet) IndexOf(tag uint32) (int, bool) {
	i, ok := s.index[tag]
	return i, ok
}

func (s *TagSet) Len() int {
	return len(s.tags)
}

// Tags returns the tags in order.
func (s *TagSet) Tags() []uint32 {
	return append([]uint32(nil), s.tags...)
}

// RegistryInfo is everything LoadFromRegistry reads from the SYSTEM hive.
type RegistryInfo struct {
	// Entries are the boot services in registry enumeration order, followed
	// by the boot file system driver.
	Entries []Entry
	// Groups maps lowercased group names to their GroupOrderList.
	Groups map[string]*TagSet
	// ServiceGroupOrder lists the group names in load order.
	ServiceGroupOrder []string
}
