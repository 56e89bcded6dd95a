// Package registry provides read access to the SYSTEM hive of a Windows
// installation. Three backends implement Hive: an offline regf reader for
// mounted installations, the live registry of the running Windows system, and
// an in-memory mock for tests and fixtures.
//
// Key paths are backslash separated and relative to the SYSTEM hive root,
// e.g. `ControlSet001\Services`. Lookups of subkeys and values ignore case.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/carbonblack/ntloadorder/util"
)

// Registry value types
const (
	REG_NONE                       = 0
	REG_SZ                         = 1
	REG_EXPAND_SZ                  = 2
	REG_BINARY                     = 3
	REG_DWORD                      = 4
	REG_DWORD_BIG_ENDIAN           = 5
	REG_LINK                       = 6
	REG_MULTI_SZ                   = 7
	REG_RESOURCE_LIST              = 8
	REG_FULL_RESOURCE_DESCRIPTOR   = 9
	REG_RESOURCE_REQUIREMENTS_LIST = 10
	REG_QWORD                      = 11
)

var (
	ErrKeyNotFound       = errors.New("registry key not found")
	ErrValueNotFound     = errors.New("registry value not found")
	ErrUnexpectedType    = errors.New("unexpected registry value type")
	ErrLiveUnsupported   = errors.New("live registry access is only supported on Windows")
	ErrCorruptHive       = errors.New("corrupt registry hive")
	ErrBigData           = errors.New("segmented registry value data is not supported")
	ErrNotRegistryHive   = errors.New("not a registry hive")
	errUnexpectedDataLen = errors.New("unexpected registry value size")
)

// Hive is an opened SYSTEM hive.
type Hive interface {
	// KeyNode opens the key at path. The empty path is the hive root.
	KeyNode(path string) (KeyNode, error)
	Close() error
}

// KeyNode is a single registry key.
type KeyNode interface {
	Name() string
	Subkey(name string) (KeyNode, error)
	// Subkeys returns the child keys in the order the backend stores them.
	Subkeys() ([]KeyNode, error)
	Value(name string) (Value, error)
	Values() ([]Value, error)
}

// Value is a registry value with typed accessors. Every accessor fails with
// ErrUnexpectedType when the stored type does not match.
type Value interface {
	Name() string
	Type() uint32
	Dword() (uint32, error)
	Qword() (uint64, error)
	Sz() (string, error)
	MultiSz() ([]string, error)
	// Binary returns the raw data regardless of the stored type.
	Binary() []byte
}

// TypeName returns the REG_* name of typ.
func TypeName(typ uint32) string {
	switch typ {
	case REG_NONE:
		return "REG_NONE"
	case REG_SZ:
		return "REG_SZ"
	case REG_EXPAND_SZ:
		return "REG_EXPAND_SZ"
	case REG_BINARY:
		return "REG_BINARY"
	case REG_DWORD:
		return "REG_DWORD"
	case REG_DWORD_BIG_ENDIAN:
		return "REG_DWORD_BIG_ENDIAN"
	case REG_LINK:
		return "REG_LINK"
	case REG_MULTI_SZ:
		return "REG_MULTI_SZ"
	case REG_RESOURCE_LIST:
		return "REG_RESOURCE_LIST"
	case REG_FULL_RESOURCE_DESCRIPTOR:
		return "REG_FULL_RESOURCE_DESCRIPTOR"
	case REG_RESOURCE_REQUIREMENTS_LIST:
		return "REG_RESOURCE_REQUIREMENTS_LIST"
	case REG_QWORD:
		return "REG_QWORD"
	}
	return fmt.Sprintf("REG_0x%x", typ)
}

// rawValue decodes a value from its stored bytes. All backends produce them.
type rawValue struct {
	name string
	typ  uint32
	data []byte
}

func (v *rawValue) Name() string   { return v.name }
func (v *rawValue) Type() uint32   { return v.typ }
func (v *rawValue) Binary() []byte { return v.data }

func (v *rawValue) typeError(want uint32) error {
	return fmt.Errorf("value %q is %s, not %s: %w", v.name, TypeName(v.typ), TypeName(want), ErrUnexpectedType)
}

func (v *rawValue) Dword() (uint32, error) {
	if v.typ != REG_DWORD {
		return 0, v.typeError(REG_DWORD)
	}
	if len(v.data) < 4 {
		return 0, fmt.Errorf("value %q has %d bytes: %w", v.name, len(v.data), errUnexpectedDataLen)
	}
	return binary.LittleEndian.Uint32(v.data), nil
}

func (v *rawValue) Qword() (uint64, error) {
	if v.typ != REG_QWORD {
		return 0, v.typeError(REG_QWORD)
	}
	if len(v.data) < 8 {
		return 0, fmt.Errorf("value %q has %d bytes: %w", v.name, len(v.data), errUnexpectedDataLen)
	}
	return binary.LittleEndian.Uint64(v.data), nil
}

// Sz accepts REG_SZ and REG_EXPAND_SZ. Environment variables are not expanded.
func (v *rawValue) Sz() (string, error) {
	if v.typ != REG_SZ && v.typ != REG_EXPAND_SZ {
		return "", v.typeError(REG_SZ)
	}
	return util.UTF16ToStringNul(v.data), nil
}

func (v *rawValue) MultiSz() ([]string, error) {
	if v.typ != REG_MULTI_SZ {
		return nil, v.typeError(REG_MULTI_SZ)
	}
	return decodeMultiSz(v.data), nil
}

// decodeMultiSz splits NUL separated UTF-16 strings. Decoding ends at the
// first empty string, which is the list terminator.
func decodeMultiSz(data []byte) []string {
	strs := []string{}
	start := 0
	for i := 0; i+1 < len(data); i += 2 {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if i == start {
			return strs
		}
		strs = append(strs, util.UTF16ToString(data[start:i]))
		start = i + 2
	}
	if start+1 < len(data) {
		strs = append(strs, util.UTF16ToString(data[start:len(data)&^1]))
	}
	return strs
}

// encodeMultiSz is the inverse of decodeMultiSz including the terminator.
func encodeMultiSz(strs []string) []byte {
	var ret []byte
	for _, s := range strs {
		ret = append(ret, util.StringToUTF16(s)...)
		ret = append(ret, 0, 0)
	}
	return append(ret, 0, 0)
}

func encodeSz(s string) []byte {
	return append(util.StringToUTF16(s), 0, 0)
}

// walk follows path components from key.
func walk(key KeyNode, path string) (KeyNode, error) {
	for _, component := range util.SplitWinPath(path) {
		next, err := key.Subkey(component)
		if err != nil {
			return nil, err
		}
		key = next
	}
	return key, nil
}

func keyNotFound(parent, name string) error {
	return fmt.Errorf("%s\\%s: %w", parent, name, ErrKeyNotFound)
}

func valueNotFound(key, name string) error {
	return fmt.Errorf("value %q of %s: %w", name, key, ErrValueNotFound)
}

func findValue(key string, values []Value, name string) (Value, error) {
	for _, v := range values {
		if strings.EqualFold(v.Name(), name) {
			return v, nil
		}
	}
	return nil, valueNotFound(key, name)
}
