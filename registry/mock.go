package registry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/carbonblack/ntloadorder/util"
)

var (
	hexTypeRe    = regexp.MustCompile(`^hex\(([0-9a-fA-F]+)\):`)
	hivePrefixes = []string{"hkey_local_machine\\system\\", "hklm\\system\\"}
)

// Reg is a key of the mock registry. Subkeys and values keep their insertion
// order, which is the order Subkeys and Values report.
type Reg struct {
	name    string
	path    string
	values  []*rawValue
	subkeys []*Reg
}

// ParseValue converts the textual form of a value into a typed value. The
// prefixes follow .reg file conventions:
//
//	dword:0000000a       REG_DWORD, hex digits
//	qword:...            REG_QWORD, hex digits
//	hex:01,02            REG_BINARY
//	hex(7):61,00,...     raw bytes with the type in parentheses (hex)
//	multi_sz:a|b         REG_MULTI_SZ
//	expand_sz:%x%        REG_EXPAND_SZ
//	sz:text              REG_SZ, for text that starts like one of the above
//
// Anything else is stored as a REG_SZ.
func ParseValue(name, value string) (Value, error) {
	v := &rawValue{name: name}

	switch {
	case hexTypeRe.MatchString(value):
		m := hexTypeRe.FindStringSubmatch(value)
		typ, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("Error parsing type of value %s: %w", name, err)
		}
		v.typ = uint32(typ)
		if v.data, err = decodeHexList(value[len(m[0]):]); err != nil {
			return nil, fmt.Errorf("Error parsing value %s: %w", name, err)
		}
	case strings.HasPrefix(value, "hex:"):
		var err error
		v.typ = REG_BINARY
		if v.data, err = decodeHexList(strings.TrimPrefix(value, "hex:")); err != nil {
			return nil, fmt.Errorf("Error parsing value %s: %w", name, err)
		}
	case strings.HasPrefix(value, "dword:"):
		i32, err := strconv.ParseUint(strings.TrimPrefix(value, "dword:"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("Error parsing dword value %s: %w", name, err)
		}
		v.typ = REG_DWORD
		v.data = binary.LittleEndian.AppendUint32(nil, uint32(i32))
	case strings.HasPrefix(value, "qword:"):
		i64, err := strconv.ParseUint(strings.TrimPrefix(value, "qword:"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("Error parsing qword value %s: %w", name, err)
		}
		v.typ = REG_QWORD
		v.data = binary.LittleEndian.AppendUint64(nil, i64)
	case strings.HasPrefix(value, "multi_sz:"):
		v.typ = REG_MULTI_SZ
		strs := []string{}
		if s := strings.TrimPrefix(value, "multi_sz:"); s != "" {
			strs = strings.Split(s, "|")
		}
		v.data = encodeMultiSz(strs)
	case strings.HasPrefix(value, "expand_sz:"):
		v.typ = REG_EXPAND_SZ
		v.data = encodeSz(strings.TrimPrefix(value, "expand_sz:"))
	default:
		// basic string value
		v.typ = REG_SZ
		v.data = encodeSz(strings.TrimPrefix(value, "sz:"))
	}

	return v, nil
}

func decodeHexList(s string) ([]byte, error) {
	s = strings.NewReplacer(",", "", " ", "", "\\\n", "").Replace(s)
	return hex.DecodeString(s)
}

// Registry is an in-memory SYSTEM hive.
type Registry struct {
	root *Reg
}

// NewRegistry creates a mock hive from a map of value paths to their textual
// value, see ParseValue. A path ending in a backslash creates an empty key.
// Entries are inserted in sorted order to keep enumeration deterministic.
func NewRegistry(temp map[string]string) (*Registry, error) {
	mock := &Registry{root: &Reg{}}

	paths := make([]string, 0, len(temp))
	for k := range temp {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := mock.Insert(p, temp[p]); err != nil {
			return mock, err
		}
	}
	return mock, nil
}

func trimHivePrefix(p string) string {
	lower := strings.ToLower(p)
	for _, prefix := range hivePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return p[len(prefix):]
		}
	}
	return p
}

// Insert stores value at path, creating missing keys on the way. The last
// path component is the value name, "@" names the default value. Existing
// values are replaced.
func (r *Registry) Insert(path string, value string) error {
	path = trimHivePrefix(path)
	if strings.HasSuffix(path, "\\") || strings.HasSuffix(path, "/") {
		_, err := r.InsertKey(path)
		return err
	}

	key, name, err := r.splitValuePath(path)
	if err != nil {
		return err
	}
	v, err := ParseValue(name, value)
	if err != nil {
		return err
	}
	key.setValue(v.(*rawValue))
	return nil
}

// splitValuePath creates the key part of a value path and returns it with
// the value name.
func (r *Registry) splitValuePath(path string) (*Reg, string, error) {
	components := util.SplitWinPath(trimHivePrefix(path))
	if len(components) == 0 {
		return nil, "", fmt.Errorf("Insertion failed: invalid path provided. (%v)", path)
	}

	key, err := r.InsertKey(strings.Join(components[:len(components)-1], "\\"))
	if err != nil {
		return nil, "", err
	}
	name := components[len(components)-1]
	if name == "@" {
		name = ""
	}
	return key, name, nil
}

// InsertKey creates the key at path and any missing parents.
func (r *Registry) InsertKey(path string) (*Reg, error) {
	cur := r.root
	for _, component := range util.SplitWinPath(trimHivePrefix(path)) {
		next := cur.child(component)
		if next == nil {
			next = &Reg{name: component, path: joinPath(cur.path, component)}
			cur.subkeys = append(cur.subkeys, next)
		}
		cur = next
	}
	return cur, nil
}

// Get returns the key at path.
func (r *Registry) Get(path string) (*Reg, error) {
	cur := r.root
	for _, component := range util.SplitWinPath(trimHivePrefix(path)) {
		next := cur.child(component)
		if next == nil {
			return nil, keyNotFound(cur.path, component)
		}
		cur = next
	}
	return cur, nil
}

// Update replaces an existing value.
func (r *Registry) Update(path string, value string) error {
	components := util.SplitWinPath(trimHivePrefix(path))
	if len(components) == 0 {
		return fmt.Errorf("Registry update failed, empty path")
	}

	key, err := r.Get(strings.Join(components[:len(components)-1], "\\"))
	if err != nil {
		return fmt.Errorf("Registry update failed: %w", err)
	}
	name := components[len(components)-1]
	if _, err := key.Value(name); err != nil {
		return fmt.Errorf("Registry update failed: %w", err)
	}

	v, err := ParseValue(name, value)
	if err != nil {
		return err
	}
	key.setValue(v.(*rawValue))
	return nil
}

// Delete removes the key or value at path.
func (r *Registry) Delete(path string) error {
	components := util.SplitWinPath(trimHivePrefix(path))
	if len(components) == 0 {
		return fmt.Errorf("Registry delete failed, empty path")
	}

	parent, err := r.Get(strings.Join(components[:len(components)-1], "\\"))
	if err != nil {
		return fmt.Errorf("Registry delete failed: %w", err)
	}
	name := components[len(components)-1]
	for i, sub := range parent.subkeys {
		if strings.EqualFold(sub.name, name) {
			parent.subkeys = append(parent.subkeys[:i], parent.subkeys[i+1:]...)
			return nil
		}
	}
	for i, v := range parent.values {
		if strings.EqualFold(v.name, name) {
			parent.values = append(parent.values[:i], parent.values[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("Registry delete failed: %w", keyNotFound(parent.path, name))
}

// KeyNode implements Hive.
func (r *Registry) KeyNode(path string) (KeyNode, error) {
	key, err := r.Get(path)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (r *Registry) Close() error {
	return nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "\\" + name
}

func (k *Reg) child(name string) *Reg {
	for _, sub := range k.subkeys {
		if strings.EqualFold(sub.name, name) {
			return sub
		}
	}
	return nil
}

func (k *Reg) setValue(v *rawValue) {
	for i, old := range k.values {
		if strings.EqualFold(old.name, v.name) {
			k.values[i] = v
			return
		}
	}
	k.values = append(k.values, v)
}

func (k *Reg) Name() string {
	return k.name
}

func (k *Reg) Subkey(name string) (KeyNode, error) {
	if sub := k.child(name); sub != nil {
		return sub, nil
	}
	return nil, keyNotFound(k.path, name)
}

func (k *Reg) Subkeys() ([]KeyNode, error) {
	keys := make([]KeyNode, len(k.subkeys))
	for i, sub := range k.subkeys {
		keys[i] = sub
	}
	return keys, nil
}

func (k *Reg) Value(name string) (Value, error) {
	values, _ := k.Values()
	return findValue(k.path, values, name)
}

func (k *Reg) Values() ([]Value, error) {
	values := make([]Value, len(k.values))
	for i, v := range k.values {
		values[i] = v
	}
	return values, nil
}
