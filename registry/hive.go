package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"www.velocidex.com/golang/regparser"

	"github.com/carbonblack/ntloadorder/util"
)

const (
	baseBlockSize  = 0x1000
	systemHivePath = "System32\\config\\SYSTEM"
	regfSignature  = "regf"

	// base block field offsets
	majorVersionOffset = 20
	minorVersionOffset = 24
	rootCellOffset     = 36

	bigDataSegment  = 16344
	minorBigDataVer = 4
	dataInline      = 0x80000000
)

// HiveFile is a registry hive read from the regf file format. Transaction
// logs are not replayed, so a dirty hive is read in its on-disk state.
type HiveFile struct {
	Path string
	reg  *regparser.Registry
	// bigData is set for format versions that segment large values
	bigData bool
}

// ParseHive parses an in-memory regf hive. name is only used in errors.
func ParseHive(data []byte, name string) (h *HiveFile, err error) {
	if len(data) < baseBlockSize {
		return nil, fmt.Errorf("Error reading base block of %s: %d bytes: %w", name, len(data), ErrNotRegistryHive)
	}
	if sig := data[:len(regfSignature)]; string(sig) != regfSignature {
		return nil, fmt.Errorf("Error reading base block of %s: bad signature %q: %w", name, sig, ErrNotRegistryHive)
	}
	if major := binary.LittleEndian.Uint32(data[majorVersionOffset:]); major != 1 {
		return nil, fmt.Errorf("Error reading base block of %s: major version %d: %w", name, major, ErrNotRegistryHive)
	}
	if root := binary.LittleEndian.Uint32(data[rootCellOffset:]); uint64(baseBlockSize)+uint64(root)+4 > uint64(len(data)) {
		return nil, fmt.Errorf("Error reading root key of %s: cell 0x%x out of range: %w", name, root, ErrCorruptHive)
	}

	defer recoverCorrupt(name, &err)

	reg, err := regparser.NewRegistry(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("Error reading %s: %v: %w", name, err, ErrCorruptHive)
	}
	h = &HiveFile{
		Path:    name,
		reg:     reg,
		bigData: binary.LittleEndian.Uint32(data[minorVersionOffset:]) >= minorBigDataVer,
	}
	if _, err := h.root(); err != nil {
		return nil, fmt.Errorf("Error reading root key of %s: %w", name, err)
	}
	return h, nil
}

// OpenTarget reads the SYSTEM hive of the Windows installation at the root of
// fs.
func OpenTarget(fs afero.Fs) (*HiveFile, error) {
	r := util.NewPathResolver(fs)
	data, err := r.ReadFile(systemHivePath)
	if err != nil {
		return nil, fmt.Errorf("Error opening SYSTEM hive: %w", err)
	}
	return ParseHive(data, systemHivePath)
}

// Close releases nothing, the hive is held in memory.
func (h *HiveFile) Close() error {
	return nil
}

// KeyNode implements Hive.
func (h *HiveFile) KeyNode(path string) (KeyNode, error) {
	root, err := h.root()
	if err != nil {
		return nil, err
	}
	return walk(root, path)
}

func (h *HiveFile) root() (*hiveKey, error) {
	nk := h.reg.OpenKey("")
	if nk == nil {
		return nil, fmt.Errorf("no root key in %s: %w", h.Path, ErrCorruptHive)
	}
	return &hiveKey{nk: nk, bigData: h.bigData}, nil
}

// recoverCorrupt turns a panic while decoding cells into ErrCorruptHive.
// regparser reads cells without bounds checks.
func recoverCorrupt(path string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("Error reading %s: %v: %w", path, r, ErrCorruptHive)
	}
}

type hiveKey struct {
	nk      *regparser.CM_KEY_NODE
	path    string
	bigData bool
}

func (k *hiveKey) Name() string {
	return k.nk.Name()
}

func (k *hiveKey) child(nk *regparser.CM_KEY_NODE) *hiveKey {
	sub := &hiveKey{nk: nk, path: nk.Name(), bigData: k.bigData}
	if k.path != "" {
		sub.path = k.path + "\\" + sub.path
	}
	return sub
}

func (k *hiveKey) Subkeys() (keys []KeyNode, err error) {
	defer recoverCorrupt(k.path, &err)

	for _, nk := range k.nk.Subkeys() {
		if nk == nil {
			return nil, fmt.Errorf("Error reading subkey of %s: %w", k.path, ErrCorruptHive)
		}
		keys = append(keys, k.child(nk))
	}
	return keys, nil
}

func (k *hiveKey) Subkey(name string) (KeyNode, error) {
	keys, err := k.Subkeys()
	if err != nil {
		return nil, err
	}
	for _, sub := range keys {
		if strings.EqualFold(sub.Name(), name) {
			return sub, nil
		}
	}
	return nil, keyNotFound(k.path, name)
}

func (k *hiveKey) Values() (values []Value, err error) {
	defer recoverCorrupt(k.path, &err)

	for _, vk := range k.nk.Values() {
		v, err := k.value(vk)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Value only decodes the data of the matching value, so one unreadable value
// does not hide its siblings.
func (k *hiveKey) Value(name string) (v Value, err error) {
	defer recoverCorrupt(k.path, &err)

	for _, vk := range k.nk.Values() {
		if strings.EqualFold(vk.ValueName(), name) {
			return k.value(vk)
		}
	}
	return nil, valueNotFound(k.path, name)
}

// value re-encodes the decoded data in its on-disk layout, which the typed
// accessors of rawValue expect.
func (k *hiveKey) value(vk *regparser.CM_KEY_VALUE) (*rawValue, error) {
	if size := vk.DataLength(); k.bigData && size&dataInline == 0 && size > bigDataSegment {
		return nil, fmt.Errorf("Error reading value %q of %s: %d bytes: %w", vk.ValueName(), k.path, size, ErrBigData)
	}

	data := vk.ValueData()
	if data == nil {
		return nil, fmt.Errorf("Error reading value %q of %s: %w", vk.ValueName(), k.path, ErrCorruptHive)
	}

	v := &rawValue{name: vk.ValueName(), typ: uint32(data.Type)}
	switch v.typ {
	case REG_SZ, REG_EXPAND_SZ:
		v.data = encodeSz(data.String)
	case REG_MULTI_SZ:
		v.data = encodeMultiSz(data.MultiSz)
	case REG_DWORD:
		v.data = binary.LittleEndian.AppendUint32(nil, uint32(data.Uint64))
	case REG_QWORD:
		v.data = binary.LittleEndian.AppendUint64(nil, data.Uint64)
	default:
		v.data = data.Data
	}
	return v, nil
}
