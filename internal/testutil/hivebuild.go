package testutil

import (
	"encoding/binary"
	"strings"

	"github.com/carbonblack/ntloadorder/util"
)

// Registry value types used by the builders.
const (
	regSz       = 1
	regBinary   = 3
	regDword    = 4
	regMultiSz  = 7
	bigDataSize = 16344
)

// HiveKey is a key of a synthetic regf hive. ListKind selects the subkey list
// format: "lh" (the default), "lf", "li" or "ri".
type HiveKey struct {
	Name     string
	Values   []HiveValue
	Subkeys  []*HiveKey
	ListKind string
}

// HiveValue is a value of a synthetic hive.
type HiveValue struct {
	Name string
	Type uint32
	Data []byte
}

// Key is shorthand for a HiveKey literal.
func Key(name string, values []HiveValue, subkeys ...*HiveKey) *HiveKey {
	return &HiveKey{Name: name, Values: values, Subkeys: subkeys}
}

// Sz returns a REG_SZ value.
func Sz(name, s string) HiveValue {
	return HiveValue{Name: name, Type: regSz, Data: append(util.StringToUTF16(s), 0, 0)}
}

// Dword returns a REG_DWORD value.
func Dword(name string, v uint32) HiveValue {
	return HiveValue{Name: name, Type: regDword, Data: binary.LittleEndian.AppendUint32(nil, v)}
}

// MultiSz returns a REG_MULTI_SZ value.
func MultiSz(name string, strs ...string) HiveValue {
	var data []byte
	for _, s := range strs {
		data = append(data, util.StringToUTF16(s)...)
		data = append(data, 0, 0)
	}
	return HiveValue{Name: name, Type: regMultiSz, Data: append(data, 0, 0)}
}

// Binary returns a REG_BINARY value.
func Binary(name string, data []byte) HiveValue {
	return HiveValue{Name: name, Type: regBinary, Data: data}
}

// GroupOrderList encodes tags the way GroupOrderList values store them: a
// count followed by the tags, all little-endian dwords.
func GroupOrderList(name string, tags ...uint32) HiveValue {
	data := binary.LittleEndian.AppendUint32(nil, uint32(len(tags)))
	for _, tag := range tags {
		data = binary.LittleEndian.AppendUint32(data, tag)
	}
	return Binary(name, data)
}

type hiveWriter struct {
	buf []byte
}

func (w *hiveWriter) alloc(payload []byte) uint32 {
	size := (len(payload) + 4 + 7) &^ 7
	offset := uint32(len(w.buf))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(-int32(size)))
	w.buf = append(w.buf, payload...)
	w.buf = append(w.buf, make([]byte, size-4-len(payload))...)
	return offset
}

func (w *hiveWriter) put32(offset uint32, field int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[int(offset)+4+field:], v)
}

func encodeName(name string) ([]byte, bool) {
	for _, r := range name {
		if r >= 0x80 {
			return util.StringToUTF16(name), false
		}
	}
	return []byte(name), true
}

func nameHash(name string) uint32 {
	var h uint32
	for _, r := range strings.ToUpper(name) {
		h = h*37 + uint32(r)
	}
	return h
}

func (w *hiveWriter) writeValue(v HiveValue) uint32 {
	name, compressed := encodeName(v.Name)

	var dataSize, dataOffset uint32
	switch {
	case len(v.Data) <= 4:
		dataSize = uint32(len(v.Data)) | 0x80000000
		var inline [4]byte
		copy(inline[:], v.Data)
		dataOffset = binary.LittleEndian.Uint32(inline[:])
	case len(v.Data) > bigDataSize:
		dataSize = uint32(len(v.Data))
		dataOffset = w.writeBigData(v.Data)
	default:
		dataSize = uint32(len(v.Data))
		dataOffset = w.alloc(v.Data)
	}

	payload := []byte{'v', 'k'}
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(name)))
	payload = binary.LittleEndian.AppendUint32(payload, dataSize)
	payload = binary.LittleEndian.AppendUint32(payload, dataOffset)
	payload = binary.LittleEndian.AppendUint32(payload, v.Type)
	flags := uint16(0)
	if compressed {
		flags = 1
	}
	payload = binary.LittleEndian.AppendUint16(payload, flags)
	payload = binary.LittleEndian.AppendUint16(payload, 0)
	payload = append(payload, name...)
	return w.alloc(payload)
}

func (w *hiveWriter) writeBigData(data []byte) uint32 {
	var segments []byte
	count := 0
	for start := 0; start < len(data); start += bigDataSize {
		end := min(start+bigDataSize, len(data))
		segments = binary.LittleEndian.AppendUint32(segments, w.alloc(data[start:end]))
		count++
	}
	list := w.alloc(segments)

	payload := []byte{'d', 'b'}
	payload = binary.LittleEndian.AppendUint16(payload, uint16(count))
	payload = binary.LittleEndian.AppendUint32(payload, list)
	return w.alloc(payload)
}

func (w *hiveWriter) writeList(kind string, offsets []uint32, names []string) uint32 {
	switch kind {
	case "ri":
		// two li halves
		half := len(offsets) / 2
		first := w.writeList("li", offsets[:half], names[:half])
		second := w.writeList("li", offsets[half:], names[half:])
		payload := []byte{'r', 'i', 2, 0}
		payload = binary.LittleEndian.AppendUint32(payload, first)
		payload = binary.LittleEndian.AppendUint32(payload, second)
		return w.alloc(payload)
	case "li":
		payload := []byte{'l', 'i'}
		payload = binary.LittleEndian.AppendUint16(payload, uint16(len(offsets)))
		for _, offset := range offsets {
			payload = binary.LittleEndian.AppendUint32(payload, offset)
		}
		return w.alloc(payload)
	}

	if kind == "" {
		kind = "lh"
	}
	payload := []byte(kind)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(offsets)))
	for i, offset := range offsets {
		payload = binary.LittleEndian.AppendUint32(payload, offset)
		if kind == "lh" {
			payload = binary.LittleEndian.AppendUint32(payload, nameHash(names[i]))
		} else {
			var hint [4]byte
			copy(hint[:], names[i])
			payload = append(payload, hint[:]...)
		}
	}
	return w.alloc(payload)
}

// nk field offsets inside the cell payload
const (
	nkParent      = 16
	nkSubkeyCount = 20
	nkSubkeyList  = 28
	nkValueCount  = 36
	nkValueList   = 40
	nkHeaderSize  = 76
)

func (w *hiveWriter) writeKey(k *HiveKey, parent uint32, root bool) uint32 {
	name, compressed := encodeName(k.Name)

	payload := make([]byte, nkHeaderSize, nkHeaderSize+len(name))
	copy(payload, "nk")
	flags := uint16(0)
	if compressed {
		flags |= 0x20
	}
	if root {
		flags |= 0x0c
	}
	binary.LittleEndian.PutUint16(payload[2:], flags)
	for _, field := range []int{nkSubkeyList, 32, nkValueList, 44, 48} {
		binary.LittleEndian.PutUint32(payload[field:], 0xffffffff)
	}
	binary.LittleEndian.PutUint16(payload[72:], uint16(len(name)))
	payload = append(payload, name...)

	offset := w.alloc(payload)
	w.put32(offset, nkParent, parent)

	if len(k.Values) > 0 {
		var list []byte
		for _, v := range k.Values {
			list = binary.LittleEndian.AppendUint32(list, w.writeValue(v))
		}
		w.put32(offset, nkValueCount, uint32(len(k.Values)))
		w.put32(offset, nkValueList, w.alloc(list))
	}

	if len(k.Subkeys) > 0 {
		offsets := make([]uint32, 0, len(k.Subkeys))
		names := make([]string, 0, len(k.Subkeys))
		for _, sub := range k.Subkeys {
			offsets = append(offsets, w.writeKey(sub, offset, false))
			names = append(names, sub.Name)
		}
		w.put32(offset, nkSubkeyCount, uint32(len(k.Subkeys)))
		w.put32(offset, nkSubkeyList, w.writeList(k.ListKind, offsets, names))
	}
	return offset
}

// BuildHive serializes root into a regf file with a single hive bin.
func BuildHive(root *HiveKey) []byte {
	w := &hiveWriter{buf: make([]byte, 0x20)}
	rootOffset := w.writeKey(root, 0xffffffff, true)

	size := (len(w.buf) + 0xfff) &^ 0xfff
	if free := size - len(w.buf); free > 0 {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(free))
		w.buf = append(w.buf, make([]byte, free-4)...)
	}
	copy(w.buf, "hbin")
	binary.LittleEndian.PutUint32(w.buf[8:], uint32(size))

	base := make([]byte, 0x1000)
	copy(base, "regf")
	binary.LittleEndian.PutUint32(base[4:], 1)
	binary.LittleEndian.PutUint32(base[8:], 1)
	binary.LittleEndian.PutUint32(base[20:], 1)
	binary.LittleEndian.PutUint32(base[24:], 5)
	binary.LittleEndian.PutUint32(base[32:], 1)
	binary.LittleEndian.PutUint32(base[36:], rootOffset)
	binary.LittleEndian.PutUint32(base[40:], uint32(size))
	binary.LittleEndian.PutUint32(base[44:], 1)
	var checksum uint32
	for i := 0; i < 508; i += 4 {
		checksum ^= binary.LittleEndian.Uint32(base[i:])
	}
	binary.LittleEndian.PutUint32(base[508:], checksum)

	return append(base, w.buf...)
}
