package page

import (
	"encoding/binary"
	"math"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// InternalRecordHeaderLen is the child page id plus the separator length.
const InternalRecordHeaderLen = 10

// MaxRecordLen is the largest record a slot can describe.
const MaxRecordLen = math.MaxUint16

// Entry is a decoded key/value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// LeafRecord is a decoded leaf record. For plain records PrefixLen is zero
// and Suffix holds the whole key.
type LeafRecord struct {
	PrefixLen int
	Suffix    []byte
	Value     []byte
}

// AppendLeafRecord appends the plain encoding of key and value.
func AppendLeafRecord(dst, key, value []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	dst = append(dst, key...)
	return append(dst, value...)
}

// AppendCompressedLeafRecord appends the prefix-compressed encoding.
func AppendCompressedLeafRecord(dst []byte, prefixLen int, suffix, value []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(prefixLen))
	dst = binary.AppendUvarint(dst, uint64(len(suffix)))
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	dst = append(dst, suffix...)
	return append(dst, value...)
}

// EncodeLeafRecord appends key/value in the form selected by compressed,
// using prev as the prefix base.
func EncodeLeafRecord(dst, prev, key, value []byte, compressed bool) []byte {
	if !compressed {
		return AppendLeafRecord(dst, key, value)
	}
	p := SharedPrefixLen(prev, key)
	return AppendCompressedLeafRecord(dst, p, key[p:], value)
}

// LeafRecordLen is the encoded length of EncodeLeafRecord.
func LeafRecordLen(prev, key, value []byte, compressed bool) int {
	if !compressed {
		return uvarintLen(uint64(len(key))) + uvarintLen(uint64(len(value))) + len(key) + len(value)
	}
	p := SharedPrefixLen(prev, key)
	suffix := len(key) - p
	return uvarintLen(uint64(p)) + uvarintLen(uint64(suffix)) + uvarintLen(uint64(len(value))) + suffix + len(value)
}

// DecodeLeafRecord decodes one record. The buffer must hold exactly one
// record.
func DecodeLeafRecord(buf []byte, compressed bool) (LeafRecord, error) {
	r := Reader{buf: buf}
	var rec LeafRecord
	if compressed {
		p, err := r.Uvarint("leaf prefix length")
		if err != nil {
			return LeafRecord{}, err
		}
		if p > MaxRecordLen {
			return LeafRecord{}, base.Corruptf("leaf prefix length %d out of range", p)
		}
		rec.PrefixLen = int(p)
	}
	keyLen, err := r.Uvarint("leaf key length")
	if err != nil {
		return LeafRecord{}, err
	}
	valLen, err := r.Uvarint("leaf value length")
	if err != nil {
		return LeafRecord{}, err
	}
	if rec.PrefixLen == 0 && keyLen == 0 {
		return LeafRecord{}, base.Corruptf("leaf record with zero-length key")
	}
	if rec.Suffix, err = r.Bytes(keyLen, "leaf key"); err != nil {
		return LeafRecord{}, err
	}
	if rec.Value, err = r.Bytes(valLen, "leaf value"); err != nil {
		return LeafRecord{}, err
	}
	if r.Remaining() != 0 {
		return LeafRecord{}, base.Corruptf("leaf record has %d trailing bytes", r.Remaining())
	}
	return rec, nil
}

// InternalRecord is a decoded separator/child pair.
type InternalRecord struct {
	Child     base.PageID
	Separator []byte
}

// AppendInternalRecord appends [child:8][sep_len:2][separator].
func AppendInternalRecord(dst, separator []byte, child base.PageID) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(child))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(separator)))
	return append(dst, separator...)
}

// DecodeInternalRecord decodes one internal record.
func DecodeInternalRecord(buf []byte) (InternalRecord, error) {
	if len(buf) < InternalRecordHeaderLen {
		return InternalRecord{}, base.Corruptf("internal record shorter than header")
	}
	child := base.PageID(binary.BigEndian.Uint64(buf[0:8]))
	sepLen := int(binary.BigEndian.Uint16(buf[8:10]))
	end := InternalRecordHeaderLen + sepLen
	if len(buf) < end {
		return InternalRecord{}, base.Corruptf("internal record truncated: separator of %d bytes", sepLen)
	}
	if len(buf) > end {
		return InternalRecord{}, base.Corruptf("internal record has %d trailing bytes", len(buf)-end)
	}
	if child == 0 {
		return InternalRecord{}, base.Corruptf("internal record without child")
	}
	return InternalRecord{Child: child, Separator: buf[InternalRecordHeaderLen:end]}, nil
}

// InternalRecordLen is the encoded length of an internal record.
func InternalRecordLen(separator []byte) int {
	return InternalRecordHeaderLen + len(separator)
}

// Reader walks varint-framed record bytes without panicking on short input.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Uvarint reads an unsigned varint; what names the field in errors.
func (r *Reader) Uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, base.Corruptf("%s truncated", what)
	}
	if n < 0 {
		return 0, base.Corruptf("%s varint too long", what)
	}
	r.pos += n
	return v, nil
}

// Bytes reads the next n bytes.
func (r *Reader) Bytes(n uint64, what string) ([]byte, error) {
	if n > uint64(r.Remaining()) {
		return nil, base.Corruptf("%s truncated: need %d bytes, have %d", what, n, r.Remaining())
	}
	b := r.buf[r.pos : r.pos+int(n) : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
