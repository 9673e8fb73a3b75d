package base

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultPageSize = 4096
	MinPageSize     = 256
	// MaxPageSize keeps every payload offset addressable by a u16.
	MaxPageSize = 32768

	// PageHeaderLen is the storage header that precedes every payload.
	PageHeaderLen = 32

	FormatVersion uint16 = 1
)

// Magic identifies pages written by this store ("SOMB").
var Magic = [4]byte{'S', 'O', 'M', 'B'}

type PageID uint64

// PageKind is the storage level page type recorded in the page header.
type PageKind uint8

const (
	KindUnset         PageKind = 0
	KindMeta          PageKind = 1
	KindFreeList      PageKind = 2
	KindBTreeLeaf     PageKind = 3
	KindBTreeInternal PageKind = 4
	KindOverflow      PageKind = 5
)

func (k PageKind) String() string {
	switch k {
	case KindUnset:
		return "unset"
	case KindMeta:
		return "meta"
	case KindFreeList:
		return "freelist"
	case KindBTreeLeaf:
		return "btree-leaf"
	case KindBTreeInternal:
		return "btree-internal"
	case KindOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// PageHeader is the storage header at the start of every page.
//
// Layout (big-endian, 32 bytes):
//
//	[Magic: 4][Version: 2][Kind: 1][Flags: 1][PageSize: 4][PageNo: 8][Salt: 8][Checksum: 4]
type PageHeader struct {
	Version  uint16
	Kind     PageKind
	Flags    uint8
	PageSize uint32
	PageNo   PageID
	Salt     uint64
	Checksum uint32
}

const (
	kindOffset     = 6
	checksumOffset = 28
)

// Encode writes h into the first PageHeaderLen bytes of buf.
func (h *PageHeader) Encode(buf []byte) {
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[kindOffset] = byte(h.Kind)
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.PageNo))
	binary.BigEndian.PutUint64(buf[20:28], h.Salt)
	binary.BigEndian.PutUint32(buf[checksumOffset:PageHeaderLen], h.Checksum)
}

// DecodePageHeader parses and validates the storage header of buf.
func DecodePageHeader(buf []byte) (PageHeader, error) {
	if len(buf) < PageHeaderLen {
		return PageHeader{}, Corruptf("page shorter than header: %d bytes", len(buf))
	}
	if [4]byte(buf[0:4]) != Magic {
		return PageHeader{}, ErrInvalidMagicNumber
	}
	h := PageHeader{
		Version:  binary.BigEndian.Uint16(buf[4:6]),
		Kind:     PageKind(buf[kindOffset]),
		Flags:    buf[7],
		PageSize: binary.BigEndian.Uint32(buf[8:12]),
		PageNo:   PageID(binary.BigEndian.Uint64(buf[12:20])),
		Salt:     binary.BigEndian.Uint64(buf[20:28]),
		Checksum: binary.BigEndian.Uint32(buf[checksumOffset:PageHeaderLen]),
	}
	if h.Version != FormatVersion {
		return PageHeader{}, ErrInvalidVersion
	}
	if int(h.PageSize) != len(buf) {
		return PageHeader{}, ErrInvalidPageSize
	}
	return h, nil
}

// SetPageKind rewrites the kind byte of an already encoded header.
func SetPageKind(buf []byte, kind PageKind) {
	buf[kindOffset] = byte(kind)
}

// PageKindOf returns the kind byte of an encoded header.
func PageKindOf(buf []byte) PageKind {
	return PageKind(buf[kindOffset])
}

// Checksum hashes the whole page with the checksum field treated as zero.
func Checksum(buf []byte) uint32 {
	var zero [4]byte
	d := xxhash.New()
	_, _ = d.Write(buf[:checksumOffset])
	_, _ = d.Write(zero[:])
	_, _ = d.Write(buf[PageHeaderLen:])
	return uint32(d.Sum64())
}

// StampChecksum computes and stores the page checksum.
func StampChecksum(buf []byte) {
	binary.BigEndian.PutUint32(buf[checksumOffset:PageHeaderLen], Checksum(buf))
}

// VerifyChecksum returns ErrInvalidChecksum wrapped as corruption when the
// stored checksum does not match the page contents.
func VerifyChecksum(id PageID, buf []byte) error {
	stored := binary.BigEndian.Uint32(buf[checksumOffset:PageHeaderLen])
	if stored != Checksum(buf) {
		return fmt.Errorf("%w: page %d: %w", ErrCorruption, id, ErrInvalidChecksum)
	}
	return nil
}

// ValidPageSize reports whether size is a supported page size.
func ValidPageSize(size int) bool {
	return size >= MinPageSize && size <= MaxPageSize && size%64 == 0
}
