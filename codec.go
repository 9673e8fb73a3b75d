package sombra

import (
	"bytes"
	"encoding/binary"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// KeyCodec turns keys into binary-comparable bytes. CompareEncoded must
// agree with the natural order of the decoded keys.
type KeyCodec[K any] interface {
	EncodeKey(dst []byte, key K) []byte
	DecodeKey(b []byte) (K, error)
	CompareEncoded(a, b []byte) int
}

// ValueCodec encodes values. Values carry no ordering requirement.
type ValueCodec[V any] interface {
	EncodeValue(dst []byte, v V) []byte
	DecodeValue(b []byte) (V, error)
}

// Uint64Codec stores integers as 8 big-endian bytes so byte order matches
// numeric order.
type Uint64Codec struct{}

func (Uint64Codec) EncodeKey(dst []byte, k uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, k)
}

func (c Uint64Codec) DecodeKey(b []byte) (uint64, error) {
	return c.DecodeValue(b)
}

func (Uint64Codec) CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (Uint64Codec) EncodeValue(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

func (Uint64Codec) DecodeValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, base.Corruptf("uint64 encoding of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// BytesCodec stores byte slices verbatim. Decoded slices are copies.
type BytesCodec struct{}

func (BytesCodec) EncodeKey(dst []byte, k []byte) []byte {
	return append(dst, k...)
}

func (BytesCodec) DecodeKey(b []byte) ([]byte, error) {
	return bytes.Clone(b), nil
}

func (BytesCodec) CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (BytesCodec) EncodeValue(dst []byte, v []byte) []byte {
	return append(dst, v...)
}

func (BytesCodec) DecodeValue(b []byte) ([]byte, error) {
	// Never nil, even for an empty value.
	return append([]byte{}, b...), nil
}

// StringCodec stores strings as their UTF-8 bytes.
type StringCodec struct{}

func (StringCodec) EncodeKey(dst []byte, k string) []byte {
	return append(dst, k...)
}

func (StringCodec) DecodeKey(b []byte) (string, error) {
	return string(b), nil
}

func (StringCodec) CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (StringCodec) EncodeValue(dst []byte, v string) []byte {
	return append(dst, v...)
}

func (StringCodec) DecodeValue(b []byte) (string, error) {
	return string(b), nil
}
