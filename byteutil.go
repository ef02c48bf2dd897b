package qdb

import (
	"encoding/binary"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

// bytesBuilder assembles namespace names and record keys.
type bytesBuilder struct {
	Buf []byte
}

func makeBytesBuilder(n int) bytesBuilder {
	return bytesBuilder{Buf: make([]byte, 0, n)}
}

func (bb *bytesBuilder) Grow(n int) (off int) {
	off, bb.Buf = grow(bb.Buf, n)
	return
}

func (bb *bytesBuilder) AppendByte(v byte) {
	off := bb.Grow(1)
	bb.Buf[off] = v
}

func (bb *bytesBuilder) AppendRaw(v []byte) {
	bb.Buf = appendRaw(bb.Buf, v)
}

// AppendFixedUint64 appends v as 8 big-endian bytes, so byte order matches numeric order.
func (bb *bytesBuilder) AppendFixedUint64(v uint64) {
	off := bb.Grow(8)
	binary.BigEndian.PutUint64(bb.Buf[off:], v)
}

// AppendFixedUint64LE appends v as 8 little-endian bytes (namespace names and name records).
func (bb *bytesBuilder) AppendFixedUint64LE(v uint64) {
	off := bb.Grow(8)
	binary.LittleEndian.PutUint64(bb.Buf[off:], v)
}

func leUint64Bytes(v uint64) []byte {
	bb := makeBytesBuilder(8)
	bb.AppendFixedUint64LE(v)
	return bb.Buf
}

func beUint64Bytes(v uint64) []byte {
	bb := makeBytesBuilder(8)
	bb.AppendFixedUint64(v)
	return bb.Buf
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, encodingErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Byte() (byte, error) {
	v, err := d.Raw(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (d *byteDecoder) FixedUint64LE() (uint64, error) {
	v, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

func (d *byteDecoder) End() error {
	if len(d.Buf) != 0 {
		return encodingErrf(d.Orig, d.Off(), nil, "%d trailing bytes", len(d.Buf))
	}
	return nil
}

// decodeItemID decodes an 8-byte big-endian item id stored as a key or an index value.
func decodeItemID(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, encodingErrf(raw, 0, nil, "invalid item id length %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
