// Package wire holds the byte cursor every decoder in this module reads from.
package wire

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
)

// Reader is a forward-only cursor over one incoming packet. All multi-byte
// integers are big-endian.
type Reader struct {
	buf     []byte
	readPtr int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.readPtr
}

// ReadBytes returns the next n bytes without copying. The slice aliases the
// packet buffer; callers that keep it must copy.
func (r *Reader) ReadBytes(n int, name string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, &errors.Underflow{
			MessageName: name,
			MsgSize:     r.Remaining(),
			MinimumSize: n,
		}
	}

	out := r.buf[r.readPtr : r.readPtr+n]
	r.readPtr += n
	return out, nil
}

func (r *Reader) ReadUint8(name string) (uint8, error) {
	b, err := r.ReadBytes(1, name)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16(name string) (uint16, error) {
	b, err := r.ReadBytes(2, name)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32(name string) (uint32, error) {
	b, err := r.ReadBytes(4, name)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64(name string) (uint64, error) {
	b, err := r.ReadBytes(8, name)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadRest consumes everything left in the buffer.
func (r *Reader) ReadRest() []byte {
	out := r.buf[r.readPtr:]
	r.readPtr = len(r.buf)
	return out
}
