// Package sequence implements the 16-bit wrapping sequence space used to order
// packets and reject stale ones.
package sequence

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

type Number uint16

// HalfSpace is the largest gap IsNewer can resolve. The transport must keep
// fewer than HalfSpace packets in flight.
const HalfSpace = 1 << 15

// IsNewer reports whether a comes after b in the wrapping sequence space.
// Values exactly HalfSpace apart are a tie and neither is newer.
func IsNewer(a, b Number) bool {
	return int16(a-b) > 0
}

// Generator hands out outgoing sequence numbers, wrapping 65535 -> 0.
type Generator struct {
	next Number
}

func (g *Generator) Next() Number {
	n := g.next
	g.next++
	return n
}

// Peek returns the number the next call to Next will produce.
func (g *Generator) Peek() Number {
	return g.next
}

func Write(out []byte, n Number) []byte {
	return binary.BigEndian.AppendUint16(out, uint16(n))
}

func Read(r *wire.Reader) (Number, error) {
	n, err := r.ReadUint16("SequenceNumber")
	if err != nil {
		return 0, err
	}
	return Number(n), nil
}
