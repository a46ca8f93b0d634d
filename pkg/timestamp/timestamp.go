package timestamp

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

// Timestamp is a second-resolution moment that can be written to and read
// from a packet.
type Timestamp struct {
	time uint64
}

func Now(c clock.Clock) Timestamp {
	return Timestamp{time: c.Seconds()}
}

func FromSeconds(seconds uint64) Timestamp {
	return Timestamp{time: seconds}
}

func (t Timestamp) Seconds() uint64 {
	return t.time
}

func (t Timestamp) Write(out []byte) []byte {
	return binary.BigEndian.AppendUint64(out, t.time)
}

func Read(r *wire.Reader) (Timestamp, error) {
	time, err := r.ReadUint64("Timestamp")
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{time: time}, nil
}
