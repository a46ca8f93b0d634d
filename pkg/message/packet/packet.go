package packet

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-session/pkg/entity"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
	"github.com/sessamekesh/spanreed-session/pkg/sequence"
	"github.com/sessamekesh/spanreed-session/pkg/timestamp"
	"github.com/sessamekesh/spanreed-session/pkg/wire"
)

const (
	DefaultMagicNumber uint32 = 0x53505244
	DefaultVersion     uint8  = 1

	headerSize = 7
)

type PacketType uint8

const (
	PacketType_ConnectRequest PacketType = iota
	PacketType_ConnectResponse
	PacketType_Heartbeat
	PacketType_HeartbeatAck
	PacketType_Data
	PacketType_Disconnect

	PacketType_NONE
)

func headerIdToPacketType(headerId uint8) PacketType {
	if headerId < uint8(PacketType_NONE) {
		return PacketType(headerId)
	}
	return PacketType_NONE
}

func (t PacketType) String() string {
	switch t {
	case PacketType_ConnectRequest:
		return "ConnectRequest"
	case PacketType_ConnectResponse:
		return "ConnectResponse"
	case PacketType_Heartbeat:
		return "Heartbeat"
	case PacketType_HeartbeatAck:
		return "HeartbeatAck"
	case PacketType_Data:
		return "Data"
	case PacketType_Disconnect:
		return "Disconnect"
	}
	return "NONE"
}

type ConnectRequest struct {
	Timestamp timestamp.Timestamp
	// Auth is an optional application event checked by the server.
	Auth *event.Frame
}

type ConnectResponse struct {
	// Timestamp echoes the request so the client can match responses.
	Timestamp timestamp.Timestamp
	Verdict   bool
}

type HeartbeatAck struct {
	AckedSequence sequence.Number
}

type Data struct {
	Events        []event.Frame
	EntityActions []entity.Action
}

type Packet struct {
	MagicNumber     uint32
	Version         uint8
	PacketType      PacketType
	Sequence        sequence.Number
	ConnectRequest  *ConnectRequest
	ConnectResponse *ConnectResponse
	HeartbeatAck    *HeartbeatAck
	Data            *Data
}

// PacketSerializer reads and writes the session packet format:
//
//	magic u32 | version<<4 | type u8 | sequence u16 | body...
//
// All integers are big-endian.
type PacketSerializer struct {
	MagicNumber uint32
	Version     uint8
}

func CreatePacketSerializer(magicNumber uint32, version uint8) PacketSerializer {
	if magicNumber == 0 {
		magicNumber = DefaultMagicNumber
	}
	if version == 0 {
		version = DefaultVersion
	}
	return PacketSerializer{
		MagicNumber: magicNumber,
		Version:     version,
	}
}

func (s PacketSerializer) Parse(msg []byte) (*Packet, error) {
	if len(msg) < headerSize {
		return nil, &errors.Underflow{
			MessageName: "Packet",
			MsgSize:     len(msg),
			MinimumSize: headerSize,
		}
	}

	magicNumber := binary.BigEndian.Uint32(msg[0:4])
	versionTypeByte := msg[4]
	version := versionTypeByte & 0xF0 >> 4
	packetTypeNum := versionTypeByte & 0xF
	packetType := headerIdToPacketType(packetTypeNum)

	if magicNumber != s.MagicNumber || version != s.Version {
		return nil, &errors.InvalidHeaderVersion{
			ExpectedMagicNumber: s.MagicNumber,
			ExpectedVersion:     s.Version,
			ActualMagicNumber:   magicNumber,
			ActualVersion:       version,
		}
	}

	r := wire.NewReader(msg[5:])
	seq, err := sequence.Read(r)
	if err != nil {
		return nil, err
	}

	out := &Packet{
		MagicNumber: magicNumber,
		Version:     version,
		PacketType:  packetType,
		Sequence:    seq,
	}

	switch packetType {
	case PacketType_ConnectRequest:
		out.ConnectRequest, err = parseConnectRequest(r)
	case PacketType_ConnectResponse:
		out.ConnectResponse, err = parseConnectResponse(r)
	case PacketType_HeartbeatAck:
		var acked sequence.Number
		acked, err = sequence.Read(r)
		out.HeartbeatAck = &HeartbeatAck{AckedSequence: acked}
	case PacketType_Data:
		out.Data, err = parseData(r)
	case PacketType_Heartbeat, PacketType_Disconnect: // no body
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "PacketType",
			IntValue: packetTypeNum,
		}
	}
	if err != nil {
		return nil, err
	}

	return out, nil
}

func parseConnectRequest(r *wire.Reader) (*ConnectRequest, error) {
	ts, err := timestamp.Read(r)
	if err != nil {
		return nil, err
	}
	hasAuth, err := r.ReadUint8("ConnectRequest::HasAuth")
	if err != nil {
		return nil, err
	}

	request := &ConnectRequest{Timestamp: ts}
	if hasAuth > 0 {
		frame, err := event.ReadFrame(r)
		if err != nil {
			return nil, err
		}
		request.Auth = &frame
	}
	return request, nil
}

func parseConnectResponse(r *wire.Reader) (*ConnectResponse, error) {
	ts, err := timestamp.Read(r)
	if err != nil {
		return nil, err
	}
	verdict, err := r.ReadUint8("ConnectResponse::Verdict")
	if err != nil {
		return nil, err
	}
	return &ConnectResponse{
		Timestamp: ts,
		Verdict:   verdict > 0,
	}, nil
}

func parseData(r *wire.Reader) (*Data, error) {
	data := &Data{}

	eventCount, err := r.ReadUint8("Data::EventCount")
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(eventCount); i++ {
		frame, err := event.ReadFrame(r)
		if err != nil {
			return nil, err
		}
		data.Events = append(data.Events, frame)
	}

	actionCount, err := r.ReadUint8("Data::EntityActionCount")
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(actionCount); i++ {
		action, err := entity.ReadAction(r)
		if err != nil {
			return nil, err
		}
		data.EntityActions = append(data.EntityActions, action)
	}

	return data, nil
}

func (s PacketSerializer) Serialize(msg *Packet) ([]byte, error) {
	out := []byte{}
	var err error

	out = binary.BigEndian.AppendUint32(out, s.MagicNumber)
	versionTypeByte := s.Version<<4 | (uint8(msg.PacketType) & 0xF)
	out = append(out, versionTypeByte)
	out = sequence.Write(out, msg.Sequence)

	switch msg.PacketType {
	case PacketType_ConnectRequest:
		if msg.ConnectRequest == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Packet",
				FieldName:   "ConnectRequest",
			}
		}
		out = msg.ConnectRequest.Timestamp.Write(out)
		if msg.ConnectRequest.Auth == nil {
			out = append(out, 0)
		} else {
			out = append(out, 1)
			out, err = event.AppendFrame(out, msg.ConnectRequest.Auth.TypeId, msg.ConnectRequest.Auth.Payload)
		}
	case PacketType_ConnectResponse:
		if msg.ConnectResponse == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Packet",
				FieldName:   "ConnectResponse",
			}
		}
		out = msg.ConnectResponse.Timestamp.Write(out)
		var verdict uint8
		if msg.ConnectResponse.Verdict {
			verdict = 0b1
		}
		out = append(out, verdict)
	case PacketType_HeartbeatAck:
		if msg.HeartbeatAck == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Packet",
				FieldName:   "HeartbeatAck",
			}
		}
		out = sequence.Write(out, msg.HeartbeatAck.AckedSequence)
	case PacketType_Data:
		if msg.Data == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Packet",
				FieldName:   "Data",
			}
		}
		out, err = serializeData(out, msg.Data)
	case PacketType_Heartbeat, PacketType_Disconnect: // no body
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Packet::PacketType",
			IntValue: uint8(msg.PacketType),
		}
	}
	if err != nil {
		return nil, err
	}

	return out, nil
}

func serializeData(out []byte, data *Data) ([]byte, error) {
	if len(data.Events) > math.MaxUint8 {
		return nil, &errors.Overflow{
			MessageName: "Data::Events",
			Size:        len(data.Events),
			MaximumSize: math.MaxUint8,
		}
	}
	if len(data.EntityActions) > math.MaxUint8 {
		return nil, &errors.Overflow{
			MessageName: "Data::EntityActions",
			Size:        len(data.EntityActions),
			MaximumSize: math.MaxUint8,
		}
	}

	var err error
	out = append(out, uint8(len(data.Events)))
	for _, frame := range data.Events {
		out, err = event.AppendFrame(out, frame.TypeId, frame.Payload)
		if err != nil {
			return nil, err
		}
	}

	out = append(out, uint8(len(data.EntityActions)))
	for _, action := range data.EntityActions {
		out, err = entity.AppendAction(out, action)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
