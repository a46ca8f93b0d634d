package client

import (
	goerrs "errors"
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/sessamekesh/spanreed-session/pkg/entity"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
	"github.com/sessamekesh/spanreed-session/pkg/message/packet"
	"github.com/sessamekesh/spanreed-session/pkg/sequence"
	"github.com/sessamekesh/spanreed-session/pkg/timestamp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ClientEventType uint8

const (
	ClientEventType_Connection ClientEventType = iota
	ClientEventType_Disconnection
	ClientEventType_Event
	ClientEventType_CreateEntity
	ClientEventType_UpdateEntity
	ClientEventType_DeleteEntity
)

func (t ClientEventType) String() string {
	switch t {
	case ClientEventType_Connection:
		return "Connection"
	case ClientEventType_Disconnection:
		return "Disconnection"
	case ClientEventType_Event:
		return "Event"
	case ClientEventType_CreateEntity:
		return "CreateEntity"
	case ClientEventType_UpdateEntity:
		return "UpdateEntity"
	case ClientEventType_DeleteEntity:
		return "DeleteEntity"
	}
	return "NONE"
}

type ClientEvent struct {
	Type ClientEventType
	// Set for ClientEventType_Event
	Event event.Event
	// Set for the entity event types
	EntityKey entity.Key
}

// Sender is the outgoing half of the datagram transport.
type Sender interface {
	Send(data []byte) error
}

type ClientParams struct {
	Config connection.Config
	Clock  clock.Clock
	Logger *zap.Logger

	MagicNumber uint32
	Version     uint8

	Events   *event.Registry[event.Event]
	Entities *event.Registry[entity.Entity]

	// Auth is sent with every connection request, if set.
	Auth event.Event

	// How often the connection request is repeated while connecting.
	// Defaults to one second.
	HandshakeResendInterval time.Duration

	Sender Sender
}

// Client is the client side of one session. Like connection.Connection it has
// a single owner: Update, Receive and the send methods must not race.
type Client struct {
	params     ClientParams
	log        *zap.Logger
	clock      clock.Clock
	serializer packet.PacketSerializer

	connection *connection.Connection
	entities   *entity.Stream

	handshakeTimestamp timestamp.Timestamp
	hasSentHandshake   bool
	lastHandshakeTime  clock.Instant
	rttExceeded        bool
}

func CreateClient(params ClientParams) (*Client, error) {
	if params.Events == nil {
		return nil, &errors.MissingFieldError{MessageName: "ClientParams", FieldName: "Events"}
	}
	if params.Entities == nil {
		return nil, &errors.MissingFieldError{MessageName: "ClientParams", FieldName: "Entities"}
	}
	if params.Sender == nil {
		return nil, &errors.MissingFieldError{MessageName: "ClientParams", FieldName: "Sender"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	c := params.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	if params.HandshakeResendInterval <= 0 {
		params.HandshakeResendInterval = time.Second
	}

	log := logger.With(zap.String("handler", "client"))
	conn, err := connection.CreateConnection(connection.ConnectionParams{
		Config: params.Config,
		Clock:  c,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		params:     params,
		log:        log,
		clock:      c,
		serializer: packet.CreatePacketSerializer(params.MagicNumber, params.Version),
		connection: conn,
		entities:   entity.CreateStream(params.Entities),
	}, nil
}

func (c *Client) State() connection.State {
	return c.connection.State()
}

func (c *Client) Rtt() (time.Duration, bool) {
	return c.connection.Rtt().Smoothed()
}

// RttExceeded reports whether the smoothed RTT was above the configured
// ceiling on the last Update.
func (c *Client) RttExceeded() bool {
	return c.rttExceeded
}

// GetEntity returns a copy of the entity stored under key.
func (c *Client) GetEntity(key entity.Key) (entity.Entity, bool) {
	return c.entities.Table().Get(key)
}

func (c *Client) EntityKeys() []entity.Key {
	return c.entities.Table().Keys()
}

func (c *Client) send(p *packet.Packet) error {
	raw, err := c.serializer.Serialize(p)
	if err != nil {
		return err
	}
	return c.params.Sender.Send(raw)
}

func (c *Client) sendHandshake(now clock.Instant) error {
	seq, err := c.connection.NextSequence()
	if err != nil {
		return err
	}

	request := &packet.ConnectRequest{Timestamp: c.handshakeTimestamp}
	if c.params.Auth != nil {
		request.Auth = &event.Frame{
			TypeId:  c.params.Auth.TypeId(),
			Payload: c.params.Auth.Write(nil),
		}
	}

	c.hasSentHandshake = true
	c.lastHandshakeTime = now
	return c.send(&packet.Packet{
		PacketType:     packet.PacketType_ConnectRequest,
		Sequence:       seq,
		ConnectRequest: request,
	})
}

// Update drives the handshake, heartbeats and timeout. It returns a
// Disconnection event on the tick that times the connection out, including a
// handshake the server never answered.
func (c *Client) Update() ([]ClientEvent, error) {
	now := c.clock.Now()

	if c.connection.State() == connection.State_Connecting {
		if waited := now.Sub(c.connection.CreatedTime()); waited > c.params.Config.DisconnectionTimeoutDuration {
			c.log.Warn("Server never answered the connection request", zap.Duration("waited", waited))
			if err := c.connection.Disconnect(); err != nil {
				return nil, err
			}
			return []ClientEvent{{Type: ClientEventType_Disconnection}}, nil
		}
		if !c.hasSentHandshake {
			c.handshakeTimestamp = timestamp.Now(c.clock)
		}
		if !c.hasSentHandshake || now.Sub(c.lastHandshakeTime) >= c.params.HandshakeResendInterval {
			return nil, c.sendHandshake(now)
		}
		return nil, nil
	}

	tick, err := c.connection.Update()
	if err != nil {
		return nil, err
	}

	if tick.Disconnected {
		c.log.Warn("Connection to server timed out")
		return []ClientEvent{{Type: ClientEventType_Disconnection}}, nil
	}

	if tick.RttExceeded != c.rttExceeded {
		rtt, _ := c.connection.Rtt().Smoothed()
		c.log.Info("RTT ceiling crossed", zap.Bool("exceeded", tick.RttExceeded), zap.Duration("rtt", rtt))
		c.rttExceeded = tick.RttExceeded
	}

	if tick.SendHeartbeat {
		if err := c.send(&packet.Packet{
			PacketType: packet.PacketType_Heartbeat,
			Sequence:   tick.HeartbeatSequence,
		}); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// Receive processes one datagram from the server. Frame-level failures are
// returned alongside the events that did decode; they never close the
// connection on their own.
func (c *Client) Receive(datagram []byte) ([]ClientEvent, error) {
	if c.connection.State() == connection.State_Disconnected {
		return nil, &errors.ConnectionClosed{Operation: "Receive"}
	}

	p, err := c.serializer.Parse(datagram)
	if err != nil {
		return nil, err
	}

	switch p.PacketType {
	case packet.PacketType_ConnectResponse:
		return c.onConnectResponse(p.ConnectResponse)
	case packet.PacketType_Heartbeat:
		return nil, c.onHeartbeat(p.Sequence)
	case packet.PacketType_HeartbeatAck:
		_, err := c.connection.OnHeartbeatAck(p.HeartbeatAck.AckedSequence)
		return nil, err
	case packet.PacketType_Data:
		return c.onData(p.Data)
	case packet.PacketType_Disconnect:
		if err := c.connection.Disconnect(); err != nil {
			return nil, err
		}
		c.log.Info("Server closed the connection")
		return []ClientEvent{{Type: ClientEventType_Disconnection}}, nil
	}

	return nil, &errors.InvalidEnumValue{
		EnumName: "Client::PacketType",
		IntValue: uint8(p.PacketType),
	}
}

func (c *Client) onConnectResponse(response *packet.ConnectResponse) ([]ClientEvent, error) {
	if c.connection.State() != connection.State_Connecting {
		return nil, c.connection.OnPacketReceived()
	}
	if response.Timestamp != c.handshakeTimestamp {
		c.log.Debug("Ignoring connect response for another handshake", zap.Uint64("timestamp", response.Timestamp.Seconds()))
		return nil, nil
	}

	if !response.Verdict {
		c.log.Warn("Server refused connection")
		if err := c.connection.Disconnect(); err != nil {
			return nil, err
		}
		return []ClientEvent{{Type: ClientEventType_Disconnection}}, nil
	}

	if err := c.connection.OnHandshakeAck(); err != nil {
		return nil, err
	}
	return []ClientEvent{{Type: ClientEventType_Connection}}, nil
}

func (c *Client) onHeartbeat(seq sequence.Number) error {
	if err := c.connection.OnHeartbeat(seq); err != nil {
		var stale *errors.StalePacket
		if goerrs.As(err, &stale) {
			c.log.Debug("Dropping stale heartbeat", zap.Error(err))
			return nil
		}
		return err
	}

	ackSeq, err := c.connection.NextSequence()
	if err != nil {
		return err
	}
	return c.send(&packet.Packet{
		PacketType:   packet.PacketType_HeartbeatAck,
		Sequence:     ackSeq,
		HeartbeatAck: &packet.HeartbeatAck{AckedSequence: seq},
	})
}

func (c *Client) onData(data *packet.Data) ([]ClientEvent, error) {
	if c.connection.State() != connection.State_Connected {
		return nil, &errors.NotConnected{Operation: "Client::onData"}
	}
	if err := c.connection.OnPacketReceived(); err != nil {
		return nil, err
	}

	var events []ClientEvent
	var frameErrs error

	for _, frame := range data.Events {
		ev, err := event.BuildFrame(c.params.Events, frame)
		if err != nil {
			frameErrs = multierr.Append(frameErrs, err)
			continue
		}
		events = append(events, ClientEvent{Type: ClientEventType_Event, Event: ev})
	}

	for _, action := range data.EntityActions {
		notification, err := c.entities.Apply(action)
		if err != nil {
			frameErrs = multierr.Append(frameErrs, err)
			continue
		}
		if notification == nil {
			continue
		}
		events = append(events, ClientEvent{
			Type:      entityEventType(notification.Kind),
			EntityKey: notification.Key,
		})
	}

	return events, frameErrs
}

func entityEventType(kind entity.ActionKind) ClientEventType {
	switch kind {
	case entity.ActionKind_Create:
		return ClientEventType_CreateEntity
	case entity.ActionKind_Update:
		return ClientEventType_UpdateEntity
	}
	return ClientEventType_DeleteEntity
}

func (c *Client) SendEvent(ev event.Event) error {
	if c.connection.State() != connection.State_Connected {
		if c.connection.State() == connection.State_Disconnected {
			return &errors.ConnectionClosed{Operation: "SendEvent"}
		}
		return &errors.NotConnected{Operation: "SendEvent"}
	}

	seq, err := c.connection.NextSequence()
	if err != nil {
		return err
	}
	return c.send(&packet.Packet{
		PacketType: packet.PacketType_Data,
		Sequence:   seq,
		Data: &packet.Data{
			Events: []event.Frame{{TypeId: ev.TypeId(), Payload: ev.Write(nil)}},
		},
	})
}

// Disconnect tells the server the session is over and closes it locally.
func (c *Client) Disconnect() error {
	seq, err := c.connection.NextSequence()
	if err != nil {
		return err
	}
	sendErr := c.send(&packet.Packet{
		PacketType: packet.PacketType_Disconnect,
		Sequence:   seq,
	})
	return multierr.Append(sendErr, c.connection.Disconnect())
}
