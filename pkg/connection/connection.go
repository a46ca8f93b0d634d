package connection

import (
	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/rtt"
	"github.com/sessamekesh/spanreed-session/pkg/sequence"
	"go.uber.org/zap"
)

type State uint8

const (
	State_Connecting State = iota
	State_Connected
	State_Disconnected
)

func (s State) String() string {
	switch s {
	case State_Connecting:
		return "connecting"
	case State_Connected:
		return "connected"
	case State_Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Tick is the outcome of one Update call.
type Tick struct {
	// SendHeartbeat asks the caller to emit a heartbeat stamped with
	// HeartbeatSequence. The RTT sample for it is already recorded.
	SendHeartbeat     bool
	HeartbeatSequence sequence.Number

	// Disconnected is set only on the tick that performed the timeout.
	Disconnected bool

	RttExceeded bool
}

type ConnectionParams struct {
	Config Config
	Clock  clock.Clock
	Logger *zap.Logger
}

// Connection is the liveness state machine for one remote host. It is not
// safe for concurrent use: exactly one update loop owns it.
type Connection struct {
	config Config
	clock  clock.Clock
	log    *zap.Logger

	state State

	createdTime           clock.Instant
	lastReceivedTime      clock.Instant
	lastHeartbeatSentTime clock.Instant

	outgoingSequence     sequence.Generator
	hasRemoteHeartbeat   bool
	latestRemoteSequence sequence.Number

	rtt *rtt.Estimator
}

func CreateConnection(params ConnectionParams) (*Connection, error) {
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	c := params.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}

	now := c.Now()
	return &Connection{
		config: params.Config,
		clock:  c,
		log:    logger.With(zap.String("handler", "connection")),

		state:                 State_Connecting,
		createdTime:           now,
		lastReceivedTime:      now,
		lastHeartbeatSentTime: now,

		rtt: rtt.NewEstimator(c, params.Config.RttSmoothingFactor, params.Config.RttMaxValueMs),
	}, nil
}

func (c *Connection) State() State {
	return c.state
}

func (c *Connection) Config() Config {
	return c.config
}

func (c *Connection) CreatedTime() clock.Instant {
	return c.createdTime
}

func (c *Connection) LastReceivedTime() clock.Instant {
	return c.lastReceivedTime
}

func (c *Connection) Rtt() *rtt.Estimator {
	return c.rtt
}

func (c *Connection) closedError(operation string) error {
	if c.state == State_Disconnected {
		return &errors.ConnectionClosed{Operation: operation}
	}
	return nil
}

// OnHandshakeAck moves a connecting session to connected. A repeated ack on
// an established session only counts as activity.
func (c *Connection) OnHandshakeAck() error {
	if err := c.closedError("OnHandshakeAck"); err != nil {
		return err
	}

	now := c.clock.Now()
	c.lastReceivedTime = now
	if c.state == State_Connecting {
		c.state = State_Connected
		c.lastHeartbeatSentTime = now
		c.log.Info("Connection established")
	}
	return nil
}

func (c *Connection) OnPacketReceived() error {
	if err := c.closedError("OnPacketReceived"); err != nil {
		return err
	}

	c.lastReceivedTime = c.clock.Now()
	return nil
}

// OnHeartbeat accepts a heartbeat only if its sequence is newer than every
// heartbeat accepted before it.
func (c *Connection) OnHeartbeat(seq sequence.Number) error {
	if err := c.closedError("OnHeartbeat"); err != nil {
		return err
	}

	if c.hasRemoteHeartbeat && !sequence.IsNewer(seq, c.latestRemoteSequence) {
		return &errors.StalePacket{
			PacketName:     "Heartbeat",
			Sequence:       uint16(seq),
			LatestSequence: uint16(c.latestRemoteSequence),
		}
	}

	c.hasRemoteHeartbeat = true
	c.latestRemoteSequence = seq
	c.lastReceivedTime = c.clock.Now()
	return nil
}

// OnHeartbeatAck reports whether the ack produced an RTT sample.
func (c *Connection) OnHeartbeatAck(seq sequence.Number) (bool, error) {
	if err := c.closedError("OnHeartbeatAck"); err != nil {
		return false, err
	}

	c.lastReceivedTime = c.clock.Now()
	return c.rtt.RecordAck(seq), nil
}

func (c *Connection) NextSequence() (sequence.Number, error) {
	if err := c.closedError("NextSequence"); err != nil {
		return 0, err
	}
	return c.outgoingSequence.Next(), nil
}

// Update services the disconnection timeout and heartbeat timer. It must be
// called regularly; its cadence bounds how late either is noticed.
func (c *Connection) Update() (Tick, error) {
	if err := c.closedError("Update"); err != nil {
		return Tick{}, err
	}

	tick := Tick{}
	if c.state != State_Connected {
		return tick, nil
	}

	now := c.clock.Now()
	if now.Sub(c.lastReceivedTime) > c.config.DisconnectionTimeoutDuration {
		c.state = State_Disconnected
		c.log.Info("Connection timed out", zap.Duration("silence", now.Sub(c.lastReceivedTime)))
		tick.Disconnected = true
		return tick, nil
	}

	if now.Sub(c.lastHeartbeatSentTime) >= c.config.HeartbeatInterval {
		seq := c.outgoingSequence.Next()
		c.rtt.RecordSend(seq)
		c.lastHeartbeatSentTime = now
		tick.SendHeartbeat = true
		tick.HeartbeatSequence = seq
	}

	tick.RttExceeded = c.rtt.ExceedsMax()
	return tick, nil
}

// Disconnect is the explicit path to the terminal state, used for graceful
// peer disconnects and caller-driven policy.
func (c *Connection) Disconnect() error {
	if err := c.closedError("Disconnect"); err != nil {
		return err
	}

	c.state = State_Disconnected
	c.log.Info("Connection closed")
	return nil
}
