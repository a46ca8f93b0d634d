package server

import (
	"context"
	goerrs "errors"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/sessamekesh/spanreed-session/pkg/entity"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
	"github.com/sessamekesh/spanreed-session/pkg/message/packet"
	"github.com/sessamekesh/spanreed-session/pkg/metrics"
	"github.com/sessamekesh/spanreed-session/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ServerEventType uint8

const (
	// A peer asked to connect and is waiting on Verdict. Only emitted when
	// AutoAccept is off.
	ServerEventType_ConnectionRequest ServerEventType = iota
	ServerEventType_Connection
	ServerEventType_Disconnection
	ServerEventType_Event
)

func (t ServerEventType) String() string {
	switch t {
	case ServerEventType_ConnectionRequest:
		return "ConnectionRequest"
	case ServerEventType_Connection:
		return "Connection"
	case ServerEventType_Disconnection:
		return "Disconnection"
	case ServerEventType_Event:
		return "Event"
	}
	return "NONE"
}

type ServerEvent struct {
	Type      ServerEventType
	Addr      string
	SessionId uuid.UUID

	// Application event for ServerEventType_Event, auth event (if the client
	// sent one) for ServerEventType_ConnectionRequest.
	Event event.Event

	// Set on disconnections caused by silence rather than a request.
	IsTimeout bool
}

type ServerParams struct {
	Config connection.Config
	Clock  clock.Clock
	Logger *zap.Logger

	MagicNumber uint32
	Version     uint8

	Events   *event.Registry[event.Event]
	Entities *event.Registry[entity.Entity]

	Transport transport.Transport

	MaxConnections int
	TickInterval   time.Duration

	// AutoAccept skips the ConnectionRequest/Verdict round trip.
	AutoAccept bool

	EventBufferLength   int
	CommandBufferLength int
}

// Server multiplexes many client sessions over one transport. Start owns every
// connection; the exported methods hand work to it and wait for the result.
type Server struct {
	params     ServerParams
	log        *zap.Logger
	clock      clock.Clock
	serializer packet.PacketSerializer
	store      *internal.ConnectionStore

	events   chan ServerEvent
	commands chan func()
	done     chan struct{}
}

func CreateServer(params ServerParams) (*Server, error) {
	if params.Events == nil {
		return nil, &errors.MissingFieldError{MessageName: "ServerParams", FieldName: "Events"}
	}
	if params.Entities == nil {
		return nil, &errors.MissingFieldError{MessageName: "ServerParams", FieldName: "Entities"}
	}
	if params.Transport == nil {
		return nil, &errors.MissingFieldError{MessageName: "ServerParams", FieldName: "Transport"}
	}
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
	if params.MaxConnections <= 0 {
		params.MaxConnections = 64
	}
	if params.TickInterval <= 0 {
		params.TickInterval = 100 * time.Millisecond
	}
	if params.EventBufferLength <= 0 {
		params.EventBufferLength = 256
	}
	if params.CommandBufferLength <= 0 {
		params.CommandBufferLength = 64
	}

	metrics.RegisterMetrics()

	return &Server{
		params:     params,
		log:        logger.With(zap.String("handler", "server")),
		clock:      c,
		serializer: packet.CreatePacketSerializer(params.MagicNumber, params.Version),
		store:      internal.CreateConnectionStore(params.MaxConnections),

		events:   make(chan ServerEvent, params.EventBufferLength),
		commands: make(chan func(), params.CommandBufferLength),
		done:     make(chan struct{}),
	}, nil
}

func (s *Server) Events() <-chan ServerEvent {
	return s.events
}

// ConnectionCount is safe to call from any goroutine.
func (s *Server) ConnectionCount() int {
	return s.store.Len()
}

// Start runs the session loop until ctx is cancelled. Peers still connected at
// shutdown are sent a disconnect.
func (s *Server) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.params.TickInterval)
	defer ticker.Stop()

	s.log.Info("Starting session server loop", zap.Duration("tickInterval", s.params.TickInterval))
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.log.Info("Session server loop stopped")
			return
		case datagram := <-s.params.Transport.Incoming():
			s.handleDatagram(datagram)
		case <-ticker.C:
			s.update()
		case cmd := <-s.commands:
			cmd()
		}
	}
}

// run executes fn on the session loop and waits for it.
func (s *Server) run(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	cmd := func() {
		result <- fn()
	}

	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &errors.ConnectionClosed{Operation: "Server::run"}
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &errors.ConnectionClosed{Operation: "Server::run"}
	}
}

func (s *Server) emit(ev ServerEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("Server event queue full, dropping event", zap.Stringer("type", ev.Type), zap.String("clientAddr", ev.Addr))
		metrics.RecordDroppedFrame(metrics.DropReason_QueueFull)
	}
}

func (s *Server) sendPacket(session *internal.PeerSession, p *packet.Packet) error {
	seq, err := session.Connection.NextSequence()
	if err != nil {
		return err
	}
	p.Sequence = seq

	raw, err := s.serializer.Serialize(p)
	if err != nil {
		return err
	}
	return s.params.Transport.Send(session.Addr, raw)
}

func (s *Server) sendConnectResponse(session *internal.PeerSession, verdict bool) error {
	return s.sendPacket(session, &packet.Packet{
		PacketType: packet.PacketType_ConnectResponse,
		ConnectResponse: &packet.ConnectResponse{
			Timestamp: session.HandshakeTimestamp,
			Verdict:   verdict,
		},
	})
}

func (s *Server) sessionLog(session *internal.PeerSession) *zap.Logger {
	return s.log.With(
		zap.String("clientAddr", session.Addr),
		zap.Uint32("clientId", session.Id),
		zap.String("sessionId", session.SessionId.String()))
}

//
// Inbound datagrams

func (s *Server) handleDatagram(datagram transport.Datagram) {
	p, err := s.serializer.Parse(datagram.Data)
	if err != nil {
		s.log.Debug("Dropping unparseable datagram", zap.String("clientAddr", datagram.Addr), zap.Error(err))
		metrics.RecordDroppedFrame(metrics.DropReason_Malformed)
		if _, has := s.store.Get(datagram.Addr); !has {
			s.releasePeer(datagram.Addr)
		}
		return
	}

	if p.PacketType == packet.PacketType_ConnectRequest {
		s.onConnectRequest(datagram.Addr, p.ConnectRequest)
		return
	}

	session, has := s.store.Get(datagram.Addr)
	if !has {
		s.log.Debug("Dropping packet from unknown peer", zap.String("clientAddr", datagram.Addr), zap.Stringer("packetType", p.PacketType))
		if p.PacketType == packet.PacketType_Disconnect {
			// Late goodbye for a session that already ended.
			metrics.RecordDroppedFrame(metrics.DropReason_Closed)
		} else {
			metrics.RecordDroppedFrame(metrics.DropReason_UnknownPeer)
		}
		s.releasePeer(datagram.Addr)
		return
	}
	log := s.sessionLog(session)

	switch p.PacketType {
	case packet.PacketType_Heartbeat:
		err = s.onHeartbeat(session, p)
	case packet.PacketType_HeartbeatAck:
		err = s.onHeartbeatAck(session, p.HeartbeatAck)
	case packet.PacketType_Data:
		err = s.onData(session, p.Data)
	case packet.PacketType_Disconnect:
		log.Info("Client requested disconnect")
		s.closeSession(session, metrics.ConnectionEvent_Closed, false)
	default:
		log.Warn("Dropping unexpected packet from client", zap.Stringer("packetType", p.PacketType))
		metrics.RecordDroppedFrame(metrics.DropReason_Unexpected)
	}

	if err != nil {
		log.Warn("Failed to handle client packet", zap.Stringer("packetType", p.PacketType), zap.Error(err))
	}
}

func (s *Server) onConnectRequest(addr string, request *packet.ConnectRequest) {
	if session, has := s.store.Get(addr); has {
		if session.HandshakeTimestamp == request.Timestamp {
			// Retransmit from a client that has not seen our answer yet.
			if session.Connection.State() == connection.State_Connected {
				if err := s.sendConnectResponse(session, true); err != nil {
					s.sessionLog(session).Warn("Failed to resend connect response", zap.Error(err))
				}
			}
			return
		}

		s.sessionLog(session).Info("Peer started a new handshake, replacing old session")
		s.removeSession(session, metrics.ConnectionEvent_Closed, false)
	}

	log := s.log.With(zap.String("clientAddr", addr))
	metrics.RecordConnectionEvent(metrics.ConnectionEvent_Requested)

	conn, err := connection.CreateConnection(connection.ConnectionParams{
		Config: s.params.Config,
		Clock:  s.clock,
		Logger: log,
	})
	if err != nil {
		log.Error("Failed to create connection", zap.Error(err))
		return
	}

	session, err := s.store.Create(addr, conn, request.Timestamp)
	if err != nil {
		log.Warn("Refusing connection", zap.Error(err))
		s.refuse(addr, conn, request)
		return
	}
	log = s.sessionLog(session)

	var auth event.Event
	if request.Auth != nil {
		auth, err = event.BuildFrame(s.params.Events, *request.Auth)
		if err != nil {
			log.Warn("Refusing connection with malformed auth event", zap.Error(err))
			metrics.RecordDroppedFrame(metrics.DropReason_Malformed)
			s.reject(session)
			return
		}
	}

	if s.params.AutoAccept {
		if err := s.accept(session); err != nil {
			log.Warn("Failed to accept connection", zap.Error(err))
		}
		return
	}

	log.Info("Awaiting verdict for connection request")
	session.VerdictPending = true
	s.emit(ServerEvent{
		Type:      ServerEventType_ConnectionRequest,
		Addr:      addr,
		SessionId: session.SessionId,
		Event:     auth,
	})
}

// refuse answers a peer the store would not admit.
func (s *Server) refuse(addr string, conn *connection.Connection, request *packet.ConnectRequest) {
	metrics.RecordConnectionEvent(metrics.ConnectionEvent_Rejected)
	err := s.sendConnectResponse(&internal.PeerSession{
		Addr:               addr,
		Connection:         conn,
		HandshakeTimestamp: request.Timestamp,
	}, false)
	if err != nil {
		s.log.Warn("Failed to send refusal", zap.String("clientAddr", addr), zap.Error(err))
	}
	s.releasePeer(addr)
}

func (s *Server) accept(session *internal.PeerSession) error {
	session.VerdictPending = false
	if err := session.Connection.OnHandshakeAck(); err != nil {
		return err
	}

	metrics.RecordConnectionEvent(metrics.ConnectionEvent_Accepted)
	s.sessionLog(session).Info("Accepted connection")
	s.emit(ServerEvent{
		Type:      ServerEventType_Connection,
		Addr:      session.Addr,
		SessionId: session.SessionId,
	})
	return s.sendConnectResponse(session, true)
}

func (s *Server) reject(session *internal.PeerSession) {
	metrics.RecordConnectionEvent(metrics.ConnectionEvent_Rejected)
	if err := s.sendConnectResponse(session, false); err != nil {
		s.sessionLog(session).Warn("Failed to send refusal", zap.Error(err))
	}
	s.store.Remove(session.Addr)
	s.releasePeer(session.Addr)
}

func (s *Server) onHeartbeat(session *internal.PeerSession, p *packet.Packet) error {
	if err := session.Connection.OnHeartbeat(p.Sequence); err != nil {
		var stale *errors.StalePacket
		if goerrs.As(err, &stale) {
			metrics.RecordDroppedFrame(metrics.DropReason_Stale)
			return nil
		}
		return err
	}

	return s.sendPacket(session, &packet.Packet{
		PacketType:   packet.PacketType_HeartbeatAck,
		HeartbeatAck: &packet.HeartbeatAck{AckedSequence: p.Sequence},
	})
}

func (s *Server) onHeartbeatAck(session *internal.PeerSession, ack *packet.HeartbeatAck) error {
	sampled, err := session.Connection.OnHeartbeatAck(ack.AckedSequence)
	if err != nil {
		return err
	}
	if sampled {
		if rtt, ok := session.Connection.Rtt().Smoothed(); ok {
			metrics.RecordRtt(rtt)
		}
	}
	return nil
}

func (s *Server) onData(session *internal.PeerSession, data *packet.Data) error {
	if session.Connection.State() != connection.State_Connected {
		metrics.RecordDroppedFrame(metrics.DropReason_Unexpected)
		return &errors.NotConnected{Operation: "Server::onData"}
	}
	if err := session.Connection.OnPacketReceived(); err != nil {
		return err
	}

	var frameErrs error
	for _, frame := range data.Events {
		ev, err := event.BuildFrame(s.params.Events, frame)
		if err != nil {
			metrics.RecordDroppedFrame(metrics.DropReason_Malformed)
			frameErrs = multierr.Append(frameErrs, err)
			continue
		}
		s.emit(ServerEvent{
			Type:      ServerEventType_Event,
			Addr:      session.Addr,
			SessionId: session.SessionId,
			Event:     ev,
		})
	}

	// Entities are server-authoritative.
	if len(data.EntityActions) > 0 {
		s.sessionLog(session).Warn("Ignoring entity actions sent by client", zap.Int("count", len(data.EntityActions)))
		metrics.RecordDroppedFrame(metrics.DropReason_Unexpected)
	}

	return frameErrs
}

// closeSession removes a session, reports it and lets the transport drop the
// peer.
func (s *Server) closeSession(session *internal.PeerSession, reason string, isTimeout bool) {
	s.removeSession(session, reason, isTimeout)
	s.releasePeer(session.Addr)
}

// removeSession leaves the transport peer open for a replacement session on
// the same address. Sessions that never reached the application (no verdict
// asked, never connected) are dropped silently.
func (s *Server) removeSession(session *internal.PeerSession, reason string, isTimeout bool) {
	wasVisible := session.VerdictPending || session.Connection.State() == connection.State_Connected
	if session.Connection.State() != connection.State_Disconnected {
		if err := session.Connection.Disconnect(); err != nil {
			s.sessionLog(session).Warn("Failed to mark connection disconnected", zap.Error(err))
		}
	}
	s.store.Remove(session.Addr)
	metrics.RecordConnectionEvent(reason)

	if wasVisible {
		s.emit(ServerEvent{
			Type:      ServerEventType_Disconnection,
			Addr:      session.Addr,
			SessionId: session.SessionId,
			IsTimeout: isTimeout,
		})
	}
}

func (s *Server) releasePeer(addr string) {
	if closer, ok := s.params.Transport.(transport.PeerCloser); ok {
		closer.Close(addr)
	}
}

//
// Periodic work

func (s *Server) update() {
	now := s.clock.Now()

	authDeadline := now.Add(-s.params.Config.DisconnectionTimeoutDuration)
	for _, addr := range s.store.GetAuthTimeoutList(authDeadline) {
		session, has := s.store.Get(addr)
		if !has {
			continue
		}
		s.sessionLog(session).Info("Connection request timed out before a verdict")
		if err := s.sendConnectResponse(session, false); err != nil {
			s.sessionLog(session).Debug("Failed to send refusal on auth timeout", zap.Error(err))
		}
		s.closeSession(session, metrics.ConnectionEvent_AuthTimedOut, true)
	}

	for _, session := range s.store.Sessions() {
		if session.Connection.State() != connection.State_Connected {
			continue
		}

		tick, err := session.Connection.Update()
		if err != nil {
			s.sessionLog(session).Error("Connection update failed", zap.Error(err))
			continue
		}

		if tick.Disconnected {
			s.sessionLog(session).Info("Client timed out")
			s.store.Remove(session.Addr)
			s.releasePeer(session.Addr)
			metrics.RecordConnectionEvent(metrics.ConnectionEvent_TimedOut)
			s.emit(ServerEvent{
				Type:      ServerEventType_Disconnection,
				Addr:      session.Addr,
				SessionId: session.SessionId,
				IsTimeout: true,
			})
			continue
		}

		if tick.SendHeartbeat {
			if err := s.sendHeartbeat(session, tick); err != nil {
				s.sessionLog(session).Warn("Failed to send heartbeat", zap.Error(err))
			} else {
				metrics.RecordHeartbeatSent()
			}
		}
	}

	for state, count := range s.store.CountByState() {
		metrics.SetConnections(state.String(), count)
	}
}

// sendHeartbeat uses the sequence the connection stamped for its RTT sample.
func (s *Server) sendHeartbeat(session *internal.PeerSession, tick connection.Tick) error {
	raw, err := s.serializer.Serialize(&packet.Packet{
		PacketType: packet.PacketType_Heartbeat,
		Sequence:   tick.HeartbeatSequence,
	})
	if err != nil {
		return err
	}
	return s.params.Transport.Send(session.Addr, raw)
}

func (s *Server) shutdown() {
	for _, session := range s.store.Sessions() {
		if session.Connection.State() == connection.State_Connected {
			if err := s.sendPacket(session, &packet.Packet{PacketType: packet.PacketType_Disconnect}); err != nil {
				s.sessionLog(session).Debug("Failed to send disconnect on shutdown", zap.Error(err))
			}
		}
		s.closeSession(session, metrics.ConnectionEvent_Closed, false)
	}
}
