package server

import (
	"context"

	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/sessamekesh/spanreed-session/pkg/entity"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/event"
	"github.com/sessamekesh/spanreed-session/pkg/message/packet"
	"github.com/sessamekesh/spanreed-session/pkg/metrics"
	"go.uber.org/multierr"
)

func (s *Server) connectedSession(addr string, operation string) (*internal.PeerSession, error) {
	session, has := s.store.Get(addr)
	if !has {
		return nil, &internal.MissingPeerError{Addr: addr}
	}
	if session.Connection.State() != connection.State_Connected {
		return nil, &errors.NotConnected{Operation: operation}
	}
	return session, nil
}

func (s *Server) sendData(session *internal.PeerSession, data *packet.Data) error {
	return s.sendPacket(session, &packet.Packet{
		PacketType: packet.PacketType_Data,
		Data:       data,
	})
}

// Verdict answers a ServerEventType_ConnectionRequest.
func (s *Server) Verdict(ctx context.Context, addr string, accept bool) error {
	return s.run(ctx, func() error {
		session, has := s.store.Get(addr)
		if !has || !session.VerdictPending {
			return &internal.MissingPeerError{Addr: addr}
		}

		if !accept {
			s.sessionLog(session).Info("Connection request rejected")
			s.reject(session)
			return nil
		}
		return s.accept(session)
	})
}

func (s *Server) SendEvent(ctx context.Context, addr string, ev event.Event) error {
	return s.run(ctx, func() error {
		session, err := s.connectedSession(addr, "Server::SendEvent")
		if err != nil {
			return err
		}
		return s.sendData(session, &packet.Data{
			Events: []event.Frame{{TypeId: ev.TypeId(), Payload: ev.Write(nil)}},
		})
	})
}

// BroadcastEvent sends ev to every connected peer. Per-peer failures are
// combined; one bad peer does not stop the others.
func (s *Server) BroadcastEvent(ctx context.Context, ev event.Event) error {
	return s.run(ctx, func() error {
		frame := event.Frame{TypeId: ev.TypeId(), Payload: ev.Write(nil)}

		var errs error
		for _, session := range s.store.Sessions() {
			if session.Connection.State() != connection.State_Connected {
				continue
			}
			errs = multierr.Append(errs, s.sendData(session, &packet.Data{Events: []event.Frame{frame}}))
		}
		return errs
	})
}

func (s *Server) CreateEntity(ctx context.Context, addr string, key entity.Key, e entity.Entity) error {
	return s.run(ctx, func() error {
		if !s.params.Entities.Has(e.TypeId()) {
			return &errors.UnknownEventType{RegistryName: s.params.Entities.Name(), TypeId: uint16(e.TypeId())}
		}

		session, err := s.connectedSession(addr, "Server::CreateEntity")
		if err != nil {
			return err
		}
		if _, has := session.EntityKeys[key]; has {
			return &errors.DuplicateEntity{Key: uint16(key)}
		}

		if err := s.sendData(session, &packet.Data{
			EntityActions: []entity.Action{entity.CreateAction(key, e)},
		}); err != nil {
			return err
		}
		session.EntityKeys[key] = struct{}{}
		return nil
	})
}

// UpdateEntity sends an update payload, as produced by the entity type, for an
// entity previously created on addr.
func (s *Server) UpdateEntity(ctx context.Context, addr string, key entity.Key, payload []byte) error {
	return s.run(ctx, func() error {
		session, err := s.connectedSession(addr, "Server::UpdateEntity")
		if err != nil {
			return err
		}
		if _, has := session.EntityKeys[key]; !has {
			return &errors.MissingEntity{Key: uint16(key)}
		}

		return s.sendData(session, &packet.Data{
			EntityActions: []entity.Action{entity.UpdateAction(key, payload)},
		})
	})
}

func (s *Server) DeleteEntity(ctx context.Context, addr string, key entity.Key) error {
	return s.run(ctx, func() error {
		session, err := s.connectedSession(addr, "Server::DeleteEntity")
		if err != nil {
			return err
		}
		if _, has := session.EntityKeys[key]; !has {
			return &errors.MissingEntity{Key: uint16(key)}
		}

		if err := s.sendData(session, &packet.Data{
			EntityActions: []entity.Action{entity.DeleteAction(key)},
		}); err != nil {
			return err
		}
		delete(session.EntityKeys, key)
		return nil
	})
}

// Disconnect tells addr the session is over and forgets it.
func (s *Server) Disconnect(ctx context.Context, addr string) error {
	return s.run(ctx, func() error {
		session, has := s.store.Get(addr)
		if !has {
			return &internal.MissingPeerError{Addr: addr}
		}

		sendErr := s.sendPacket(session, &packet.Packet{PacketType: packet.PacketType_Disconnect})
		s.closeSession(session, metrics.ConnectionEvent_Closed, false)
		return sendErr
	})
}
