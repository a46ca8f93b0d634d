package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-session/examples/shared"
	"github.com/sessamekesh/spanreed-session/pkg/client"
	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/sessamekesh/spanreed-session/pkg/transport"
	"go.uber.org/zap"
)

// wsSender lets a session client write through a raw WebSocket.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func waitServerEvent(t *testing.T, s *Server) ServerEvent {
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server event")
	}
	return ServerEvent{}
}

func TestServerDisconnectClosesWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manifest, err := shared.ManifestLoad()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	c := clock.NewManualClock(1700000000)

	wsServer, err := transport.CreateWebsocketServer(transport.WebsocketServerParams{
		AllowAllHosts: true,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("create websocket server: %v", err)
	}
	httpServer := httptest.NewServer(wsServer.Handler(ctx))
	defer httpServer.Close()

	s, err := CreateServer(ServerParams{
		Config:     connection.DefaultConfig(),
		Clock:      c,
		Logger:     zap.NewNop(),
		Events:     manifest.Events,
		Entities:   manifest.Entities,
		Transport:  wsServer,
		AutoAccept: true,
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	cl, err := client.CreateClient(client.ClientParams{
		Config:   connection.DefaultConfig(),
		Clock:    c,
		Logger:   zap.NewNop(),
		Events:   manifest.Events,
		Entities: manifest.Entities,
		Auth:     &shared.AuthEvent{Username: "charlie"},
		Sender:   &wsSender{conn: conn},
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	if _, err := cl.Update(); err != nil {
		t.Fatalf("client update: %v", err)
	}
	ev := waitServerEvent(t, s)
	if ev.Type != ServerEventType_Connection || !strings.HasPrefix(ev.Addr, "ws:") {
		t.Fatalf("expected websocket connection event, got=%+v", ev)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if events, err := cl.Receive(raw); err != nil || len(events) != 1 || events[0].Type != client.ClientEventType_Connection {
		t.Fatalf("unexpected connect result events=%+v err=%v", events, err)
	}

	if err := s.Disconnect(ctx, ev.Addr); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if ev := waitServerEvent(t, s); ev.Type != ServerEventType_Disconnection {
		t.Fatalf("expected disconnection event, got=%+v", ev)
	}

	// The disconnect packet is flushed before the close frame.
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	if events, err := cl.Receive(raw); err != nil || len(events) != 1 || events[0].Type != client.ClientEventType_Disconnection {
		t.Fatalf("unexpected disconnect result events=%+v err=%v", events, err)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected server to close the websocket, got=%v", err)
	}
}
