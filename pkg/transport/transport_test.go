package transport

import (
	"context"
	goerrs "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func receive(t *testing.T, ch <-chan Datagram) Datagram {
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}
	return Datagram{}
}

func TestUdpRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer func() {
		cancel()
		wg.Wait()
	}()

	server, err := CreateUdpServer(UdpServerParams{Port: 0, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Start(ctx)
	}()

	client, err := DialUdp(UdpClientParams{
		ServerAddress: server.LocalAddr().String(),
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Start(ctx)
	}()

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("client send: %v", err)
	}
	in := receive(t, server.Incoming())
	if string(in.Data) != "ping" {
		t.Fatalf("unexpected server datagram=%q", in.Data)
	}

	if err := server.Send(in.Addr, []byte("pong")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if out := receive(t, client.Incoming()); string(out.Data) != "pong" {
		t.Fatalf("unexpected client datagram=%q", out.Data)
	}
}

func TestUdpCloseForgetsPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer func() {
		cancel()
		wg.Wait()
	}()

	server, _ := CreateUdpServer(UdpServerParams{Logger: zap.NewNop()})
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Start(ctx)
	}()

	client, err := DialUdp(UdpClientParams{ServerAddress: server.LocalAddr().String(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Start(ctx)
	}()

	client.Send([]byte("hello"))
	in := receive(t, server.Incoming())
	if server.PeerCount() != 1 {
		t.Fatalf("expected one cached peer, got=%d", server.PeerCount())
	}

	var closer PeerCloser = server
	closer.Close(in.Addr)

	var unknown *UnknownPeer
	if err := server.Send(in.Addr, []byte("late")); !goerrs.As(err, &unknown) {
		t.Fatalf("expected unknown peer after close, got=%v", err)
	}
	if server.PeerCount() != 0 {
		t.Fatalf("peer still cached after close, count=%d", server.PeerCount())
	}

	client.Send([]byte("again"))
	receive(t, server.Incoming())
	if err := server.Send(in.Addr, []byte("welcome back")); err != nil {
		t.Fatalf("peer not cached again after a new datagram: %v", err)
	}
}

func TestUdpSendErrors(t *testing.T) {
	server, _ := CreateUdpServer(UdpServerParams{Logger: zaptest.NewLogger(t)})

	var notListening *NotListening
	if err := server.Send("127.0.0.1:1", nil); !goerrs.As(err, &notListening) {
		t.Fatalf("expected not listening, got=%v", err)
	}

	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	var unknown *UnknownPeer
	if err := server.Send("127.0.0.1:1", nil); !goerrs.As(err, &unknown) {
		t.Fatalf("expected unknown peer, got=%v", err)
	}
}

func TestCheckOrigin(t *testing.T) {
	params := WebsocketServerParams{
		AllowlistedHosts: []string{"https://good.example"},
		DenylistedHosts:  []string{"https://bad.example"},
	}
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", origin)
		return r
	}

	if !checkOrigin(request("https://good.example"), params) {
		t.Fatalf("allowlisted origin rejected")
	}
	if checkOrigin(request("https://other.example"), params) {
		t.Fatalf("unknown origin accepted")
	}

	params.AllowAllHosts = true
	if !checkOrigin(request("https://other.example"), params) {
		t.Fatalf("AllowAllHosts did not accept origin")
	}
	if checkOrigin(request("https://bad.example"), params) {
		t.Fatalf("denylisted origin accepted with AllowAllHosts")
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := CreateWebsocketServer(WebsocketServerParams{
		AllowAllHosts: true,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler(ctx))
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client, err := DialWebsocket(ctx, WebsocketClientParams{Url: url, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("client send: %v", err)
	}
	in := receive(t, server.Incoming())
	if len(in.Data) != 3 || !strings.HasPrefix(in.Addr, "ws:") {
		t.Fatalf("unexpected server datagram=%+v", in)
	}

	if err := server.Send(in.Addr, []byte{9}); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if out := receive(t, client.Incoming()); len(out.Data) != 1 || out.Data[0] != 9 {
		t.Fatalf("unexpected client datagram=%+v", out)
	}

	var unknown *UnknownPeer
	if err := server.Send("ws:nobody", nil); !goerrs.As(err, &unknown) {
		t.Fatalf("expected unknown peer, got=%v", err)
	}
}

func TestWebsocketTextMessagesIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, _ := CreateWebsocketServer(WebsocketServerParams{AllowAllHosts: true, Logger: zap.NewNop()})
	httpServer := httptest.NewServer(server.Handler(ctx))
	defer httpServer.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	conn.WriteMessage(websocket.BinaryMessage, []byte("bin"))

	if in := receive(t, server.Incoming()); string(in.Data) != "bin" {
		t.Fatalf("text message was forwarded, got=%q", in.Data)
	}
}

func TestWebsocketCloseFlushesQueuedDatagrams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, _ := CreateWebsocketServer(WebsocketServerParams{AllowAllHosts: true, Logger: zap.NewNop()})
	httpServer := httptest.NewServer(server.Handler(ctx))
	defer httpServer.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	conn.WriteMessage(websocket.BinaryMessage, []byte("hello"))
	in := receive(t, server.Incoming())

	if err := server.Send(in.Addr, []byte("bye")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	var closer PeerCloser = server
	closer.Close(in.Addr)

	msgType, payload, err := conn.ReadMessage()
	if err != nil || msgType != websocket.BinaryMessage || string(payload) != "bye" {
		t.Fatalf("queued datagram lost on close, type=%d payload=%q err=%v", msgType, payload, err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got=%v", err)
	}
}
