package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	utils "github.com/sessamekesh/spanreed-session/pkg/util"
	"go.uber.org/zap"
)

type wsPeer struct {
	OutgoingMessages chan []byte
	CloseRequest     chan struct{}
}

type WebsocketServerParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize   int64
	IncomingBufferLength int
	OutgoingBufferLength int

	Logger *zap.Logger
}

// websocketServer carries session datagrams as binary WebSocket messages, for
// browser clients that cannot open UDP sockets.
type websocketServer struct {
	upgrader *websocket.Upgrader
	params   WebsocketServerParams

	incoming chan Datagram

	mut_connections sync.RWMutex
	connections     map[string]*wsPeer

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func checkOrigin(r *http.Request, params WebsocketServerParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateWebsocketServer(params WebsocketServerParams) (*websocketServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}
	if params.MaxReadMessageSize == 0 {
		params.MaxReadMessageSize = 1400
	}
	if params.IncomingBufferLength == 0 {
		params.IncomingBufferLength = 256
	}
	if params.OutgoingBufferLength == 0 {
		params.OutgoingBufferLength = 16
	}

	return &websocketServer{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:   params,
		incoming: make(chan Datagram, params.IncomingBufferLength),

		mut_connections: sync.RWMutex{},
		connections:     make(map[string]*wsPeer),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *websocketServer) Incoming() <-chan Datagram {
	return ws.incoming
}

func (ws *websocketServer) Send(addr string, data []byte) error {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()

	peer, has := ws.connections[addr]
	if !has {
		return &UnknownPeer{Addr: addr}
	}

	select {
	case peer.OutgoingMessages <- data:
		return nil
	default:
		return &QueueFull{Addr: addr}
	}
}

// Close drops the WebSocket carrying addr, if any.
func (ws *websocketServer) Close(addr string) {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()

	if peer, has := ws.connections[addr]; has {
		select {
		case peer.CloseRequest <- struct{}{}:
		default:
		}
	}
}

// Handler serves WebSocket upgrades. Connections end when ctx is cancelled.
func (ws *websocketServer) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
}

func (ws *websocketServer) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	addr := "ws:" + ws.stringGen.GetRandomString(10)
	log := ws.log.With(zap.String("wsConnId", addr), zap.String("remoteAddr", r.RemoteAddr))

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()
	c.SetReadLimit(ws.params.MaxReadMessageSize)

	peer := &wsPeer{
		OutgoingMessages: make(chan []byte, ws.params.OutgoingBufferLength),
		CloseRequest:     make(chan struct{}, 1),
	}

	func() {
		ws.mut_connections.Lock()
		defer ws.mut_connections.Unlock()
		ws.connections[addr] = peer
		log.Debug("Added peer to WebSocket connections map")
	}()

	defer func() {
		ws.mut_connections.Lock()
		defer ws.mut_connections.Unlock()
		delete(ws.connections, addr)
		log.Debug("Removed peer from WebSocket connections map")
	}()

	wg := sync.WaitGroup{}
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-done:
				return
			case <-peer.CloseRequest:
				log.Info("Closing WebSocket at session layer request")
				// Flush what was queued before the close, e.g. a refusal or disconnect.
				for flushed := false; !flushed; {
					select {
					case msg := <-peer.OutgoingMessages:
						if err := c.WriteMessage(websocket.BinaryMessage, msg); err != nil {
							log.Warn("Failed to write WebSocket message", zap.Error(err))
						}
					default:
						flushed = true
					}
				}
				c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				c.Close()
				return
			case msg := <-peer.OutgoingMessages:
				if err := c.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					log.Warn("Failed to write WebSocket message", zap.Error(err))
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)

		expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
		for {
			msgType, payload, msgErr := c.ReadMessage()
			if msgErr != nil {
				if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
					log.Info("Received close request from peer")
				} else if errors.Is(msgErr, net.ErrClosed) {
					log.Info("Closing connection, probably from server-initiated 'close' call")
				} else {
					log.Warn("WebSocket read ended", zap.Error(msgErr))
				}
				return
			}

			if msgType != websocket.BinaryMessage {
				log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
				continue
			}

			select {
			case ws.incoming <- Datagram{Addr: addr, Data: payload}:
			default:
				log.Warn("Incoming datagram queue full, dropping")
			}
		}
	}()

	wg.Wait()
}

// Start serves the WebSocket endpoint until ctx is cancelled.
func (ws *websocketServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(ws.params.ListenEndpoint, ws.Handler(ctx))

	server := &http.Server{
		Addr:    ws.params.ListenAddress,
		Handler: mux,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket server at %s", ws.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}
