package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebsocketClientParams struct {
	Url                  string
	IncomingBufferLength int
	Logger               *zap.Logger
}

// websocketClient is the dialing side of the WebSocket transport. Each binary
// message is one datagram.
type websocketClient struct {
	params   WebsocketClientParams
	log      *zap.Logger
	conn     *websocket.Conn
	incoming chan Datagram

	mut_write sync.Mutex
}

// DialWebsocket connects to url and starts reading. The connection closes when
// ctx is cancelled or Close is called.
func DialWebsocket(ctx context.Context, params WebsocketClientParams) (*websocketClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.IncomingBufferLength == 0 {
		params.IncomingBufferLength = 64
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, params.Url, nil)
	if err != nil {
		return nil, err
	}

	c := &websocketClient{
		params:   params,
		log:      logger.With(zap.String("handler", "websocketClient"), zap.String("url", params.Url)),
		conn:     conn,
		incoming: make(chan Datagram, params.IncomingBufferLength),
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()
	go c.readLoop()

	return c, nil
}

func (c *websocketClient) readLoop() {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("WebSocket read ended", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.incoming <- Datagram{Addr: c.params.Url, Data: payload}:
		default:
			c.log.Warn("Incoming datagram queue full, dropping")
		}
	}
}

func (c *websocketClient) Incoming() <-chan Datagram {
	return c.incoming
}

func (c *websocketClient) Send(data []byte) error {
	c.mut_write.Lock()
	defer c.mut_write.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *websocketClient) Close() error {
	return c.conn.Close()
}
