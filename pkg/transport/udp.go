package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

type UdpServerParams struct {
	// Port 0 picks a free port; read it back with LocalAddr.
	Port int

	ReadBufferSize  int
	WriteBufferSize int
	MaxDatagramSize int

	IncomingBufferLength int

	Logger *zap.Logger
}

type udpServer struct {
	params UdpServerParams
	log    *zap.Logger

	incoming chan Datagram

	mut_conn sync.RWMutex
	conn     *net.UDPConn

	mut_addrs sync.RWMutex
	addrs     map[string]*net.UDPAddr
}

func CreateUdpServer(params UdpServerParams) (*udpServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ReadBufferSize == 0 {
		params.ReadBufferSize = 10240
	}
	if params.WriteBufferSize == 0 {
		params.WriteBufferSize = 10240
	}
	if params.MaxDatagramSize == 0 {
		params.MaxDatagramSize = 1400
	}
	if params.IncomingBufferLength == 0 {
		params.IncomingBufferLength = 256
	}

	return &udpServer{
		params:   params,
		log:      logger.With(zap.String("handler", "udpServer")),
		incoming: make(chan Datagram, params.IncomingBufferLength),
		addrs:    make(map[string]*net.UDPAddr),
	}, nil
}

// Listen binds the socket. Start calls it if it has not been called yet.
func (s *udpServer) Listen() error {
	s.mut_conn.Lock()
	defer s.mut_conn.Unlock()
	if s.conn != nil {
		return nil
	}

	hostAddr, hostAddrErr := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", s.params.Port))
	if hostAddrErr != nil {
		return hostAddrErr
	}

	conn, listenErr := net.ListenUDP("udp", hostAddr)
	if listenErr != nil {
		return listenErr
	}

	conn.SetReadBuffer(s.params.ReadBufferSize)
	conn.SetWriteBuffer(s.params.WriteBufferSize)
	s.conn = conn
	return nil
}

func (s *udpServer) LocalAddr() net.Addr {
	s.mut_conn.RLock()
	defer s.mut_conn.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *udpServer) Incoming() <-chan Datagram {
	return s.incoming
}

func (s *udpServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mut_conn.RLock()
	conn := s.conn
	s.mut_conn.RUnlock()

	wg := sync.WaitGroup{}

	//
	// Connection closing goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		conn.Close()
	}()

	//
	// Datagram listening goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("Starting UDP listener goroutine", zap.String("addr", conn.LocalAddr().String()))
		defer s.log.Info("Stopping UDP listener goroutine")

		buf := make([]byte, s.params.MaxDatagramSize)
		for {
			bytesRead, clientAddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					s.log.Info("UDP server connection close requested - exiting")
				} else {
					s.log.Error("Error reading UDP datagram from connection, closing!", zap.Error(err))
				}
				return
			}

			addr := clientAddr.String()
			func() {
				s.mut_addrs.Lock()
				defer s.mut_addrs.Unlock()
				s.addrs[addr] = clientAddr
			}()

			payload := make([]byte, bytesRead)
			copy(payload, buf[:bytesRead])

			select {
			case s.incoming <- Datagram{Addr: addr, Data: payload}:
			default:
				s.log.Warn("Incoming datagram queue full, dropping", zap.String("clientAddr", addr))
			}
		}
	}()

	wg.Wait()
	return nil
}

func (s *udpServer) Send(addr string, data []byte) error {
	s.mut_conn.RLock()
	conn := s.conn
	s.mut_conn.RUnlock()
	if conn == nil {
		return &NotListening{}
	}

	s.mut_addrs.RLock()
	udpAddr, has := s.addrs[addr]
	s.mut_addrs.RUnlock()
	if !has {
		return &UnknownPeer{Addr: addr}
	}

	_, err := conn.WriteToUDP(data, udpAddr)
	return err
}

// Close forgets the reply address cached for addr.
func (s *udpServer) Close(addr string) {
	s.mut_addrs.Lock()
	defer s.mut_addrs.Unlock()
	delete(s.addrs, addr)
}

// PeerCount is the number of reply addresses currently cached.
func (s *udpServer) PeerCount() int {
	s.mut_addrs.RLock()
	defer s.mut_addrs.RUnlock()
	return len(s.addrs)
}

type UdpClientParams struct {
	ServerAddress        string
	MaxDatagramSize      int
	IncomingBufferLength int
	Logger               *zap.Logger
}

// udpClient is a connected UDP socket to a single server.
type udpClient struct {
	params   UdpClientParams
	log      *zap.Logger
	conn     *net.UDPConn
	incoming chan Datagram
}

func DialUdp(params UdpClientParams) (*udpClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.MaxDatagramSize == 0 {
		params.MaxDatagramSize = 1400
	}
	if params.IncomingBufferLength == 0 {
		params.IncomingBufferLength = 64
	}

	serverAddr, err := net.ResolveUDPAddr("udp", params.ServerAddress)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return nil, err
	}

	return &udpClient{
		params:   params,
		log:      logger.With(zap.String("handler", "udpClient"), zap.String("serverAddr", serverAddr.String())),
		conn:     conn,
		incoming: make(chan Datagram, params.IncomingBufferLength),
	}, nil
}

func (c *udpClient) Incoming() <-chan Datagram {
	return c.incoming
}

func (c *udpClient) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// Start reads datagrams until ctx is cancelled, then closes the socket.
func (c *udpClient) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	buf := make([]byte, c.params.MaxDatagramSize)
	for {
		bytesRead, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Warn("UDP read failed", zap.Error(err))
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		payload := make([]byte, bytesRead)
		copy(payload, buf[:bytesRead])
		select {
		case c.incoming <- Datagram{Addr: c.params.ServerAddress, Data: payload}:
		default:
			c.log.Warn("Incoming datagram queue full, dropping")
		}
	}
}
