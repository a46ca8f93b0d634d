package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-session/examples/shared"
	"github.com/sessamekesh/spanreed-session/pkg/entity"
	"github.com/sessamekesh/spanreed-session/pkg/server"
	"github.com/sessamekesh/spanreed-session/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveOptions struct {
	configPath     string
	useUdp         bool
	udpPort        int
	useWebsockets  bool
	wsAddress      string
	wsEndpoint     string
	metricsAddress string
	maxConnections int
}

func serveCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo session server",
		Long: `Run a session server that accepts any client presenting a username,
echoes string events back to their sender and gives every client a point
entity that moves each time it sends a message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	udpPort, portErr := strconv.Atoi(envOr("SPANREED_UDP_PORT", "30321"))
	if portErr != nil {
		udpPort = 30321
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", envOr("SPANREED_CONFIG", ""), "TOML connection config (defaults apply when empty)")
	flags.BoolVar(&opts.useUdp, "udp", true, "Set to false to disable UDP support")
	flags.IntVar(&opts.udpPort, "udp-port", udpPort, "Port on which the UDP server should run")
	flags.BoolVar(&opts.useWebsockets, "websockets", true, "Set to false to disable WebSocket support")
	flags.StringVar(&opts.wsAddress, "ws-address", envOr("SPANREED_WS_ADDRESS", ":3000"), "Address on which the WebSocket server should listen")
	flags.StringVar(&opts.wsEndpoint, "ws-endpoint", "/ws", "HTTP endpoint that listens for WebSocket connections")
	flags.StringVar(&opts.metricsAddress, "metrics-address", envOr("SPANREED_METRICS_ADDRESS", ":9090"), "Address for the Prometheus /metrics endpoint (empty disables it)")
	flags.IntVar(&opts.maxConnections, "max-connections", 64, "Connections allowed per transport")

	return cmd
}

func runServe(opts serveOptions) error {
	logger := newLogger()
	defer logger.Sync()

	config, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	manifest, err := shared.ManifestLoad()
	if err != nil {
		return err
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	startSessionServer := func(name string, tr transport.Transport) error {
		s, err := server.CreateServer(server.ServerParams{
			Config:         config,
			Logger:         logger.With(zap.String("transport", name)),
			Events:         manifest.Events,
			Entities:       manifest.Entities,
			Transport:      tr,
			MaxConnections: opts.maxConnections,
		})
		if err != nil {
			return err
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Start(shutdownCtx)
		}()
		go func() {
			defer wg.Done()
			runDemo(shutdownCtx, s, logger.With(zap.String("transport", name)))
		}()
		return nil
	}

	if opts.useUdp {
		udpServer, err := transport.CreateUdpServer(transport.UdpServerParams{
			Port:   opts.udpPort,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := udpServer.Listen(); err != nil {
			return fmt.Errorf("failed to listen on UDP port %d: %w", opts.udpPort, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting UDP server", zap.Int("port", opts.udpPort))
			udpServer.Start(shutdownCtx)
		}()
		if err := startSessionServer("udp", udpServer); err != nil {
			return err
		}
	}

	if opts.useWebsockets {
		wsServer, err := transport.CreateWebsocketServer(transport.WebsocketServerParams{
			ListenAddress:  opts.wsAddress,
			ListenEndpoint: opts.wsEndpoint,
			AllowAllHosts:  true,
			Logger:         logger,
		})
		if err != nil {
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			wsServer.Start(shutdownCtx)
		}()
		if err := startSessionServer("websocket", wsServer); err != nil {
			return err
		}
	}

	if opts.metricsAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(shutdownCtx, opts.metricsAddress, logger)
		}()
	}

	wg.Wait()
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, release := context.WithTimeout(context.Background(), 5*time.Second)
		defer release()
		metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server stopped unexpectedly", zap.Error(err))
	}
}

const demoPointKey entity.Key = 1

// runDemo plays the application side of the demo game.
func runDemo(ctx context.Context, s *server.Server, logger *zap.Logger) {
	points := map[string]*shared.PointEntity{}

	for {
		var ev server.ServerEvent
		select {
		case <-ctx.Done():
			return
		case ev = <-s.Events():
		}

		log := logger.With(zap.String("clientAddr", ev.Addr), zap.String("sessionId", ev.SessionId.String()))
		switch ev.Type {
		case server.ServerEventType_ConnectionRequest:
			auth, ok := ev.Event.(*shared.AuthEvent)
			accept := ok && auth.Username != ""
			if err := s.Verdict(ctx, ev.Addr, accept); err != nil {
				log.Warn("Failed to answer connection request", zap.Error(err))
			}

		case server.ServerEventType_Connection:
			point := &shared.PointEntity{}
			if err := s.CreateEntity(ctx, ev.Addr, demoPointKey, point); err != nil {
				log.Warn("Failed to create demo entity", zap.Error(err))
				continue
			}
			points[ev.Addr] = point

		case server.ServerEventType_Event:
			str, ok := ev.Event.(*shared.StringEvent)
			if !ok {
				continue
			}
			if err := s.SendEvent(ctx, ev.Addr, &shared.StringEvent{Message: str.Message}); err != nil {
				log.Warn("Failed to echo event", zap.Error(err))
			}
			if point, has := points[ev.Addr]; has {
				point.X++
				if err := s.UpdateEntity(ctx, ev.Addr, demoPointKey, point.WriteUpdate(shared.PointField_X)); err != nil {
					log.Warn("Failed to move demo entity", zap.Error(err))
				}
			}

		case server.ServerEventType_Disconnection:
			log.Info("Client left", zap.Bool("timeout", ev.IsTimeout))
			delete(points, ev.Addr)
		}
	}
}
