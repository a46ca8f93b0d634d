package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessamekesh/spanreed-session/examples/shared"
	"github.com/sessamekesh/spanreed-session/pkg/client"
	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/sessamekesh/spanreed-session/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type connectOptions struct {
	configPath   string
	udpAddress   string
	wsUrl        string
	username     string
	messageEvery time.Duration
}

// datagramPipe is the client side of either transport.
type datagramPipe interface {
	client.Sender
	Incoming() <-chan transport.Datagram
}

func connectCmd() *cobra.Command {
	opts := connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect the demo client to a session server",
		Long: `Connect to a running session server over UDP (--udp) or WebSocket (--ws),
send a string event periodically and log everything the server replicates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.udpAddress == "") == (opts.wsUrl == "") {
				return errors.New("exactly one of --udp or --ws is required")
			}
			return runConnect(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", envOr("SPANREED_CONFIG", ""), "TOML connection config (defaults apply when empty)")
	flags.StringVar(&opts.udpAddress, "udp", "", "UDP server address, e.g. localhost:30321")
	flags.StringVar(&opts.wsUrl, "ws", "", "WebSocket server URL, e.g. ws://localhost:3000/ws")
	flags.StringVarP(&opts.username, "username", "u", envOr("SPANREED_USERNAME", "demo"), "Username sent with the connection request")
	flags.DurationVar(&opts.messageEvery, "message-every", 2*time.Second, "How often to send a string event once connected")

	return cmd
}

func runConnect(opts connectOptions) error {
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

	ctx, release := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer release()

	var pipe datagramPipe
	if opts.udpAddress != "" {
		udpClient, err := transport.DialUdp(transport.UdpClientParams{
			ServerAddress: opts.udpAddress,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		go udpClient.Start(ctx)
		pipe = udpClient
	} else {
		wsClient, err := transport.DialWebsocket(ctx, transport.WebsocketClientParams{
			Url:    opts.wsUrl,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer wsClient.Close()
		pipe = wsClient
	}

	cl, err := client.CreateClient(client.ClientParams{
		Config:   config,
		Logger:   logger,
		Events:   manifest.Events,
		Entities: manifest.Entities,
		Auth:     &shared.AuthEvent{Username: opts.username},
		Sender:   pipe,
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	messages := time.NewTicker(opts.messageEvery)
	defer messages.Stop()

	counter := 0
	for {
		var events []client.ClientEvent
		var err error

		select {
		case <-ctx.Done():
			if cl.State() == connection.State_Connected {
				cl.Disconnect()
			}
			return nil
		case <-ticker.C:
			events, err = cl.Update()
		case datagram := <-pipe.Incoming():
			events, err = cl.Receive(datagram.Data)
		case <-messages.C:
			if cl.State() != connection.State_Connected {
				continue
			}
			counter++
			err = cl.SendEvent(&shared.StringEvent{Message: fmt.Sprintf("hello #%d from %s", counter, opts.username)})
		}

		if err != nil {
			logger.Warn("Client error", zap.Error(err))
		}
		for _, ev := range events {
			if done := logClientEvent(logger, cl, ev); done {
				return nil
			}
		}
	}
}

// logClientEvent reports whether the session is over.
func logClientEvent(logger *zap.Logger, cl *client.Client, ev client.ClientEvent) bool {
	switch ev.Type {
	case client.ClientEventType_Connection:
		logger.Info("Connected to server")
	case client.ClientEventType_Disconnection:
		logger.Info("Disconnected from server")
		return true
	case client.ClientEventType_Event:
		if str, ok := ev.Event.(*shared.StringEvent); ok {
			logger.Info("Server says", zap.String("message", str.Message))
		}
	case client.ClientEventType_CreateEntity, client.ClientEventType_UpdateEntity:
		if e, has := cl.GetEntity(ev.EntityKey); has {
			if point, ok := e.(*shared.PointEntity); ok {
				logger.Info("Point entity", zap.Stringer("action", ev.Type), zap.Uint16("key", uint16(ev.EntityKey)), zap.Uint8("x", point.X), zap.Uint8("y", point.Y))
			}
		}
	case client.ClientEventType_DeleteEntity:
		logger.Info("Entity deleted", zap.Uint16("key", uint16(ev.EntityKey)))
	}
	return false
}
