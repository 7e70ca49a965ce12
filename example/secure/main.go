package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/channelwire/sbm"
)

// A server that refuses anonymous traffic: clients must authenticate on the
// reserved handshake channel before any other channel is dispatched.
func main() {
	logger := logrus.New()
	log := sbm.NewLogrusLogger(logger)

	server, err := sbm.NewServer("127.0.0.1:12346",
		sbm.ServerLoggerOption(log),
		sbm.DisallowAnonymousOption(true),
		sbm.AuthHandlerOption(func(ctx context.Context, id, key, scope string) (*sbm.AuthContext, error) {
			if id == "operator" && key == "hunter2" {
				return sbm.NewAuthContext(id, []string{"admin"}, scope), nil
			}
			// Wrong credentials drop the connection.
			return sbm.DenyAuth(false), nil
		}),
		sbm.ServerErrorHandlerOption(func(m *sbm.Message, err error) *sbm.Message {
			return m.Reply(map[string]any{"Success": false, "Message": err.Error()})
		}),
		sbm.OnClientConnectedOption(func(c *sbm.ServerClient) {
			c.RegisterHandler("admin/status", func(ctx context.Context, m *sbm.Message) (*sbm.Message, error) {
				if err := c.Require("admin", ""); err != nil {
					return nil, err
				}
				return m.Reply(map[string]any{"Success": true, "Uptime": time.Now().String()}), nil
			})
		}),
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down server...")
		cancel()
	}()

	go runClient(ctx, log)

	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("server error")
	}
}

func runClient(ctx context.Context, log sbm.Logger) {
	client := sbm.NewClient(
		sbm.NewTCPTransport("127.0.0.1:12346",
			sbm.LoggerOption(log),
			sbm.RetryDelayOption(200*time.Millisecond),
		),
		sbm.DispatcherLoggerOption(log),
	)
	if err := client.Connect(ctx); err != nil {
		log.Error("connect", "error", err)
		return
	}
	defer client.Close()

	ok, err := client.Authenticate(ctx, "operator", "hunter2", "")
	if err != nil || !ok {
		log.Error("authenticate", "ok", ok, "error", err)
		return
	}

	reply, err := client.SendRequest(ctx, sbm.NewMessage("admin/status", nil))
	if err != nil {
		log.Error("status request", "error", err)
		return
	}
	log.Info("status", "data", reply.Data)
}
