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

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	log := sbm.NewLogrusLogger(logger)

	server, err := sbm.NewServer("127.0.0.1:12345",
		sbm.ServerLoggerOption(log),
		sbm.OnClientConnectedOption(func(c *sbm.ServerClient) {
			c.RegisterHandler("echo", func(ctx context.Context, m *sbm.Message) (*sbm.Message, error) {
				return m.Reply(m.Data), nil
			})
		}),
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to create server")
	}

	// Handle graceful shutdown
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
		sbm.NewTCPTransport("127.0.0.1:12345",
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

	reply, err := client.SendRequest(ctx, sbm.NewMessage("echo", "hi"))
	if err != nil {
		log.Error("echo request", "error", err)
		return
	}
	log.Info("echo reply", "data", reply.Data)
}
