// Package natsconn opens NATS connections with the reconnect policy and
// logging handlers shared by the NATS collectors and the audit sink.
package natsconn

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yairfalse/whitecat/pkg/config"
)

// Connect dials cfg.URL. With RetryOnFailedConnect the first dial may fail
// silently; the connection keeps trying in the background and buffers
// subscriptions and publishes until it succeeds.
func Connect(logger *zap.Logger, cfg config.NATSConfig, role string) (*nats.Conn, error) {
	name := cfg.Name
	if role != "" {
		name = name + "-" + role
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", zap.String("connection", name), zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("connection", name), zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("NATS connection closed", zap.String("connection", name))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.String("connection", name), zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS error", fields...)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
