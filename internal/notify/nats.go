package notify

import (
	"context"
	"fmt"
	"time"

	"labforge/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes notifications on "<prefix>.<type>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url and returns a sink publishing under prefix.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("labforge-lab-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "labforge.notifications"
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Notify(ctx context.Context, n Notification) error {
	if s.nc == nil || s.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	payload, err := encode(n)
	if err != nil {
		return fmt.Errorf("encode notification failed: %w", err)
	}
	return s.nc.Publish(s.prefix+"."+n.Type, payload)
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
