package notify

import (
	"context"
	"encoding/json"
	"time"

	"labforge/internal/common/metrics"
	"labforge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Notification types.
const (
	TypeInstanceStarted = "instance.started"
	TypeInstanceStopped = "instance.stopped"
	TypeInstanceExpired = "instance.expired"
	TypeFlagSolved      = "flag.solved"
)

// Notification is a user-facing event handed to the delivery pipeline.
type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Sink accepts notifications. Delivery is the sink's concern; callers treat
// failures as non-fatal.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Send delivers n and logs instead of failing when the sink errors.
func Send(ctx context.Context, sink Sink, n Notification) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, n); err != nil {
		metrics.RecordNotifyFailure(n.Type)
		logger.Warn(ctx, "notification failed",
			zap.String("type", n.Type),
			zap.String("notify_user_id", n.UserID),
			zap.Error(err),
		)
	}
}

func encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// LogSink writes notifications to the service log.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, n Notification) error {
	logger.Info(ctx, "notification",
		zap.String("type", n.Type),
		zap.String("notify_user_id", n.UserID),
		zap.String("title", n.Title),
		zap.Any("data", n.Data),
	)
	return nil
}

// Multi fans a notification out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
