// Package notifier delivers operator-facing messages about settlement
// actions, separately from the component logs.
package notifier

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier receives operator notifications.
type Notifier interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// LogNotifier writes notifications to a dedicated logger, tagging each one
// with a unique id so operators can correlate follow-ups.
type LogNotifier struct {
	logger *zap.Logger
	newID  func() string
}

// NewLogNotifier returns a notifier writing under the "notifier" logger.
func NewLogNotifier(logger *zap.Logger, label string) *LogNotifier {
	l := logger.Named("notifier")
	if label != "" {
		l = l.With(zap.String("label", label))
	}
	return &LogNotifier{
		logger: l,
		newID:  uuid.NewString,
	}
}

func (n *LogNotifier) Info(msg string, fields ...zap.Field) {
	n.logger.Info(msg, n.withID(fields)...)
}

func (n *LogNotifier) Error(msg string, fields ...zap.Field) {
	n.logger.Error(msg, n.withID(fields)...)
}

func (n *LogNotifier) withID(fields []zap.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("notification_id", n.newID()))
	return append(out, fields...)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Info(string, ...zap.Field)  {}
func (Nop) Error(string, ...zap.Field) {}
