// Package notify delivers templated messages to marketplace users. The
// escrow service treats delivery as best effort; a failed notification is
// logged and counted, never rolled into a financial transition.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clearhold/clearhold/internal/metrics"
)

// Sender delivers one rendered notification to a user.
type Sender interface {
	Send(ctx context.Context, userID, template string, data map[string]string) error
}

// Service fans notifications out to a sender with metrics and logging.
type Service struct {
	sender Sender
	logger *slog.Logger
}

// New creates a notification service.
func New(sender Sender, logger *slog.Logger) *Service {
	return &Service{sender: sender, logger: logger}
}

// Notify implements the escrow notifier port.
func (s *Service) Notify(ctx context.Context, userID, template string, data map[string]string) error {
	err := s.sender.Send(ctx, userID, template, data)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}

// LogSender writes notifications to the structured log. The default sender
// in demo mode, and the delivery record of last resort everywhere else.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(_ context.Context, userID, template string, data map[string]string) error {
	args := []any{"user", userID, "template", template}
	for k, v := range data {
		args = append(args, k, v)
	}
	l.logger.Info("notification", args...)
	return nil
}

// MemorySender records notifications for tests.
type MemorySender struct {
	mu   sync.Mutex
	sent []Sent
}

// Sent is one recorded notification.
type Sent struct {
	UserID   string
	Template string
	Data     map[string]string
}

// NewMemorySender creates a recording sender.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (m *MemorySender) Send(_ context.Context, userID, template string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Sent{UserID: userID, Template: template, Data: data})
	return nil
}

// Sent returns a copy of everything recorded so far.
func (m *MemorySender) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}
