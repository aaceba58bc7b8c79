package mail

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender builds a LogSender; a nil logger discards everything.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("outbound mail",
		zap.String("to", message.To),
		zap.String("from", message.From),
		zap.String("subject", message.Subject),
		zap.String("body", message.TextBody))
	return nil
}
