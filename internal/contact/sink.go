package contact

import (
	"context"

	"github.com/keithlinneman/formgate/internal/log"
)

// Sink receives validated submissions. Deliver must be safe for concurrent use.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, s Submission) error
}

// LogSink writes each submission as a structured log line. It is the default
// when no durable sink is configured.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(l log.Logger) *LogSink {
	if l == nil {
		l = log.Nop()
	}
	return &LogSink{logger: l.With("component", "contact_sink")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, sub Submission) error {
	s.logger.Info(ctx, "form submission received",
		"submission_id", sub.ID,
		"form", sub.Form,
		"name", sub.Name,
		"email", sub.Email,
		"company", sub.Company,
		"service", sub.Service,
		"message_len", len(sub.Message),
		"client.address", sub.ClientIP,
	)
	return nil
}
