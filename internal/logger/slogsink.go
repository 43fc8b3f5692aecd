package logger

import (
	"context"
	"log/slog"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// SlogSink writes usage events to the structured log. It is the fallback
// sink for deployments without an analytics database.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a sink over the given logger.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, events []store.UsageEvent) error {
	for _, e := range events {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID),
			slog.String("request_id", e.RequestID),
			slog.String("user_id", e.UserID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("completion_tokens", e.CompletionTokens),
			slog.String("cost", e.Cost.String()),
			slog.Int64("elapsed_ms", e.ElapsedMs),
			slog.Bool("streamed", e.Streamed),
			slog.Bool("success", e.Success),
			slog.String("error_kind", e.ErrorKind),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
