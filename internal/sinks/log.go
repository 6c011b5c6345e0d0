package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

// LogSink mirrors bot records into the console's own structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case KindLog:
			rec := evt.Log
			fields := []zap.Field{
				zap.String("level", string(rec.Level)),
				zap.String("source", rec.SourceLabel()),
				zap.String("timestamp", rec.Timestamp),
			}
			if rec.BotID != nil {
				fields = append(fields, zap.Int64("bot_id", *rec.BotID))
			}
			s.logger.Log(zapLevel(rec.Level), rec.Message, fields...)
		case KindProgress:
			rec := evt.Progress
			s.logger.Info("bot progress",
				zap.Int64("bot_id", rec.BotID),
				zap.String("bot_name", rec.BotName),
				zap.Int64("current", rec.Current),
				zap.Int64("total", rec.Total),
				zap.Float64("percentage", rec.Percentage),
				zap.String("message", rec.Message))
		}
	}
	return nil
}

// Close implements BatchSink; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	return nil
}

func zapLevel(level botlog.Level) zapcore.Level {
	switch level {
	case botlog.LevelError:
		return zapcore.ErrorLevel
	case botlog.LevelWarning:
		return zapcore.WarnLevel
	case botlog.LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
