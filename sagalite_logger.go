package sagalite

import (
	"context"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the interface that wraps the basic logging methods.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type defaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger() Logger {
	return &defaultLogger{
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...)}
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger adapts a zerolog.Logger so hosts that already ship logs
// through zerolog can reuse their sink.
func NewZerologLogger(logger zerolog.Logger) Logger {
	return &zerologLogger{logger: logger}
}

func (l *zerologLogger) emit(event *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, keysAndValues[i+1])
	}
	event.Msg(msg)
}

func (l *zerologLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Debug(), msg, keysAndValues)
}

func (l *zerologLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Info(), msg, keysAndValues)
}

func (l *zerologLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Warn(), msg, keysAndValues)
}

func (l *zerologLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Error(), msg, keysAndValues)
}

func (l *zerologLogger) WithFields(fields map[string]interface{}) Logger {
	logCtx := l.logger.With()
	for k, v := range fields {
		logCtx = logCtx.Interface(k, v)
	}
	return &zerologLogger{logger: logCtx.Logger()}
}
