package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes the protocol client's printf-style logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func newLogger(logger *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{logger: logger.With(slog.String("module", module))}
}

func (l *slogAdapter) Errorf(msg string, args ...interface{}) {
	l.log(slog.LevelError, msg, args...)
}

func (l *slogAdapter) Warnf(msg string, args ...interface{}) {
	l.log(slog.LevelWarn, msg, args...)
}

func (l *slogAdapter) Infof(msg string, args ...interface{}) {
	l.log(slog.LevelInfo, msg, args...)
}

// Debugf is noisy at the protocol level; it only shows with debug logging on.
func (l *slogAdapter) Debugf(msg string, args ...interface{}) {
	l.log(slog.LevelDebug, msg, args...)
}

func (l *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: l.logger.With(slog.String("submodule", module))}
}

func (l *slogAdapter) log(level slog.Level, msg string, args ...interface{}) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(msg, args...))
}
