package logging

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LevelFatal is the slog level used for Fatal entries. It sorts above
// slog.LevelError so handlers filtering at error level still emit it.
const LevelFatal = slog.Level(12)

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
// Regular levels go through Watermill's slog adapter; Fatal entries are
// written directly at LevelFatal.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("dequeueflow: slog logger cannot be nil")
	}
	return &slogServiceLogger{
		watermillServiceLogger: watermillServiceLogger{
			inner: watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping),
		},
		log: log,
	}
}

type slogServiceLogger struct {
	watermillServiceLogger
	log *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{
		watermillServiceLogger: watermillServiceLogger{inner: s.inner.With(toWatermillFields(fields))},
		log:                    s.log.With(slogArgs(fields)...),
	}
}

func (s *slogServiceLogger) Fatal(msg string, err error, fields LogFields) {
	args := slogArgs(fields)
	if err != nil {
		args = append(args, slog.Any("err", err))
	}
	s.log.Log(context.Background(), LevelFatal, msg, args...)
}

func slogArgs(fields LogFields) []any {
	args := make([]any, 0, len(fields))
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	return args
}
