package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogEmitter writes each event as one structured log record.
//
// Example text output:
//
//	time=... level=INFO msg="step completed" session=3f2a... seq=4 step=planner directive=route
//
// Usage:
//
//	emitter := emit.NewLogEmitter(os.Stderr, false)
//	emitter := emit.NewLogEmitterFromLogger(logger)
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter writing to writer, as JSON lines when
// jsonMode is set and as logfmt text otherwise.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	var h slog.Handler
	if jsonMode {
		h = slog.NewJSONHandler(writer, nil)
	} else {
		h = slog.NewTextHandler(writer, nil)
	}
	return &LogEmitter{logger: slog.New(h)}
}

// NewLogEmitterFromLogger wraps an existing logger.
func NewLogEmitterFromLogger(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter. Events carrying an "error" meta key are logged
// at warn level.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, 3+len(event.Meta))
	attrs = append(attrs,
		slog.String("session", event.SessionID),
		slog.Int("seq", event.Seq),
	)
	if event.Step != "" {
		attrs = append(attrs, slog.String("step", event.Step))
	}
	level := slog.LevelInfo
	for k, v := range event.Meta {
		if k == "error" {
			level = slog.LevelWarn
			k = "err"
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
