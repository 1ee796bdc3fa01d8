package emit

import (
	"context"
	"log/slog"
)

// LogEmitter narrates events through log/slog — a structured-logging sink
// built the same thin way as the other Emitters: one Emit method
// translating an Event into a log call.
type LogEmitter struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogEmitter returns a LogEmitter writing to logger at the given level.
// A nil logger falls back to slog.Default().
func NewLogEmitter(logger *slog.Logger, level slog.Level) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{Logger: logger, Level: level}
}

// Emit logs event at the configured level, including run/blueprint/node
// IDs and the error (if any) as structured attributes.
func (l *LogEmitter) Emit(event Event) {
	attrs := []any{
		slog.String("run_id", event.RunID),
		slog.String("blueprint_id", event.BlueprintID),
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}
	for k, v := range event.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.Logger.LogAttrs(context.Background(), l.Level, event.Name, attrsToAttr(attrs)...)
}

func attrsToAttr(in []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(in))
	for _, a := range in {
		if attr, ok := a.(slog.Attr); ok {
			out = append(out, attr)
		}
	}
	return out
}
