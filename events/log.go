package events

import (
	"log/slog"
	"sort"
)

// LogEmitter writes every emitted event to a structured logger, one line per
// event with the attribute map flattened into sorted fields.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter wraps a logger in the Emitter interface. A nil logger falls
// back to the process default.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	if l == nil || l.logger == nil || event == nil {
		return
	}
	attributes := event.Attributes()
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*(len(keys)+1))
	args = append(args, "eventType", event.EventType())
	for _, key := range keys {
		args = append(args, key, attributes[key])
	}
	l.logger.Info("event emitted", args...)
}
