// Package logging provides the zerolog-backed structured logger used
// throughout the scheduler, transport, and executor packages.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Options configures the zerolog adapter.
type Options struct {
	Writer    io.Writer
	Level     string // debug, info, warn, error
	Pretty    bool
	Component string
}

// Logger implements the Debug/Info/Warn/Error(msg, keysAndValues...)
// interface shared by scheduler.Logger, transport.Logger and
// executor.Logger.
type Logger struct {
	zl     zerolog.Logger
	fields []any
}

// New builds a Logger from Options. An empty Level defaults to "info".
func New(opts Options) (*Logger, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	if opts.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	var fields []any
	if opts.Component != "" {
		fields = []any{"component", opts.Component}
	}
	return &Logger{zl: zl, fields: fields}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l *Logger) Debug(msg string, kv ...any) { l.emit(zerolog.DebugLevel, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.emit(zerolog.InfoLevel, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.emit(zerolog.WarnLevel, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.emit(zerolog.ErrorLevel, msg, kv...) }

// With derives a child logger carrying additional persistent fields,
// deduplicated against the parent's (later keys win), sorted for
// deterministic output.
func (l *Logger) With(kv ...any) *Logger {
	merged := mergeFields(l.fields, kv)
	return &Logger{zl: l.zl, fields: merged}
}

func (l *Logger) emit(level zerolog.Level, msg string, kv ...any) {
	evt := l.zl.WithLevel(level)
	payload := mergeFields(l.fields, kv)
	for i := 0; i+1 < len(payload); i += 2 {
		key, ok := payload[i].(string)
		if !ok {
			continue
		}
		evt = evt.Interface(key, payload[i+1])
	}
	evt.Msg(msg)
}

func mergeFields(base, additions []any) []any {
	store := make(map[string]any, len(base)+len(additions))
	order := make([]string, 0, len(base)+len(additions))

	add := func(key string, val any) {
		if key == "" {
			return
		}
		if _, exists := store[key]; !exists {
			order = append(order, key)
		}
		store[key] = val
	}
	process := func(values []any) {
		for i := 0; i+1 < len(values); i += 2 {
			key, ok := values[i].(string)
			if !ok {
				continue
			}
			add(key, values[i+1])
		}
	}
	process(base)
	process(additions)

	sort.Strings(order)
	out := make([]any, 0, len(order)*2)
	for _, k := range order {
		out = append(out, k, store[k])
	}
	return out
}
