package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"botdriver/pkg/config"
)

const (
	envLogFormat    = "BOTDRIVER_LOG_FORMAT"
	envLogLevel     = "BOTDRIVER_LOG_LEVEL"
	envLogAddSource = "BOTDRIVER_LOG_ADD_SOURCE"

	redacted = "[redacted]"
)

// secretKeys never reach the output with their real value. Reply bodies and
// config dumps carry page tokens under these names.
var secretKeys = map[string]struct{}{
	"access_token":        {},
	"facebook_token":      {},
	"facebook_app_secret": {},
	"app_secret":          {},
	"secret_token":        {},
	"token":               {},
}

// Entry is one line of JSON log output. The attributes every webhook log line
// carries are lifted out of Attrs so they can be filtered on directly.
type Entry struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Driver    string         `json:"driver,omitempty"`
	Source    string         `json:"source,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds the process logger. Text output goes through charmbracelet/log,
// JSON output through jsonHandler. Both redact secret attributes.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	opts, err := resolveOptions(cfg)
	if err != nil {
		return nil, err
	}

	if opts.format == "json" {
		return slog.New(&jsonHandler{
			level:     opts.level,
			addSource: opts.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}), nil
	}

	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(opts.level),
		ReportTimestamp: true,
		ReportCaller:    opts.addSource,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(redactHandler{next: pretty}), nil
}

// resolveOptions merges the config section with BOTDRIVER_LOG_* overrides.
func resolveOptions(cfg config.LoggingConfig) (options, error) {
	opts := options{format: "text", level: slog.LevelInfo, addSource: cfg.AddSource}

	format := override(cfg.Format, envLogFormat)
	switch format {
	case "", "text":
	case "json":
		opts.format = format
	default:
		return options{}, fmt.Errorf("unsupported log format %q", format)
	}

	switch level := override(cfg.Level, envLogLevel); level {
	case "", "info":
	case "debug":
		opts.level = slog.LevelDebug
	case "warn", "warning":
		opts.level = slog.LevelWarn
	case "error":
		opts.level = slog.LevelError
	default:
		return options{}, fmt.Errorf("unsupported log level %q", level)
	}

	if value := strings.TrimSpace(os.Getenv(envLogAddSource)); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			opts.addSource = true
		default:
			opts.addSource = false
		}
	}

	return opts, nil
}

func override(value string, env string) string {
	if fromEnv := strings.TrimSpace(os.Getenv(env)); fromEnv != "" {
		value = fromEnv
	}
	return strings.ToLower(strings.TrimSpace(value))
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// redactHandler masks secret attributes before handing records to next.
type redactHandler struct {
	next slog.Handler
}

func (h redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redact(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, redact(attr))
	}
	return redactHandler{next: h.next.WithAttrs(clean)}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{next: h.next.WithGroup(name)}
}

func redact(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	if _, ok := secretKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redacted)
	}
	if attr.Value.Kind() != slog.KindGroup {
		return attr
	}

	group := attr.Value.Group()
	clean := make([]any, 0, len(group))
	for _, item := range group {
		clean = append(clean, redact(item))
	}
	return slog.Group(attr.Key, clean...)
}

// jsonHandler writes one Entry per record. Groups become nested objects
// under attrs.
type jsonHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []groupedAttr
	groups    []string
	mu        *sync.Mutex
}

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	when := record.Time
	if when.IsZero() {
		when = time.Now()
	}

	entry := Entry{
		Time:    when.UTC().Format(time.RFC3339Nano),
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
	}

	attrs := make(map[string]any)
	for _, stored := range h.attrs {
		entry.add(attrs, stored.groups, stored.attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.add(attrs, h.groups, attr)
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Source = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]groupedAttr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, attr := range attrs {
		next.attrs = append(next.attrs, groupedAttr{groups: h.groups, attr: attr})
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// add stores attr under groups in attrs. Ungrouped component, request_id and
// driver string attributes fill the matching Entry fields instead.
func (e *Entry) add(attrs map[string]any, groups []string, attr slog.Attr) {
	attr = redact(attr)
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Key == "" && attr.Value.Kind() == slog.KindGroup {
		for _, item := range attr.Value.Group() {
			e.add(attrs, groups, item)
		}
		return
	}

	if len(groups) == 0 && attr.Value.Kind() == slog.KindString {
		switch attr.Key {
		case "component":
			e.Component = attr.Value.String()
			return
		case "request_id":
			e.RequestID = attr.Value.String()
			return
		case "driver":
			e.Driver = attr.Value.String()
			return
		}
	}

	target := attrs
	for _, group := range groups {
		nested, ok := target[group].(map[string]any)
		if !ok {
			nested = make(map[string]any)
			target[group] = nested
		}
		target = nested
	}
	target[attr.Key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := make(map[string]any)
		for _, item := range value.Group() {
			group[item.Key] = jsonValue(item.Value.Resolve())
		}
		return group
	default:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	}
}
