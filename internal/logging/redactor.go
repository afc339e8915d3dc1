package logging

import (
	"context"
	"log/slog"
	"regexp"
)

// Redacted replaces a sensitive value.
const Redacted = "***"

// RedactionConfig lists what is considered a credential.
type RedactionConfig struct {
	// KeyPatterns match attribute keys whose whole value is redacted.
	KeyPatterns []*regexp.Regexp
	// AssignmentPattern matches name=value or --name=value assignments inside
	// string values; submatch 1 is kept and the rest replaced.
	AssignmentPattern *regexp.Regexp
}

// DefaultRedactionConfig redacts password, token, secret and key assignments.
func DefaultRedactionConfig() *RedactionConfig {
	return &RedactionConfig{
		KeyPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(password|passwd|token|secret|credential)`),
		},
		AssignmentPattern: regexp.MustCompile(`(?i)((?:^|[\s"])-{0,2}[\w.-]*(?:password|passwd|token|secret|api_?key)[\w.-]*[=:])[^\s"]+`),
	}
}

// RedactingHandler rewrites attributes before forwarding to the wrapped
// handler.
type RedactingHandler struct {
	handler slog.Handler
	config  *RedactionConfig
}

// NewRedactingHandler wraps handler. A nil config uses the defaults.
func NewRedactingHandler(handler slog.Handler, config *RedactionConfig) *RedactingHandler {
	if config == nil {
		config = DefaultRedactionConfig()
	}
	return &RedactingHandler{handler: handler, config: config}
}

// Enabled implements slog.Handler.
func (r *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return r.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (r *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		redacted.AddAttrs(r.redactAttr(attr))
		return true
	})
	return r.handler.Handle(ctx, redacted)
}

// WithAttrs implements slog.Handler.
func (r *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = r.redactAttr(attr)
	}
	return &RedactingHandler{handler: r.handler.WithAttrs(redacted), config: r.config}
}

// WithGroup implements slog.Handler.
func (r *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{handler: r.handler.WithGroup(name), config: r.config}
}

func (r *RedactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	for _, pattern := range r.config.KeyPatterns {
		if pattern.MatchString(attr.Key) {
			return slog.String(attr.Key, Redacted)
		}
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, r.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, a := range group {
			redacted[i] = r.redactAttr(a)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(redacted...)}
	case slog.KindAny:
		if list, ok := value.Any().([]string); ok {
			redacted := make([]string, len(list))
			for i, s := range list {
				redacted[i] = r.redactString(s)
			}
			return slog.Any(attr.Key, redacted)
		}
	}
	return attr
}

func (r *RedactingHandler) redactString(s string) string {
	if r.config.AssignmentPattern == nil {
		return s
	}
	return r.config.AssignmentPattern.ReplaceAllString(s, "${1}"+Redacted)
}
