package logging

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultSampleRate     = 0.1
	defaultExcludePaths   = "/health,/metrics,/ping"
	defaultErrorOnlyPaths = "/healthz"
	defaultRedactPatterns = "password,token,secret,key,authorization,credential,bearer,private"

	redactedValue = "***"
)

// EventLoggingConfig is read from AGENTPLANE_LOG_*. Paths are relative to the
// API prefix.
type EventLoggingConfig struct {
	SuccessSampleRate float64 `env:"LOG_SUCCESS_SAMPLE_RATE" envDefault:"0.1"`
	ExcludePaths      string  `env:"LOG_EXCLUDE_PATHS" envDefault:"/health,/metrics,/ping"`
	ErrorOnlyPaths    string  `env:"LOG_ERROR_ONLY_PATHS" envDefault:"/healthz"`
	RedactPatterns    string  `env:"LOG_REDACT_PATTERNS" envDefault:"password,token,secret,key,authorization,credential,bearer,private"`
}

func DefaultEventLoggingConfig() *EventLoggingConfig {
	return &EventLoggingConfig{
		SuccessSampleRate: defaultSampleRate,
		ExcludePaths:      defaultExcludePaths,
		ErrorOnlyPaths:    defaultErrorOnlyPaths,
		RedactPatterns:    defaultRedactPatterns,
	}
}

// EventPolicy decides which events are written and what they may contain.
type EventPolicy struct {
	sampleRate float64
	exclude    map[string]bool
	errorOnly  map[string]bool
	redact     *regexp.Regexp
}

// NewEventPolicy compiles cfg. Redaction patterns match field keys, case
// insensitively and anywhere in the key.
func NewEventPolicy(cfg *EventLoggingConfig) *EventPolicy {
	p := &EventPolicy{
		sampleRate: cfg.SuccessSampleRate,
		exclude:    make(map[string]bool),
		errorOnly:  make(map[string]bool),
	}
	for _, path := range splitList(cfg.ExcludePaths) {
		p.exclude[path] = true
	}
	for _, path := range splitList(cfg.ErrorOnlyPaths) {
		p.errorOnly[path] = true
	}
	if patterns := splitList(cfg.RedactPatterns); len(patterns) > 0 {
		for i := range patterns {
			patterns[i] = regexp.QuoteMeta(patterns[i])
		}
		p.redact = regexp.MustCompile("(?i)" + strings.Join(patterns, "|"))
	}
	return p
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Excluded reports whether requests to path are never logged.
func (p *EventPolicy) Excluded(path string) bool { return p.exclude[path] }

// Quiet reports whether a request to path with the given status is dropped
// because the path only logs failures.
func (p *EventPolicy) Quiet(path string, status int) bool {
	return p.errorOnly[path] && status < 400
}

// Sampled keeps warnings and errors. Info and debug events of one request
// are kept or dropped together; events outside a request are kept.
func (p *EventPolicy) Sampled(ctx context.Context, level zapcore.Level) bool {
	if level >= zapcore.WarnLevel {
		return true
	}
	id := GetRequestID(ctx)
	if id == "" {
		return true
	}
	return sampleRatio(id) < p.sampleRate
}

// Redact masks fields whose key looks sensitive, such as API keys and tokens
// passed to providers.
func (p *EventPolicy) Redact(fields []zap.Field) []zap.Field {
	if p.redact == nil {
		return fields
	}
	var out []zap.Field
	for i, f := range fields {
		if !p.redact.MatchString(f.Key) {
			continue
		}
		if out == nil {
			out = append([]zap.Field(nil), fields...)
		}
		out[i] = zap.String(f.Key, redactedValue)
	}
	if out == nil {
		return fields
	}
	return out
}

// sampleRatio maps a request id onto [0, 1) so a request is sampled the same
// way on every event.
func sampleRatio(requestID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	return float64(h.Sum64()) / (math.MaxUint64 + 1.0)
}

var active atomic.Pointer[EventPolicy]

func init() {
	Configure(DefaultEventLoggingConfig())
}

// Configure installs the policy used by Log and returns it.
func Configure(cfg *EventLoggingConfig) *EventPolicy {
	p := NewEventPolicy(cfg)
	active.Store(p)
	return p
}

// ShouldLog reports whether an info event of the request in ctx is sampled.
func ShouldLog(ctx context.Context) bool {
	return active.Load().Sampled(ctx, zapcore.InfoLevel)
}

// RedactFields applies the configured redaction.
func RedactFields(fields ...zap.Field) []zap.Field {
	return active.Load().Redact(fields)
}

// Per-layer loggers.
var (
	APIEventLog   = NewLogger("api")
	ProxyLog      = NewLogger("proxy")
	DeploymentLog = NewLogger("deployment")
	JobLog        = NewLogger("jobs")
	ServiceLog    = NewLogger("service")
)

// Log writes a sampled, redacted event through base decorated with the ids
// bound to ctx.
func Log(ctx context.Context, base *zap.Logger, level zapcore.Level, message string, fields ...zap.Field) {
	p := active.Load()
	if !p.Sampled(ctx, level) {
		return
	}
	L(ctx, base).Log(level, message, p.Redact(fields)...)
}

// EventLevelFromStatusCode maps a response status onto the access event level.
func EventLevelFromStatusCode(statusCode int) zapcore.Level {
	switch {
	case statusCode >= 500:
		return zapcore.ErrorLevel
	case statusCode >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
