package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level controls which records a ProductionLogger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ProductionLogger emits one JSON object per line to an io.Writer: cheap,
// dependency-free, and trivially greppable/filterable by "component" in a log
// aggregator. It is used only where a caller passes one in; components given
// no logger fall back to NoOpLogger.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
	now       func() time.Time
}

// NewProductionLogger creates a logger writing JSON lines to stdout at the
// given level, scoped to component (e.g. "orchestra/router", "orchestra/queue").
func NewProductionLogger(level Level, component string) *ProductionLogger {
	return &ProductionLogger{
		out:       os.Stdout,
		level:     level,
		component: component,
		now:       time.Now,
	}
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)

func (p *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{out: p.out, level: p.level, component: component, now: p.now}
}

type record struct {
	Time      string                 `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (p *ProductionLogger) write(ctx context.Context, lvl Level, msg string, fields map[string]interface{}) {
	if lvl < p.level {
		return
	}
	r := record{
		Time:      p.now().UTC().Format(time.RFC3339Nano),
		Level:     lvl.String(),
		Component: p.component,
		Message:   msg,
		Fields:    fields,
	}
	if ctx != nil {
		if id, ok := ctx.Value(traceIDKey{}).(string); ok {
			r.TraceID = id
		}
	}
	b, err := json.Marshal(r)
	if err != nil {
		// A field failed to marshal (e.g. a channel). Never let logging
		// itself panic a foreground request.
		b = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, lvl, msg, err.Error()))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Write(append(b, '\n'))
}

type traceIDKey struct{}

// WithTraceID attaches a trace id that ProductionLogger will surface on every
// *WithContext call made against the returned context.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.write(nil, LevelInfo, msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.write(nil, LevelWarn, msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.write(nil, LevelError, msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.write(nil, LevelDebug, msg, fields)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write(ctx, LevelInfo, msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write(ctx, LevelWarn, msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write(ctx, LevelError, msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write(ctx, LevelDebug, msg, fields)
}
