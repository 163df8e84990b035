package event

import (
	"encoding/json"
	"time"
)

// Level is the severity attached to an event or breadcrumb.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelFatal:
		return true
	}
	return false
}

// Frame is a single stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
	Class    string `json:"class,omitempty"`
}

// Breadcrumb is a contextual trail entry recorded before an event.
type Breadcrumb struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Category  string         `json:"category"`
	Level     Level          `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event is a captured error or message ready for delivery.
// Values are treated as immutable once built; pipeline stages that change
// an event work on a Clone.
type Event struct {
	Message        string         `json:"message"`
	Classification string         `json:"exception_class,omitempty"`
	StackTrace     []Frame        `json:"stack_trace,omitempty"`
	File           string         `json:"file,omitempty"`
	Line           int            `json:"line,omitempty"`
	Level          Level          `json:"level,omitempty"`
	Environment    string         `json:"environment,omitempty"`
	Project        string         `json:"project"`
	HTTPStatus     int            `json:"http_status,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Breadcrumbs    []Breadcrumb   `json:"breadcrumbs,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`

	// Context blocks supplied by the capture layer.
	Request  map[string]any `json:"request,omitempty"`
	Server   map[string]any `json:"server,omitempty"`
	Session  map[string]any `json:"session,omitempty"`
	Platform map[string]any `json:"platform,omitempty"`
	User     map[string]any `json:"user,omitempty"`
}

// Size returns the length of the JSON encoding of e, or -1 if e cannot
// be encoded.
func (e *Event) Size() int {
	b, err := json.Marshal(e)
	if err != nil {
		return -1
	}
	return len(b)
}

// Clone returns a deep copy of e. Nested maps and slices inside context
// blocks are copied as well.
func (e Event) Clone() Event {
	out := e
	if e.StackTrace != nil {
		out.StackTrace = append([]Frame(nil), e.StackTrace...)
	}
	if e.Breadcrumbs != nil {
		out.Breadcrumbs = make([]Breadcrumb, len(e.Breadcrumbs))
		for i, b := range e.Breadcrumbs {
			b.Data = CloneMap(b.Data)
			out.Breadcrumbs[i] = b
		}
	}
	out.Context = CloneMap(e.Context)
	out.Request = CloneMap(e.Request)
	out.Server = CloneMap(e.Server)
	out.Session = CloneMap(e.Session)
	out.Platform = CloneMap(e.Platform)
	out.User = CloneMap(e.User)
	return out
}

// CloneMap deep-copies a free-form map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, x := range t {
			cp[i] = cloneValue(x)
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		cp := make(map[string]string, len(t))
		for k, s := range t {
			cp[k] = s
		}
		return cp
	default:
		return v
	}
}
