// Package sanitize validates events and strips sensitive content before
// they leave the process.
package sanitize

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
)

// Redacted replaces every sensitive match.
const Redacted = "[REDACTED]"

// maxMessageRunes is the length above which a message draws a warning.
const maxMessageRunes = 10000

type pattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Patterns run in order. Key/value assignments go first so the key stays
// readable in the output.
var builtInPatterns = []pattern{
	{"key_value", regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|auth[_-]?token|password|passwd|pwd|secret|token)(\s*[:=]\s*["']?)([^\s"'&,;]+)`), "${1}${2}" + Redacted},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), Redacted},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), Redacted},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ \-]?){12,15}\d\b`), Redacted},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Redacted},
	{"phone", regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?)?\(?\b\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), Redacted},
	{"ipv4", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), Redacted},
}

// defaultSensitiveKeys are lowercase fragments of map keys whose values
// are always redacted.
var defaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey", "api-key",
	"auth", "credential", "cookie", "session_id", "sessionid", "private_key",
}

// Result is the outcome of Validate.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Sanitizer validates and scrubs events.
type Sanitizer struct {
	maxPayloadSize int
	sensitiveKeys  []string
	requireHTTPS   bool
	productionEnvs []string
	allowedDomains []string
}

// New creates a Sanitizer from the security configuration.
func New(cfg config.SecurityConfig) *Sanitizer {
	keys := slices.Clone(defaultSensitiveKeys)
	for _, k := range cfg.SensitiveKeys {
		keys = append(keys, strings.ToLower(k))
	}
	prod := cfg.ProductionEnvironments
	if len(prod) == 0 {
		prod = []string{"production", "prod", "live"}
	}
	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		domains = append(domains, strings.ToLower(strings.TrimPrefix(d, ".")))
	}
	return &Sanitizer{
		maxPayloadSize: cfg.MaxPayloadSize,
		sensitiveKeys:  keys,
		requireHTTPS:   cfg.RequireHTTPS,
		productionEnvs: prod,
		allowedDomains: domains,
	}
}

// Validate checks the structure of e. Errors make the event invalid;
// warnings are informational.
func (s *Sanitizer) Validate(e *event.Event) Result {
	var r Result
	if e == nil {
		r.Errors = append(r.Errors, "event is nil")
		return r
	}
	if strings.TrimSpace(e.Message) == "" {
		r.Errors = append(r.Errors, "message is required")
	}
	if e.Project == "" {
		r.Errors = append(r.Errors, "project is required")
	}
	if e.Timestamp.IsZero() {
		r.Errors = append(r.Errors, "timestamp is required")
	}
	if e.Level != "" && !e.Level.Valid() {
		r.Errors = append(r.Errors, fmt.Sprintf("unknown level %q", e.Level))
	}
	if e.HTTPStatus != 0 && (e.HTTPStatus < 100 || e.HTTPStatus > 599) {
		r.Errors = append(r.Errors, fmt.Sprintf("http_status %d out of range", e.HTTPStatus))
	}
	if e.Line < 0 {
		r.Errors = append(r.Errors, "line must be >= 0")
	}
	for i, f := range e.StackTrace {
		if f.Line < 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("stack_trace[%d].line must be >= 0", i))
		}
	}

	size := e.Size()
	switch {
	case size < 0:
		r.Errors = append(r.Errors, "event is not serializable")
	case s.maxPayloadSize > 0 && size > s.maxPayloadSize:
		r.Errors = append(r.Errors, fmt.Sprintf("payload size %d exceeds limit %d", size, s.maxPayloadSize))
	}

	if e.Level == "" {
		r.Warnings = append(r.Warnings, "level not set")
	}
	if len(e.StackTrace) == 0 && e.Classification != "" {
		r.Warnings = append(r.Warnings, "exception without stack trace")
	}
	if utf8.RuneCountInString(e.Message) > maxMessageRunes {
		r.Warnings = append(r.Warnings, "message is unusually long")
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// Sanitize returns a scrubbed deep copy of e. Applying it twice yields
// the same event.
func (s *Sanitizer) Sanitize(e event.Event) event.Event {
	out := e.Clone()
	out.Message = s.ScrubString(out.Message)
	for i := range out.StackTrace {
		out.StackTrace[i].File = s.ScrubString(out.StackTrace[i].File)
		out.StackTrace[i].Function = s.ScrubString(out.StackTrace[i].Function)
	}
	out.Context = s.scrubMap(out.Context)
	out.Request = s.scrubMap(out.Request)
	out.Session = s.scrubMap(out.Session)
	out.Server = s.scrubMap(out.Server)
	out.User = s.scrubMap(out.User)
	for i := range out.Breadcrumbs {
		out.Breadcrumbs[i].Message = s.ScrubString(out.Breadcrumbs[i].Message)
		out.Breadcrumbs[i].Data = s.scrubMap(out.Breadcrumbs[i].Data)
	}
	return out
}

// ScrubString replaces every pattern match in v.
func (s *Sanitizer) ScrubString(v string) string {
	if v == "" {
		return v
	}
	for _, p := range builtInPatterns {
		v = p.regex.ReplaceAllString(v, p.replacement)
	}
	return v
}

// IsSensitiveKey reports whether values under key are redacted wholesale.
func (s *Sanitizer) IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if k == "key" || strings.HasSuffix(k, "_key") || strings.HasSuffix(k, "-key") {
		return true
	}
	for _, frag := range s.sensitiveKeys {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// scrubMap edits m in place. m is always a private clone.
func (s *Sanitizer) scrubMap(m map[string]any) map[string]any {
	for k, v := range m {
		if v != nil && s.IsSensitiveKey(k) {
			m[k] = Redacted
			continue
		}
		m[k] = s.scrubValue(v)
	}
	return m
}

func (s *Sanitizer) scrubValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.ScrubString(t)
	case map[string]any:
		return s.scrubMap(t)
	case map[string]string:
		for k, sv := range t {
			if s.IsSensitiveKey(k) {
				t[k] = Redacted
			} else {
				t[k] = s.ScrubString(sv)
			}
		}
		return t
	case []any:
		for i := range t {
			t[i] = s.scrubValue(t[i])
		}
		return t
	case []string:
		for i := range t {
			t[i] = s.ScrubString(t[i])
		}
		return t
	default:
		return v
	}
}

// IsProduction reports whether env is one of the production-like names.
func (s *Sanitizer) IsProduction(env string) bool {
	return slices.Contains(s.productionEnvs, strings.ToLower(env))
}

// ValidateEndpoint checks the destination URL for the given environment.
func (s *Sanitizer) ValidateEndpoint(raw, environment string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if s.requireHTTPS && s.IsProduction(environment) {
			return fmt.Errorf("endpoint must use https in environment %q", environment)
		}
	default:
		return fmt.Errorf("endpoint scheme %q not supported", u.Scheme)
	}
	if len(s.allowedDomains) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range s.allowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("endpoint host %q is not in the allowed domains", host)
}
