package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// sensitiveHeaders are transport header names whose values are redacted.
var sensitiveHeaders = []string{"authorization", "api-key", "apikey", "token", "secret"}

// RedactConfig returns a copy of cfg safe to log. Fields tagged
// `redact:"true"` and credential-looking headers are replaced by
// RedactedValue. The original cfg is not mutated.
func RedactConfig(cfg *Config) *Config {
	cp := cfg.Clone()
	walkStrings(reflect.ValueOf(cp), "", func(get func() string, set func(string), path string, tag reflect.StructTag) {
		if get() == "" {
			return
		}
		if tag.Get("redact") == "true" {
			set(RedactedValue)
		}
	})
	for name := range cp.Transport.Headers {
		lower := strings.ToLower(name)
		for _, s := range sensitiveHeaders {
			if strings.Contains(lower, s) {
				cp.Transport.Headers[name] = RedactedValue
				break
			}
		}
	}
	return cp
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Security.ProductionEnvironments = slices.Clone(c.Security.ProductionEnvironments)
	cp.Security.AllowedDomains = slices.Clone(c.Security.AllowedDomains)
	cp.Security.SensitiveKeys = slices.Clone(c.Security.SensitiveKeys)
	cp.RateLimit.InternalFrames = slices.Clone(c.RateLimit.InternalFrames)
	cp.Transport.Headers = maps.Clone(c.Transport.Headers)
	return &cp
}
