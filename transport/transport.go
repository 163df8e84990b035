package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one finished payload to the collection endpoint.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, payload []byte) error

// Send calls f(ctx, payload).
func (f SenderFunc) Send(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("endpoint returned HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("endpoint returned HTTP %d", e.Code)
}

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
}

// HTTPSender posts JSON payloads with net/http.
type HTTPSender struct {
	endpoint  string
	userAgent string
	headers   map[string]string
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPSender creates an HTTP sender for endpoint.
func NewHTTPSender(cfg HTTPConfig, logger *zap.Logger) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "error-report-relay/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSender{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		headers:   cfg.Headers,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}
}

// Send posts payload and maps non-2xx answers to *StatusError.
func (s *HTTPSender) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("Payload delivered",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("bytes", len(payload)))
		return nil
	}

	return &StatusError{
		Code:       resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// Close releases idle connections.
func (s *HTTPSender) Close() {
	s.client.CloseIdleConnections()
}

// parseRetryAfter accepts either delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
