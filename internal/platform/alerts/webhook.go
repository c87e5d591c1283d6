package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Webhook delivery headers.
const (
	HeaderSignature = "X-Alert-Signature"
	HeaderDelivery  = "X-Alert-Delivery"
	HeaderTimestamp = "X-Alert-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. Its length is the retry count.
func WithRetryDelays(d ...time.Duration) WebhookOption {
	return func(s *WebhookSink) { s.retryDelays = d }
}

// WebhookSink POSTs alerts as signed JSON to an operator endpoint, retrying
// transport errors and 5xx responses.
type WebhookSink struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

func NewWebhookSink(rawURL, secret string, opts ...WebhookOption) (*WebhookSink, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	s := &WebhookSink{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// validateWebhookURL checks that the URL is non-empty and uses http or https.
func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (s *WebhookSink) Publish(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	delivery := uuid.NewString()
	sig := SignPayload(payload, s.secret)

	var lastErr error
	for attempt := 0; attempt <= len(s.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("alert webhook: %w", ctx.Err())
			case <-time.After(s.retryDelays[attempt-1]):
			}
		}
		retry, err := s.deliver(ctx, payload, sig, delivery)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("alert webhook: %w", lastErr)
}

func (s *WebhookSink) deliver(ctx context.Context, payload []byte, sig, delivery string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+sig)
	req.Header.Set(HeaderDelivery, delivery)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
}
