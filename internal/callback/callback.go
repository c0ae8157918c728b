// Package callback delivers execution results to caller-supplied webhook
// URLs. Delivery is best-effort: a handful of retries with growing delays,
// then the result is logged and dropped. Secrets never appear in logs.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// defaultBackoff is the delay before each retry attempt.
var defaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// sensitiveParams are query parameter names (lowercased) masked in
// logged URLs.
var sensitiveParams = map[string]bool{
	"secret":   true,
	"token":    true,
	"key":      true,
	"password": true,
	"api_key":  true,
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a structured logger for the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithSecret sets the shared secret appended to every callback URL as a
// secret query parameter. Empty disables it.
func WithSecret(secret string) Option {
	return func(d *Dispatcher) { d.secret = secret }
}

// WithHTTPClient replaces the HTTP client (tests shorten timeouts).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithBackoff replaces the retry delay schedule. len(delays)+0 bounds the
// attempt count: one initial try plus one retry per delay.
func WithBackoff(delays []time.Duration) Option {
	return func(d *Dispatcher) { d.backoff = delays }
}

// WithHostGate ties delivery to destinations whose hostname contains
// substring to a feature flag. When the flag is off, matching callbacks
// are logged and dropped. Used to keep disabled integrations (such as the
// voice agent) from receiving live callbacks.
func WithHostGate(substring string, enabled bool) Option {
	return func(d *Dispatcher) {
		if substring != "" {
			d.gates = append(d.gates, hostGate{substring: substring, enabled: enabled})
		}
	}
}

type hostGate struct {
	substring string
	enabled   bool
}

// WithDeliveryHook observes the outcome of every attempted delivery.
// Gated and invalid destinations are never attempted and not reported.
func WithDeliveryHook(hook func(delivered bool)) Option {
	return func(d *Dispatcher) { d.hook = hook }
}

// Dispatcher posts JSON result payloads to webhook URLs.
type Dispatcher struct {
	client  *http.Client
	secret  string
	backoff []time.Duration
	gates   []hostGate
	hook    func(delivered bool)
	logger  *slog.Logger
}

// New creates a Dispatcher with a 10 second client timeout and a
// 1s, 2s, 4s retry schedule.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:  &http.Client{Timeout: defaultTimeout},
		backoff: defaultBackoff,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch posts payload as JSON to callbackURL, retrying transient
// failures. Non-2xx responses count as failures. After the final attempt
// the error is logged and swallowed; callers treat delivery as fire and
// forget.
func (d *Dispatcher) Dispatch(ctx context.Context, callbackURL string, payload any) {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		d.logger.Error("callback: invalid url", "url", MaskURL(callbackURL), "error", err)
		return
	}
	for _, g := range d.gates {
		if strings.Contains(parsed.Hostname(), g.substring) && !g.enabled {
			d.logger.Info("callback: destination gated off, dropping",
				"url", MaskURL(callbackURL), "gate", g.substring)
			return
		}
	}

	target, err := d.withSecret(callbackURL)
	if err != nil {
		d.logger.Error("callback: invalid url", "url", MaskURL(callbackURL), "error", err)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("callback: encode payload", "error", err)
		return
	}

	attempts := len(d.backoff) + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = d.post(ctx, target, body)
		if lastErr == nil {
			d.logger.Info("callback: delivered", "url", MaskURL(callbackURL), "attempt", attempt)
			if d.hook != nil {
				d.hook(true)
			}
			return
		}
		d.logger.Warn("callback: delivery failed",
			"url", MaskURL(callbackURL), "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(d.backoff[attempt-1]):
		case <-ctx.Done():
			d.logger.Warn("callback: abandoned", "url", MaskURL(callbackURL), "error", ctx.Err())
			return
		}
	}
	d.logger.Error("callback: giving up", "url", MaskURL(callbackURL), "attempts", attempts, "error", lastErr)
	if d.hook != nil {
		d.hook(false)
	}
}

func (d *Dispatcher) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// withSecret appends the shared secret as a query parameter.
func (d *Dispatcher) withSecret(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if d.secret != "" {
		q := u.Query()
		q.Set("secret", d.secret)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// MaskURL replaces the values of sensitive query parameters with ***
// so the URL is safe to log. Unparseable input is returned unchanged.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for name := range q {
		if sensitiveParams[strings.ToLower(name)] {
			q.Set(name, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
