package output

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ratchet/pkg/models"
	"ratchet/pkg/resilience"
	"ratchet/pkg/taskerr"
	"ratchet/pkg/validation"
)

// WebhookDestination posts formatted output to a templated URL with a
// retry schedule and a circuit breaker per destination.
type WebhookDestination struct {
	cfg     models.OutputDestination
	client  *http.Client
	breaker *resilience.CircuitBreaker

	// AllowLoopbackTargets disables the outbound URL policy for local
	// development targets. Never set in production wiring.
	AllowLoopbackTargets bool
}

// NewWebhookDestination creates the destination from its config.
func NewWebhookDestination(cfg models.OutputDestination) *WebhookDestination {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookDestination{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.New(cfg.URL, resilience.DefaultConfig()),
	}
}

func (d *WebhookDestination) Type() string { return "webhook" }

// Validate checks the configuration without sending anything.
func (d *WebhookDestination) Validate() error {
	if d.cfg.URL == "" {
		return taskerr.New(taskerr.KindConfig, "webhook destination requires a url")
	}
	if !d.AllowLoopbackTargets {
		stripped := strings.NewReplacer("{{", "", "}}", "").Replace(d.cfg.URL)
		if _, err := validation.ValidateURL(stripped); err != nil {
			return err
		}
	}
	switch strings.ToUpper(d.cfg.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return taskerr.New(taskerr.KindConfig, "unsupported webhook method %q", d.cfg.Method)
	}
	if d.cfg.Auth != nil {
		switch d.cfg.Auth.Kind {
		case models.AuthNone, models.AuthBearer, models.AuthBasic, models.AuthAPIKey, models.AuthHmac, "":
		default:
			return taskerr.New(taskerr.KindConfig, "unsupported webhook auth kind %q", d.cfg.Auth.Kind)
		}
	}
	return nil
}

// Deliver renders the URL and posts the payload, retrying transient
// failures (network, 5xx, 429) per the configured policy.
func (d *WebhookDestination) Deliver(ctx context.Context, out *TaskOutput, dctx *DeliveryContext) *DeliveryResult {
	started := time.Now()
	result := &DeliveryResult{Destination: d.Type()}

	url, err := dctx.Render(d.cfg.URL)
	if err != nil {
		result.Error = err
		return result
	}
	result.Target = url
	if !d.AllowLoopbackTargets {
		if _, err := validation.ValidateURL(url); err != nil {
			result.Error = err
			return result
		}
	}

	payload, err := FormatOutput(formatOrDefault(d.cfg.Format), out.Output)
	if err != nil {
		result.Error = err
		return result
	}

	policy := models.DefaultRetryPolicy()
	if d.cfg.RetryPolicy != nil {
		policy = *d.cfg.RetryPolicy
	}

	expo := backoff.NewExponentialBackOff()
	if policy.InitialDelayMs > 0 {
		expo.InitialInterval = time.Duration(policy.InitialDelayMs) * time.Millisecond
	}
	if policy.MaxDelayMs > 0 {
		expo.MaxInterval = time.Duration(policy.MaxDelayMs) * time.Millisecond
	}
	if policy.BackoffMultiplier > 1 {
		expo.Multiplier = policy.BackoffMultiplier
	}
	if !policy.Jitter {
		expo.RandomizationFactor = 0
	}
	maxTries := policy.MaxAttempts
	if maxTries <= 0 {
		maxTries = 1
	}

	info, err := backoff.Retry(
		ctx,
		func() (string, error) {
			var responseInfo string
			breakerErr := d.breaker.Execute(ctx, func() error {
				var attemptErr error
				responseInfo, attemptErr = d.attempt(url, payload)
				return attemptErr
			})
			if breakerErr == resilience.ErrCircuitOpen {
				return "", backoff.Permanent(taskerr.Wrap(taskerr.KindIoNetwork, breakerErr, "webhook circuit open for %s", url))
			}
			return responseInfo, breakerErr
		},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(maxTries)),
	)

	result.Duration = time.Since(started)
	result.SizeBytes = int64(len(payload))
	if err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	result.ResponseInfo = info
	return result
}

// attempt performs one HTTP exchange. Retryable failures return plain
// errors; permanent ones are wrapped so the backoff stops.
func (d *WebhookDestination) attempt(url string, payload []byte) (string, error) {
	method := strings.ToUpper(d.cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return "", backoff.Permanent(taskerr.Wrap(taskerr.KindConfig, err, "invalid webhook request"))
	}

	contentType := d.cfg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range d.cfg.Headers {
		req.Header.Set(key, value)
	}
	d.applyAuth(req, payload)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindIoNetwork, err, "webhook request failed")
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	info := fmt.Sprintf("HTTP %d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return info, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", taskerr.New(taskerr.KindIoNetwork, "webhook returned %s: %s", info, strings.TrimSpace(string(snippet)))
	default:
		return "", backoff.Permanent(taskerr.New(taskerr.KindIoNetwork,
			"webhook returned %s: %s", info, strings.TrimSpace(string(snippet))))
	}
}

// applyAuth merges the configured authentication into the request.
func (d *WebhookDestination) applyAuth(req *http.Request, payload []byte) {
	auth := d.cfg.Auth
	if auth == nil {
		return
	}
	switch auth.Kind {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case models.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case models.AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Key)
	case models.AuthHmac:
		mac := hmac.New(sha256.New, []byte(auth.Key))
		mac.Write(payload)
		req.Header.Set("X-Ratchet-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
}

func formatOrDefault(format string) string {
	if format == "" {
		return FormatJSONCompact
	}
	return format
}
