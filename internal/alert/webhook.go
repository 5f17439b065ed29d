// SPDX-License-Identifier: Apache-2.0

// Package alert forwards operational signals from the migration engine to an
// external alerting endpoint. Delivery is best-effort: the engine never
// blocks or fails a request path because an alert could not be sent.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/peoplemesh/migration-engine/internal/domain"
)

const (
	deliveryRetryAttempts = 3
	deliveryRetryBase     = 300 * time.Millisecond
	headerSignature       = "X-Signature"
)

// Notifier is the alert collaborator the adapter reports to.
type Notifier interface {
	MetricsReport(ctx context.Context, wm domain.WriteMetrics)
	LoginMismatch(ctx context.Context, check domain.LoginCheck)
}

// Noop discards every notification; used when no webhook is configured.
type Noop struct{}

func (Noop) MetricsReport(context.Context, domain.WriteMetrics) {}
func (Noop) LoginMismatch(context.Context, domain.LoginCheck)   {}

type alertPayload struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type Deps struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Webhook posts HMAC-signed JSON alerts with bounded retries.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(deps Deps) *Webhook {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		url:    strings.TrimSpace(deps.URL),
		secret: deps.Secret,
		client: client,
		logger: logger,
	}
}

func (w *Webhook) MetricsReport(ctx context.Context, wm domain.WriteMetrics) {
	w.deliver(ctx, "dual_write_metrics", wm)
}

func (w *Webhook) LoginMismatch(ctx context.Context, check domain.LoginCheck) {
	w.deliver(ctx, "login_mismatch", check)
}

func (w *Webhook) deliver(ctx context.Context, kind string, data any) {
	if w.url == "" {
		return
	}

	body, err := json.Marshal(alertPayload{
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		w.logger.Error("alert payload marshal failed", "kind", kind, "error", err)
		return
	}

	signature := signPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= deliveryRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Error("alert request build failed", "kind", kind, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(headerSignature, signature)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("alert delivery failed", "kind", kind, "attempt", attempt, "error", err)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("alert delivery failed",
				"kind", kind,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < deliveryRetryAttempts {
			wait := deliveryRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		w.logger.Error("alert retries exhausted", "kind", kind, "error", lastErr)
	}
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
