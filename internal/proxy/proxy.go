// SPDX-License-Identifier: Apache-2.0

// Package proxy is the sole gateway to the new user service. Every data
// operation is gated on enabled && healthy and returns a "not available"
// sentinel (nil or false) instead of an error when the gate is closed or the
// call fails; the migration layer must never surface new-service errors to
// callers.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/metrics"
)

const defaultHealthInterval = 30 * time.Second

type Deps struct {
	BaseURL string
	Enabled bool
	// Timeout bounds every outbound call, health probes included.
	Timeout        time.Duration
	HealthInterval time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type Proxy struct {
	baseURL  string
	enabled  bool
	timeout  time.Duration
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	healthy     atomic.Bool
	lastChecked atomic.Int64 // unix nanos of the last probe

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the proxy and, when enabled, probes the downstream immediately
// and starts the periodic health poller.
func New(deps Deps) *Proxy {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	interval := deps.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	p := &Proxy{
		baseURL:  strings.TrimRight(deps.BaseURL, "/"),
		enabled:  deps.Enabled,
		timeout:  timeout,
		interval: interval,
		client:   client,
		logger:   logger,
		stop:     make(chan struct{}),
	}

	if p.enabled {
		p.CheckHealth(context.Background())
		go p.pollHealth()
	} else {
		metrics.SetDownstreamHealthy(false)
	}

	return p
}

// Close stops the health poller. Safe to call more than once.
func (p *Proxy) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *Proxy) pollHealth() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.CheckHealth(context.Background())
		}
	}
}

// CheckHealth probes the downstream /health endpoint and records the result.
// Probe failures mark the service unhealthy and are never escalated beyond a
// log line.
func (p *Proxy) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		p.logger.Warn("health probe request build failed", "endpoint", p.baseURL, "error", err)
	} else {
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Warn("health probe failed", "endpoint", p.baseURL, "error", err)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			healthy = resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
			if !healthy {
				p.logger.Warn("health probe returned non-2xx",
					"endpoint", p.baseURL,
					"status", resp.StatusCode,
				)
			}
		}
	}

	was := p.healthy.Swap(healthy)
	p.lastChecked.Store(time.Now().UnixNano())
	metrics.SetDownstreamHealthy(healthy)

	if was != healthy {
		if healthy {
			p.logger.Info("new service is healthy", "endpoint", p.baseURL)
		} else {
			p.logger.Warn("new service is unhealthy", "endpoint", p.baseURL)
		}
	}
	return healthy
}

// Status reports the proxy's view of the downstream. Read-only to callers.
func (p *Proxy) Status() domain.ProxyStatus {
	var last time.Time
	if nanos := p.lastChecked.Load(); nanos != 0 {
		last = time.Unix(0, nanos).UTC()
	}
	return domain.ProxyStatus{
		Enabled:       p.enabled,
		Healthy:       p.healthy.Load(),
		Endpoint:      p.baseURL,
		LastCheckedAt: last,
	}
}

// available is the circuit gate: open when disabled or unhealthy. Recovery
// happens only through the next scheduled probe.
func (p *Proxy) available() bool {
	return p.enabled && p.healthy.Load()
}

// Login authenticates against the new service. Returns nil when the service
// is unavailable or the call fails.
func (p *Proxy) Login(ctx context.Context, creds domain.Credentials) *domain.LoginResult {
	if !p.available() {
		return nil
	}
	var out domain.LoginResult
	if !p.do(ctx, http.MethodPost, "/api/auth/login", creds, &out) {
		return nil
	}
	return &out
}

// CreateUser mirrors a user creation. The payload carries the legacy
// record's id so both stores share one key.
func (p *Proxy) CreateUser(ctx context.Context, user domain.NewUser) *domain.UserRecord {
	if !p.available() {
		return nil
	}
	var out domain.UserRecord
	if !p.do(ctx, http.MethodPost, "/api/users", user, &out) {
		return nil
	}
	return &out
}

func (p *Proxy) UpdateUser(ctx context.Context, id uuid.UUID, patch domain.UserPatch) *domain.UserRecord {
	if !p.available() {
		return nil
	}
	var out domain.UserRecord
	if !p.do(ctx, http.MethodPut, "/api/users/"+id.String(), patch, &out) {
		return nil
	}
	return &out
}

func (p *Proxy) DeleteUser(ctx context.Context, id uuid.UUID) bool {
	if !p.available() {
		return false
	}
	return p.do(ctx, http.MethodDelete, "/api/users/"+id.String(), nil, nil)
}

func (p *Proxy) ChangePassword(ctx context.Context, id uuid.UUID, newPassword string) bool {
	if !p.available() {
		return false
	}
	payload := map[string]string{"password": newPassword}
	return p.do(ctx, http.MethodPut, "/api/users/"+id.String()+"/password", payload, nil)
}

// Users lists users from the new service. Returns nil when unavailable.
func (p *Proxy) Users(ctx context.Context, filter domain.UserFilter) []domain.UserRecord {
	if !p.available() {
		return nil
	}

	q := url.Values{}
	if filter.Role != "" {
		q.Set("role", filter.Role)
	}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/users"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out []domain.UserRecord
	if !p.do(ctx, http.MethodGet, path, nil, &out) {
		return nil
	}
	if out == nil {
		out = []domain.UserRecord{}
	}
	return out
}

// do performs one bounded call. False means "not available": transport
// errors, timeouts and non-2xx responses are logged and swallowed here so
// callers treat them identically to a disabled proxy.
func (p *Proxy) do(ctx context.Context, method, path string, payload, out any) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			p.logger.Error("proxy payload marshal failed", "method", method, "path", path, "error", err)
			return false
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		p.logger.Error("proxy request build failed", "method", method, "path", path, "error", err)
		return false
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("proxy call failed", "method", method, "path", path, "error", err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		p.logger.Warn("proxy call returned non-2xx",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		return false
	}

	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		p.logger.Warn("proxy response decode failed", "method", method, "path", path, "error", err)
		return false
	}
	return true
}
