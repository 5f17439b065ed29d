// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/metrics"
	"github.com/peoplemesh/migration-engine/internal/transport/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type progressRequest struct {
	Force bool `json:"force"`
}

type increasePercentageRequest struct {
	Increment int `json:"increment"`
}

type replayRequest struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Types []string  `json:"types"`
}

type Deps struct {
	Orchestrator  Orchestrator
	Phases        PhaseController
	Proxy         ConnectionTester
	Events        EventLog
	Health        HealthChecker
	Logger        *slog.Logger
	OperatorToken string
	Version       string
	Commit        string
	BuildDate     string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- ROLLOUT CONTROL (OPERATOR) ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.OperatorTokenAuth(deps.OperatorToken, logger))

		// ---------------- STATUS ----------------

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Orchestrator.Status())
		})

		// ---------------- UPDATE CONFIG ----------------

		r.Post("/config", func(w http.ResponseWriter, r *http.Request) {
			var patch domain.ConfigPatch
			if err := decodeBody(r, &patch); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			cfg, err := deps.Orchestrator.UpdateConfig(r.Context(), patch)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidWritePercentage) || errors.Is(err, domain.ErrInvalidSyncMode) {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				logger.Error("update config failed", "error", err)
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}

			logger.Info("dual write config updated via API")
			writeJSON(w, http.StatusOK, cfg)
		})

		// ---------------- TOGGLE ----------------

		r.Post("/toggle", func(w http.ResponseWriter, r *http.Request) {
			cfg := deps.Orchestrator.ToggleDualWrite(r.Context())
			writeJSON(w, http.StatusOK, cfg)
		})

		// ---------------- INCREASE PERCENTAGE ----------------

		r.Post("/increase-percentage", func(w http.ResponseWriter, r *http.Request) {
			var req increasePercentageRequest
			if err := decodeBody(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			cfg := deps.Orchestrator.IncreasePercentage(r.Context(), req.Increment)
			writeJSON(w, http.StatusOK, cfg)
		})

		// ---------------- TEST CONNECTION ----------------

		r.Get("/test-connection", func(w http.ResponseWriter, r *http.Request) {
			healthy := deps.Proxy.CheckHealth(r.Context())
			status := deps.Proxy.Status()
			writeJSON(w, http.StatusOK, map[string]any{
				"healthy": healthy,
				"proxy":   status,
			})
		})

		// ---------------- PHASES ----------------

		r.Get("/phases", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"phases":  deps.Phases.All(),
				"current": deps.Phases.Status(),
			})
		})

		r.Get("/phases/check-progression", func(w http.ResponseWriter, r *http.Request) {
			dec := deps.Phases.Check(deps.Orchestrator.Metrics())
			writeJSON(w, http.StatusOK, dec)
		})

		r.Post("/phases/progress", func(w http.ResponseWriter, r *http.Request) {
			var req progressRequest
			if err := decodeBody(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			res, err := deps.Phases.Progress(r.Context(), req.Force, deps.Orchestrator.Metrics())
			if err != nil {
				if errors.Is(err, domain.ErrAtTerminalPhase) {
					writeJSON(w, http.StatusConflict, res)
					return
				}
				logger.Error("phase progress failed", "error", err)
				http.Error(w, "failed to progress phase", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, res)
		})

		r.Post("/phases/rollback", func(w http.ResponseWriter, r *http.Request) {
			res, err := deps.Phases.Rollback(r.Context())
			if err != nil {
				if errors.Is(err, domain.ErrAtInitialPhase) {
					writeJSON(w, http.StatusConflict, res)
					return
				}
				logger.Error("phase rollback failed", "error", err)
				http.Error(w, "failed to roll back phase", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, res)
		})

		// ---------------- EVENTS ----------------

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			filter, err := eventFilterFromQuery(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			events := deps.Events.Events(filter)
			writeJSON(w, http.StatusOK, map[string]any{
				"events": events,
				"count":  len(events),
			})
		})

		r.Post("/events/replay", func(w http.ResponseWriter, r *http.Request) {
			var req replayRequest
			if err := decodeBody(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			n := deps.Events.Replay(r.Context(), req.From, req.To, req.Types...)
			logger.Info("events replayed via API", "count", n)
			writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
		})

		r.Get("/events/dead-letters", func(w http.ResponseWriter, r *http.Request) {
			letters := deps.Events.DeadLetters()
			writeJSON(w, http.StatusOK, map[string]any{
				"dead_letters": letters,
				"count":        len(letters),
			})
		})

		r.Post("/events/dead-letters/process", func(w http.ResponseWriter, r *http.Request) {
			n := deps.Events.ProcessDeadLetters(r.Context())
			logger.Info("dead letters processed via API", "count", n)
			writeJSON(w, http.StatusOK, map[string]int{"processed": n})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody fills v from the request body. An empty body leaves v zeroed;
// unknown fields and trailing documents are rejected.
func decodeBody(r *http.Request, v any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}

	return nil
}

func eventFilterFromQuery(r *http.Request) (domain.EventFilter, error) {
	filter := domain.EventFilter{
		Type:   strings.TrimSpace(r.URL.Query().Get("type")),
		Source: strings.TrimSpace(r.URL.Query().Get("source")),
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.EventFilter{}, errors.New("invalid from timestamp")
		}
		filter.From = t
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.EventFilter{}, errors.New("invalid to timestamp")
		}
		filter.To = t
	}

	return filter, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
