// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/peoplemesh/migration-engine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetricsReportDeliversSignedPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(headerSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(Deps{URL: srv.URL, Secret: "s3cret", Logger: discardLogger()})
	w.MetricsReport(context.Background(), domain.WriteMetrics{TotalWrites: 10, SuccessfulMirrors: 9})

	if gotBody == nil {
		t.Fatal("expected a delivery")
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("expected signature %s, got %s", want, gotSig)
	}

	var payload alertPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Kind != "dual_write_metrics" {
		t.Fatalf("expected kind dual_write_metrics, got %s", payload.Kind)
	}
}

func TestDeliveryRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(Deps{URL: srv.URL, Logger: discardLogger()})
	w.LoginMismatch(context.Background(), domain.LoginCheck{Email: "kim@peoplemesh.dev", LegacyOK: true})

	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestNoURLSkipsDelivery(t *testing.T) {
	w := NewWebhook(Deps{Logger: discardLogger()})
	// Must return without panicking or blocking.
	w.MetricsReport(context.Background(), domain.WriteMetrics{})
}

func TestUnsignedWhenNoSecret(t *testing.T) {
	var gotSig *string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get(headerSignature)
		gotSig = &sig
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(Deps{URL: srv.URL, Logger: discardLogger()})
	w.MetricsReport(context.Background(), domain.WriteMetrics{})

	if gotSig == nil {
		t.Fatal("expected a delivery")
	}
	if *gotSig != "" {
		t.Fatalf("expected no signature header, got %s", *gotSig)
	}
}
