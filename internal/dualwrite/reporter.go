// SPDX-License-Identifier: Apache-2.0

package dualwrite

import (
	"context"
	"time"

	"github.com/peoplemesh/migration-engine/internal/domain"
)

// StartReporting launches the periodic metrics reporter. It publishes a
// metrics event each interval, checks whether the current phase is eligible
// for progression, and forwards the report to the alert collaborator. It
// never transitions phases on its own.
func (a *Adapter) StartReporting() {
	go a.reportLoop()
}

// Close stops the reporter. Idempotent.
func (a *Adapter) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
}

func (a *Adapter) reportLoop() {
	ticker := time.NewTicker(a.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.report(context.Background())
		}
	}
}

func (a *Adapter) report(ctx context.Context) {
	wm := a.Metrics()
	if wm.TotalWrites == 0 {
		return
	}

	a.logger.Info("dual write metrics",
		"total_writes", wm.TotalWrites,
		"successful_mirrors", wm.SuccessfulMirrors,
		"failed_mirrors", wm.FailedMirrors,
		"mirror_success_rate", wm.MirrorSuccessRate(),
	)

	if a.bus != nil {
		a.bus.Publish(ctx, domain.Event{
			Type:   domain.EventMetricsReport,
			Source: serviceName,
			Data:   wm,
		})
	}

	if a.phases != nil {
		if dec := a.phases.Check(wm); dec.ShouldProgress {
			a.logger.Info("current phase eligible for progression", "reason", dec.Reason)
			if a.bus != nil {
				a.bus.Publish(ctx, domain.Event{
					Type:   domain.EventReadyForProgression,
					Source: serviceName,
					Data:   dec,
				})
			}
		}
	}

	a.alerts.MetricsReport(ctx, wm)
}
