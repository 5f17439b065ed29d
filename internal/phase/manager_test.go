// SPDX-License-Identifier: Apache-2.0

package phase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/peoplemesh/migration-engine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	index   int
	found   bool
	saved   []int
	loadErr error
	saveErr error
}

func (s *fakeStore) LoadPhaseIndex(ctx context.Context) (int, bool, error) {
	return s.index, s.found, s.loadErr
}

func (s *fakeStore) SavePhaseIndex(ctx context.Context, index int) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, index)
	return nil
}

type fakePublisher struct {
	events []domain.Event
}

func (p *fakePublisher) Publish(ctx context.Context, ev domain.Event) domain.Event {
	p.events = append(p.events, ev)
	return ev
}

func testPhases() []domain.Phase {
	return []domain.Phase{
		{
			Name:   "legacy-only",
			Config: domain.DualWriteConfig{SyncMode: domain.SyncModeSync},
		},
		{
			Name: "canary-10",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 10, SyncMode: domain.SyncModeSync,
			},
			Rule: &domain.ProgressionRule{MinWrites: 500, MinSuccessRate: 0.99},
		},
		{
			Name: "full",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 100, SyncMode: domain.SyncModeSync,
			},
		},
	}
}

func newTestManager(t *testing.T, store Store, pub Publisher) *Manager {
	t.Helper()
	m, err := New(context.Background(), Deps{
		Phases: testPhases(),
		Store:  store,
		Bus:    pub,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestInitialPhaseIsFirst(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if got := m.Current().Name; got != "legacy-only" {
		t.Fatalf("expected initial phase legacy-only, got %s", got)
	}
}

func TestResumesPersistedIndex(t *testing.T) {
	store := &fakeStore{index: 1, found: true}
	m := newTestManager(t, store, nil)

	if got := m.Current().Name; got != "canary-10" {
		t.Fatalf("expected resumed phase canary-10, got %s", got)
	}
}

func TestPersistedIndexOutOfRange(t *testing.T) {
	store := &fakeStore{index: 9, found: true}
	_, err := New(context.Background(), Deps{
		Phases: testPhases(),
		Store:  store,
		Logger: discardLogger(),
	})
	if err == nil {
		t.Fatal("expected error for out-of-range persisted index")
	}
}

func TestProgressWithoutRuleAlwaysEligible(t *testing.T) {
	pub := &fakePublisher{}
	store := &fakeStore{}
	m := newTestManager(t, store, pub)

	res, err := m.Progress(context.Background(), false, domain.WriteMetrics{})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !res.Success || res.NewPhase != "canary-10" {
		t.Fatalf("expected progression into canary-10, got %+v", res)
	}
	if len(store.saved) != 1 || store.saved[0] != 1 {
		t.Fatalf("expected index 1 persisted, got %v", store.saved)
	}
	if len(pub.events) != 1 || pub.events[0].Type != domain.EventPhaseProgressed {
		t.Fatalf("expected a phase_progressed event, got %+v", pub.events)
	}

	data, ok := pub.events[0].Data.(domain.PhaseTransition)
	if !ok {
		t.Fatalf("expected PhaseTransition payload, got %T", pub.events[0].Data)
	}
	if data.OldPhase != "legacy-only" || data.NewPhase != "canary-10" {
		t.Fatalf("unexpected transition payload %+v", data)
	}
	if data.Config.WritePercentage != 10 {
		t.Fatalf("expected new phase config in payload, got %+v", data.Config)
	}
}

func TestProgressDeniedByRule(t *testing.T) {
	m := newTestManager(t, nil, nil)
	// Move into canary-10, which has a metric gate.
	if _, err := m.Progress(context.Background(), false, domain.WriteMetrics{}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	res, err := m.Progress(context.Background(), false, domain.WriteMetrics{
		TotalWrites:       100,
		SuccessfulMirrors: 100,
	})
	if err != nil {
		t.Fatalf("denied progression is not an error: %v", err)
	}
	if res.Success {
		t.Fatal("expected progression denied on insufficient writes")
	}
	if res.Reason == "" {
		t.Fatal("expected a human-readable reason")
	}
	if got := m.Current().Name; got != "canary-10" {
		t.Fatalf("expected phase unchanged, got %s", got)
	}
}

func TestProgressSatisfiedRule(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if _, err := m.Progress(context.Background(), false, domain.WriteMetrics{}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// 99.5% success over 1000 writes beats the 99% over 500 rule.
	res, err := m.Progress(context.Background(), false, domain.WriteMetrics{
		TotalWrites:       1000,
		SuccessfulMirrors: 995,
		FailedMirrors:     5,
	})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !res.Success || res.NewPhase != "full" {
		t.Fatalf("expected progression into full, got %+v", res)
	}
}

func TestForceOverridesRuleButNeverSkips(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	res, err := m.Progress(ctx, true, domain.WriteMetrics{})
	if err != nil || !res.Success {
		t.Fatalf("expected forced progression, got %+v err=%v", res, err)
	}
	res, err = m.Progress(ctx, true, domain.WriteMetrics{})
	if err != nil || !res.Success {
		t.Fatalf("expected second forced progression, got %+v err=%v", res, err)
	}
	if got := m.Current().Name; got != "full" {
		t.Fatalf("expected terminal phase after two forced steps, got %s", got)
	}

	// Forcing at the terminal phase cannot advance further.
	res, err = m.Progress(ctx, true, domain.WriteMetrics{})
	if !errors.Is(err, domain.ErrAtTerminalPhase) {
		t.Fatalf("expected ErrAtTerminalPhase, got %v", err)
	}
	if res.Success {
		t.Fatal("expected no transition at terminal phase")
	}
}

func TestRollbackFromInitialFails(t *testing.T) {
	m := newTestManager(t, nil, nil)

	res, err := m.Rollback(context.Background())
	if !errors.Is(err, domain.ErrAtInitialPhase) {
		t.Fatalf("expected ErrAtInitialPhase, got %v", err)
	}
	if res.Success {
		t.Fatal("expected rollback denied at initial phase")
	}
}

func TestRollbackMovesOneStepAndPublishes(t *testing.T) {
	pub := &fakePublisher{}
	store := &fakeStore{}
	m := newTestManager(t, store, pub)
	ctx := context.Background()

	if _, err := m.Progress(ctx, true, domain.WriteMetrics{}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	res, err := m.Rollback(ctx)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !res.Success || res.NewPhase != "legacy-only" {
		t.Fatalf("expected rollback into legacy-only, got %+v", res)
	}
	if store.saved[len(store.saved)-1] != 0 {
		t.Fatalf("expected index 0 persisted, got %v", store.saved)
	}

	last := pub.events[len(pub.events)-1]
	if last.Type != domain.EventPhaseRolledBack {
		t.Fatalf("expected phase_rolledback event, got %s", last.Type)
	}
}

func TestSaveFailureAbortsTransition(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("db down")}
	m := newTestManager(t, store, nil)

	_, err := m.Progress(context.Background(), true, domain.WriteMetrics{})
	if err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if got := m.Current().Name; got != "legacy-only" {
		t.Fatalf("expected phase unchanged after failed save, got %s", got)
	}
}

func TestCheckIsPure(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if _, err := m.Progress(context.Background(), true, domain.WriteMetrics{}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	wm := domain.WriteMetrics{TotalWrites: 1000, SuccessfulMirrors: 995}
	dec := m.Check(wm)
	if !dec.ShouldProgress {
		t.Fatalf("expected shouldProgress=true, got %+v", dec)
	}
	if got := m.Current().Name; got != "canary-10" {
		t.Fatalf("check must not mutate state, phase is %s", got)
	}
}

func TestCheckAtTerminalPhase(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()
	m.Progress(ctx, true, domain.WriteMetrics{})
	m.Progress(ctx, true, domain.WriteMetrics{})

	dec := m.Check(domain.WriteMetrics{TotalWrites: 1 << 20, SuccessfulMirrors: 1 << 20})
	if dec.ShouldProgress {
		t.Fatal("expected no progression from terminal phase")
	}
}

func TestStatusElapsedAndEstimate(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	m, err := New(context.Background(), Deps{
		Phases: testPhases(),
		Logger: discardLogger(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	status := m.Status()
	if status.Name != "legacy-only" || status.Index != 0 || status.Total != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.EstimatedCompletion != nil {
		t.Fatal("expected no estimate before any phase completes")
	}

	// Spend two hours in the first phase, then progress.
	current = current.Add(2 * time.Hour)
	if _, err := m.Progress(context.Background(), true, domain.WriteMetrics{}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	status = m.Status()
	if status.Terminal {
		t.Fatal("canary-10 is not terminal")
	}
	if status.EstimatedCompletion == nil {
		t.Fatal("expected an estimate after one completed phase")
	}
	want := current.Add(2 * time.Hour) // one remaining phase at the 2h average
	if !status.EstimatedCompletion.Equal(want) {
		t.Fatalf("expected estimate %v, got %v", want, *status.EstimatedCompletion)
	}
}

func TestDefaultPhasesShape(t *testing.T) {
	phases := DefaultPhases()
	if len(phases) < 2 {
		t.Fatal("expected multiple default phases")
	}
	if phases[0].Config.Enabled {
		t.Fatal("expected initial phase to have dual write disabled")
	}
	last := phases[len(phases)-1]
	if !last.Config.ReadFromNewService {
		t.Fatal("expected terminal phase to read from the new service")
	}
	for _, p := range phases {
		if p.Config.WritePercentage < 0 || p.Config.WritePercentage > 100 {
			t.Fatalf("phase %s percentage out of range", p.Name)
		}
	}
}
