package remediator_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/lifecycle"
	"warden/internal/migrate"
	"warden/internal/pipeline"
	"warden/internal/registry"
	"warden/internal/remediator"
	"warden/internal/store"
)

type testEnv struct {
	Controller *remediator.Controller
	Pipeline   *pipeline.Pipeline
	Store      *store.Store
	Bus        *events.Bus
	DB         *sql.DB
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	st := store.New(conn, bus)
	st.Now = tickingClock()
	reg := registry.New(conn, bus)
	// No gate rules: every proposal lands awaiting approval, so the only
	// path to approved is the controller's own self-approval.
	cfg := &config.Config{}
	p := pipeline.New(st, reg, cfg)
	ctrl := remediator.New(p, []string{"critical"}, 0)
	ctrl.Now = func() time.Time { return time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC) }
	return testEnv{Controller: ctrl, Pipeline: p, Store: st, Bus: bus, DB: conn, Ctx: context.Background()}
}

func tickingClock() func() time.Time {
	base := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func detection(id, severity string) domain.Intent {
	payload := map[string]any{
		"repo":        "octo/widgets",
		"observation": "error rate above threshold",
	}
	if severity != "" {
		payload["severity"] = severity
	}
	return domain.Intent{
		ID:                id,
		Kind:              domain.KindHealthDetect,
		Source:            domain.Source{Type: domain.SourceSystem, ID: "health-monitor"},
		Summary:           "error rate spike in octo/widgets",
		State:             lifecycle.StateApproved,
		Payload:           payload,
		AffectedResources: []string{"service:octo/widgets"},
	}
}

func remediationFor(t *testing.T, env testEnv, detectID string) domain.Intent {
	t.Helper()
	list, err := env.Store.List(env.Ctx, store.Filters{Kind: domain.KindHealthRemediate})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, in := range list {
		if in.Payload["detect_intent_id"] == detectID {
			return in
		}
	}
	t.Fatalf("no remediation proposed for %s", detectID)
	return domain.Intent{}
}

func TestHandleCriticalAutoApproves(t *testing.T) {
	env := newTestEnv(t)

	env.Controller.Handle(env.Ctx, detection("det-1", "critical"))

	rem := remediationFor(t, env, "det-1")
	if rem.State != lifecycle.StateApproved {
		t.Fatalf("state = %q, want approved", rem.State)
	}
	if rem.Summary != "Remediate: error rate spike in octo/widgets" {
		t.Fatalf("summary = %q", rem.Summary)
	}
	if rem.Payload["severity"] != "critical" || rem.Payload["observation"] != "error rate above threshold" {
		t.Fatalf("payload = %+v", rem.Payload)
	}
	if rem.Payload["repo"] != "octo/widgets" {
		t.Fatalf("repo = %v", rem.Payload["repo"])
	}
	if len(rem.AffectedResources) != 1 || rem.AffectedResources[0] != "service:octo/widgets" {
		t.Fatalf("affected_resources = %v", rem.AffectedResources)
	}

	hist, err := env.Store.GetHistory(env.Ctx, rem.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Actor != remediator.Actor {
		t.Fatalf("transition = %+v", hist)
	}

	entries := env.Controller.History()
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	e := entries[0]
	if e.DetectIntentID != "det-1" || e.RemediateIntentID != rem.ID || !e.AutoApproved || e.Severity != "critical" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestHandleHighAwaitsHuman(t *testing.T) {
	env := newTestEnv(t)

	env.Controller.Handle(env.Ctx, detection("det-1", "high"))

	rem := remediationFor(t, env, "det-1")
	if rem.State != lifecycle.StateAwaitingApproval {
		t.Fatalf("state = %q, want awaiting_approval", rem.State)
	}
	entries := env.Controller.History()
	if len(entries) != 1 || entries[0].AutoApproved {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHandleUnknownSeverityTreatedAsHigh(t *testing.T) {
	env := newTestEnv(t)

	env.Controller.Handle(env.Ctx, detection("det-1", "catastrophic"))
	env.Controller.Handle(env.Ctx, detection("det-2", ""))

	for _, id := range []string{"det-1", "det-2"} {
		rem := remediationFor(t, env, id)
		if rem.State != lifecycle.StateAwaitingApproval {
			t.Fatalf("%s: state = %q, want awaiting_approval", id, rem.State)
		}
		if rem.Payload["severity"] != "high" {
			t.Fatalf("%s: severity = %v, want high", id, rem.Payload["severity"])
		}
	}
}

func TestRunFiresOncePerApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()

	msgs := make(chan events.Message, 16)
	done := make(chan struct{})
	go func() {
		env.Controller.Run(ctx, msgs)
		close(done)
	}()

	detect := detection("det-1", "critical")
	msgs <- events.Message{Topic: events.TopicIntents, Type: "intent.transitioned", Intent: detect}
	// Steady-state updates and unrelated kinds must not re-fire.
	msgs <- events.Message{Topic: events.TopicIntents, Type: "intent.updated", Intent: detect}
	other := detect
	other.ID = "det-2"
	other.Kind = domain.KindAction
	msgs <- events.Message{Topic: events.TopicIntents, Type: "intent.transitioned", Intent: other}
	awaiting := detection("det-3", "critical")
	awaiting.State = lifecycle.StateAwaitingApproval
	msgs <- events.Message{Topic: events.TopicIntents, Type: "intent.created", Intent: awaiting}
	close(msgs)
	<-done

	entries := env.Controller.History()
	if len(entries) != 1 || entries[0].DetectIntentID != "det-1" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHistoryOrderAndBound(t *testing.T) {
	env := newTestEnv(t)
	env.Controller.HistoryLimit = 3

	for i := 0; i < 5; i++ {
		env.Controller.Handle(env.Ctx, detection(fmt.Sprintf("det-%d", i), "high"))
	}

	entries := env.Controller.History()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"det-4", "det-3", "det-2"} {
		if entries[i].DetectIntentID != want {
			t.Fatalf("entries[%d] = %q, want %q", i, entries[i].DetectIntentID, want)
		}
	}
}

func TestProposeFailureLeavesNoHistory(t *testing.T) {
	env := newTestEnv(t)
	env.DB.Close()

	env.Controller.Handle(env.Ctx, detection("det-1", "critical"))

	if entries := env.Controller.History(); len(entries) != 0 {
		t.Fatalf("expected no history, got %+v", entries)
	}
}
