package registry_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/migrate"
	"warden/internal/registry"
)

type testEnv struct {
	Registry *registry.Registry
	Bus      *events.Bus
	Ctx      context.Context
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
	reg := registry.New(conn, bus)
	reg.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Registry: reg, Bus: bus, Ctx: context.Background()}
}

func strPtr(s string) *string { return &s }

func TestRegisterVisibleThroughAllIndexes(t *testing.T) {
	env := newTestEnv(t)

	link, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{
		IntentID: "int-1",
		RunID:    strPtr("run-1"),
		Kind:     "pull_request",
		Ref:      "octo/widgets#42",
		URL:      "https://example.test/octo/widgets/pull/42",
		Role:     "output",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if link.ID == 0 {
		t.Fatalf("expected assigned id, got 0")
	}
	if link.CreatedAt != "2025-03-01T12:00:00Z" {
		t.Fatalf("created_at = %q", link.CreatedAt)
	}

	byIntent, err := env.Registry.LookupByIntent(env.Ctx, "int-1")
	if err != nil {
		t.Fatalf("lookup by intent: %v", err)
	}
	if len(byIntent) != 1 || byIntent[0].Ref != "octo/widgets#42" {
		t.Fatalf("lookup by intent = %+v", byIntent)
	}
	if byIntent[0].URL != link.URL {
		t.Fatalf("url = %q", byIntent[0].URL)
	}

	byRef, err := env.Registry.LookupByRef(env.Ctx, "pull_request", "octo/widgets#42")
	if err != nil {
		t.Fatalf("lookup by ref: %v", err)
	}
	if len(byRef) != 1 || byRef[0].IntentID != "int-1" {
		t.Fatalf("lookup by ref = %+v", byRef)
	}

	byRun, err := env.Registry.LookupByRun(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("lookup by run: %v", err)
	}
	if len(byRun) != 1 || byRun[0].RunID == nil || *byRun[0].RunID != "run-1" {
		t.Fatalf("lookup by run = %+v", byRun)
	}
}

func TestRegisterWithoutRunIDAbsentFromRunIndex(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{
		IntentID: "int-1",
		Kind:     "branch",
		Ref:      "sprite/fix-docs",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	byRun, err := env.Registry.LookupByRun(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("lookup by run: %v", err)
	}
	if len(byRun) != 0 {
		t.Fatalf("expected empty run lookup, got %+v", byRun)
	}

	byIntent, err := env.Registry.LookupByIntent(env.Ctx, "int-1")
	if err != nil {
		t.Fatalf("lookup by intent: %v", err)
	}
	if len(byIntent) != 1 || byIntent[0].RunID != nil {
		t.Fatalf("lookup by intent = %+v", byIntent)
	}
}

func TestRegisterDefaultsRole(t *testing.T) {
	env := newTestEnv(t)

	link, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{
		IntentID: "int-1",
		Kind:     "issue",
		Ref:      "octo/widgets#7",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if link.Role != "output" {
		t.Fatalf("role = %q, want output", link.Role)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{Kind: "issue", Ref: "x#1"}); err == nil || !strings.Contains(err.Error(), "intent_id") {
		t.Fatalf("expected intent_id error, got %v", err)
	}
	if _, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{IntentID: "int-1", Kind: "issue"}); err == nil || !strings.Contains(err.Error(), "ref") {
		t.Fatalf("expected ref error, got %v", err)
	}
}

func TestDuplicateRefsWithDifferentRoles(t *testing.T) {
	env := newTestEnv(t)

	for _, role := range []string{"governance", "output"} {
		if _, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{
			IntentID: "int-1",
			Kind:     "pull_request",
			Ref:      "octo/widgets#42",
			Role:     role,
		}); err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
	}

	byRef, err := env.Registry.LookupByRef(env.Ctx, "pull_request", "octo/widgets#42")
	if err != nil {
		t.Fatalf("lookup by ref: %v", err)
	}
	if len(byRef) != 2 {
		t.Fatalf("expected 2 links, got %d", len(byRef))
	}
	if byRef[0].Role != "governance" || byRef[1].Role != "output" {
		t.Fatalf("roles = %q, %q", byRef[0].Role, byRef[1].Role)
	}
}

func TestAllOrderedByID(t *testing.T) {
	env := newTestEnv(t)

	refs := []string{"x#1", "x#2", "x#3"}
	for _, ref := range refs {
		if _, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{IntentID: "int-1", Kind: "issue", Ref: ref}); err != nil {
			t.Fatalf("register %s: %v", ref, err)
		}
	}

	all, err := env.Registry.All(env.Ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 links, got %d", len(all))
	}
	for i, ref := range refs {
		if all[i].Ref != ref {
			t.Fatalf("all[%d].Ref = %q, want %q", i, all[i].Ref, ref)
		}
	}
}

func TestRegisterPublishesBusMessage(t *testing.T) {
	env := newTestEnv(t)
	msgs := env.Bus.Subscribe(events.TopicArtifacts, 4)

	if _, err := env.Registry.Register(env.Ctx, domain.ArtifactLink{IntentID: "int-1", Kind: "commit", Ref: "abc123"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Type != "artifact.registered" || msg.Link.Ref != "abc123" {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus message received")
	}
}
