package analytics_test

import (
	"context"
	"testing"
	"time"

	"warden/internal/analytics"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/lifecycle"
	"warden/internal/migrate"
	"warden/internal/store"
)

type testEnv struct {
	Reader *analytics.Reader
	Store  *store.Store
	Ctx    context.Context
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
	st := store.New(conn, events.NewBus())
	st.Now = tickingClock()
	return testEnv{Reader: analytics.New(st), Store: st, Ctx: context.Background()}
}

func tickingClock() func() time.Time {
	base := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// seed creates an intent and walks it to finalState through the allowed
// transitions.
func seed(t *testing.T, env testEnv, id, kind, sprite, repo, finalState string) {
	t.Helper()
	in := domain.Intent{
		ID:             id,
		Kind:           kind,
		Source:         domain.Source{Type: domain.SourceSprite, ID: sprite},
		Summary:        "work item " + id,
		Classification: domain.ClassSafe,
	}
	if repo != "" {
		in.Payload = map[string]any{"repo": repo}
	}
	if _, err := env.Store.Create(env.Ctx, in); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	var path []string
	switch finalState {
	case lifecycle.StateAwaitingApproval:
	case lifecycle.StateApproved:
		path = []string{lifecycle.StateApproved}
	case lifecycle.StateRejected:
		path = []string{lifecycle.StateRejected}
	case lifecycle.StateRunning:
		path = []string{lifecycle.StateApproved, lifecycle.StateRunning}
	case lifecycle.StateCompleted:
		path = []string{lifecycle.StateApproved, lifecycle.StateRunning, lifecycle.StateCompleted}
	case lifecycle.StateFailed:
		path = []string{lifecycle.StateApproved, lifecycle.StateRunning, lifecycle.StateFailed}
	default:
		t.Fatalf("seed: unsupported final state %s", finalState)
	}
	for _, state := range path {
		s := state
		if _, err := env.Store.Update(env.Ctx, id, store.Changes{State: &s, Actor: "test"}); err != nil {
			t.Fatalf("transition %s to %s: %v", id, state, err)
		}
	}
}

func TestRepoSummary(t *testing.T) {
	env := newTestEnv(t)

	seed(t, env, "in-1", domain.KindAction, "sprite-7", "octo/widgets", lifecycle.StateCompleted)
	seed(t, env, "in-2", domain.KindAction, "sprite-7", "octo/widgets", lifecycle.StateFailed)
	seed(t, env, "in-3", domain.KindInquiry, "sprite-8", "octo/widgets", lifecycle.StateAwaitingApproval)
	seed(t, env, "in-4", domain.KindAction, "sprite-7", "octo/gadgets", lifecycle.StateCompleted)

	s, err := env.Reader.RepoSummary(env.Ctx, "octo/widgets")
	if err != nil {
		t.Fatalf("repo summary: %v", err)
	}
	if s.Repo != "octo/widgets" || s.Total != 3 {
		t.Fatalf("summary = %+v", s)
	}
	if s.ByKind[domain.KindAction] != 2 || s.ByKind[domain.KindInquiry] != 1 {
		t.Fatalf("by_kind = %+v", s.ByKind)
	}
	if s.ByState[lifecycle.StateCompleted] != 1 || s.ByState[lifecycle.StateFailed] != 1 || s.ByState[lifecycle.StateAwaitingApproval] != 1 {
		t.Fatalf("by_state = %+v", s.ByState)
	}
	if s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("completed = %d, failed = %d", s.Completed, s.Failed)
	}
	if s.SuccessRate != 0.333 {
		t.Fatalf("success_rate = %v, want 0.333", s.SuccessRate)
	}
}

func TestRepoSummaryEmpty(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.Reader.RepoSummary(env.Ctx, "octo/nothing")
	if err != nil {
		t.Fatalf("repo summary: %v", err)
	}
	if s.Total != 0 || s.SuccessRate != 0 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestSpriteSummary(t *testing.T) {
	env := newTestEnv(t)

	seed(t, env, "in-1", domain.KindAction, "sprite-7", "octo/widgets", lifecycle.StateCompleted)
	seed(t, env, "in-2", domain.KindTask, "sprite-7", "octo/widgets", lifecycle.StateCompleted)
	seed(t, env, "in-3", domain.KindAction, "sprite-9", "octo/widgets", lifecycle.StateFailed)

	s, err := env.Reader.SpriteSummary(env.Ctx, "sprite-7")
	if err != nil {
		t.Fatalf("sprite summary: %v", err)
	}
	if s.Sprite != "sprite-7" || s.Total != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Completed != 2 || s.Failed != 0 || s.SuccessRate != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestAllRepoSummariesOrderingAndSkip(t *testing.T) {
	env := newTestEnv(t)

	seed(t, env, "in-1", domain.KindAction, "sprite-7", "octo/widgets", lifecycle.StateCompleted)
	seed(t, env, "in-2", domain.KindAction, "sprite-7", "octo/widgets", lifecycle.StateApproved)
	seed(t, env, "in-3", domain.KindAction, "sprite-7", "octo/gadgets", lifecycle.StateCompleted)
	seed(t, env, "in-4", domain.KindAction, "sprite-7", "octo/anvils", lifecycle.StateFailed)
	seed(t, env, "in-5", domain.KindInquiry, "sprite-7", "", lifecycle.StateCompleted)

	out, err := env.Reader.AllRepoSummaries(env.Ctx)
	if err != nil {
		t.Fatalf("all repo summaries: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 repos, got %d", len(out))
	}
	if out[0].Repo != "octo/widgets" || out[0].Total != 2 {
		t.Fatalf("out[0] = %+v", out[0])
	}
	// Equal totals tie-break alphabetically.
	if out[1].Repo != "octo/anvils" || out[2].Repo != "octo/gadgets" {
		t.Fatalf("order = %s, %s", out[1].Repo, out[2].Repo)
	}
}
