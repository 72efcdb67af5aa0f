package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/lifecycle"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrImmutable     = errors.New("immutable field")
	ErrNoPlan        = errors.New("intent has no plan")
)

// Store is the single writer for intents. Every operation, reads included,
// serializes through one mutex so callers observe a linear history; the
// governance workload is operator-scale and strict consistency beats read
// throughput here.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Bus    *events.Bus
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, bus *events.Bus) *Store {
	return &Store{
		DB:     db,
		Events: events.Writer{DB: db},
		Bus:    bus,
		Now:    time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Changes is the set of updatable intent fields. Nil fields are untouched.
// Actor and Reason annotate the transition when State is set.
type Changes struct {
	State  *string
	Actor  string
	Reason string

	Summary         *string
	Metadata        map[string]any
	BlockedReason   *string
	PendingQuestion *string

	// Frozen once the intent leaves awaiting_approval.
	Payload             map[string]any
	AffectedResources   []string
	ExpectedSideEffects []string
	RollbackStrategy    *string
	Plan                []domain.PlanStep
}

func (c Changes) frozenTouched() []string {
	var touched []string
	if c.Payload != nil {
		touched = append(touched, "payload")
	}
	if c.AffectedResources != nil {
		touched = append(touched, "affected_resources")
	}
	if c.ExpectedSideEffects != nil {
		touched = append(touched, "expected_side_effects")
	}
	if c.RollbackStrategy != nil {
		touched = append(touched, "rollback_strategy")
	}
	if c.Plan != nil {
		touched = append(touched, "plan")
	}
	return touched
}

// Create inserts a new intent. The id must be unique; the stored value is
// returned with its creation transition recorded.
func (s *Store) Create(ctx context.Context, in domain.Intent) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		return domain.Intent{}, fmt.Errorf("intent id is required")
	}
	if in.State == "" {
		in.State = lifecycle.StateAwaitingApproval
	}
	if !lifecycle.ValidState(in.State) {
		return domain.Intent{}, fmt.Errorf("unknown state %s", in.State)
	}
	now := s.now().UTC().Format(time.RFC3339)
	in.InsertedAt = now
	in.UpdatedAt = now

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Intent{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM intents WHERE id=?`, in.ID).Scan(&exists)
	if err == nil {
		return domain.Intent{}, fmt.Errorf("intent %s: %w", in.ID, ErrAlreadyExists)
	}
	if err != sql.ErrNoRows {
		return domain.Intent{}, err
	}

	payloadJSON, err := marshalJSON(in.Payload)
	if err != nil {
		return domain.Intent{}, err
	}
	resourcesJSON, err := marshalJSON(in.AffectedResources)
	if err != nil {
		return domain.Intent{}, err
	}
	effectsJSON, err := marshalJSON(in.ExpectedSideEffects)
	if err != nil {
		return domain.Intent{}, err
	}
	planJSON, err := marshalJSON(in.Plan)
	if err != nil {
		return domain.Intent{}, err
	}
	metadataJSON, err := marshalJSON(in.Metadata)
	if err != nil {
		return domain.Intent{}, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO intents(id,kind,source_type,source_id,summary,payload_json,classification,state,affected_resources_json,expected_side_effects_json,rollback_strategy,blocked_reason,pending_question,plan_json,metadata_json,inserted_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Kind, in.Source.Type, in.Source.ID, in.Summary, payloadJSON, in.Classification, in.State,
		resourcesJSON, effectsJSON, nullableStringPtr(in.RollbackStrategy), nullableStringPtr(in.BlockedReason),
		nullableStringPtr(in.PendingQuestion), planJSON, metadataJSON, in.InsertedAt, in.UpdatedAt); err != nil {
		return domain.Intent{}, fmt.Errorf("insert intent: %w", err)
	}

	created := domain.TransitionRecord{From: "", To: in.State, Actor: actorOrSource(in, ""), Reason: "proposed", At: now}
	if err := s.insertTransition(ctx, tx, in.ID, created); err != nil {
		return domain.Intent{}, err
	}
	if err := s.Events.Append(ctx, tx, "intent.created", in.ID, created.Actor, events.EventPayload{
		"kind":           in.Kind,
		"state":          in.State,
		"classification": in.Classification,
	}); err != nil {
		return domain.Intent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Intent{}, err
	}
	in.TransitionLog = []domain.TransitionRecord{created}
	s.Bus.Publish(events.Message{Topic: events.TopicIntents, Type: "intent.created", Intent: in})
	return in, nil
}

// Get returns the intent with its full transition log.
func (s *Store) Get(ctx context.Context, id string) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (domain.Intent, error) {
	in, err := scanIntent(s.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
	if err != nil {
		return in, err
	}
	log, err := s.transitions(ctx, id)
	if err != nil {
		return in, err
	}
	in.TransitionLog = log
	return in, nil
}

// Filters is a conjunction of optional list predicates. Zero values match
// everything; Since/Until are inclusive bounds on inserted_at.
type Filters struct {
	Kind       string
	State      string
	SourceType string
	Since      string
	Until      string
}

// List returns matching intents sorted ascending by inserted_at. Transition
// logs are not populated; use Get or GetHistory for those.
func (s *Store) List(ctx context.Context, f Filters) ([]domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.SourceType != "" {
		clauses = append(clauses, "source_type=?")
		args = append(args, f.SourceType)
	}
	if f.Since != "" {
		clauses = append(clauses, "inserted_at>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "inserted_at<=?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + intentColumns + ` FROM intents ` + where + ` ORDER BY inserted_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListBySource returns intents proposed by the sprite or referencing it in
// their payload, most recently updated first.
func (s *Store) ListBySource(ctx context.Context, sprite string) ([]domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.DB.QueryContext(ctx, `SELECT `+intentColumns+` FROM intents ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		if referencesSprite(in, sprite) {
			res = append(res, in)
		}
	}
	return res, rows.Err()
}

func referencesSprite(in domain.Intent, sprite string) bool {
	if in.Source.ID == sprite {
		return true
	}
	for _, key := range []string{"sprite", "sprite_id", "sprite_name"} {
		if v, ok := in.Payload[key].(string); ok && v == sprite {
			return true
		}
	}
	return false
}

// Update applies changes to an intent. Frozen fields are rejected once the
// intent is past approval; a state change is validated against the lifecycle
// and applied atomically with the remaining field changes.
func (s *Store) Update(ctx context.Context, id string, ch Changes) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Intent{}, err
	}
	defer tx.Rollback()

	cur, err := scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
	if err != nil {
		return domain.Intent{}, err
	}

	if lifecycle.IsFrozen(cur.State) {
		if touched := ch.frozenTouched(); len(touched) > 0 {
			return domain.Intent{}, fmt.Errorf("%w: %s (state %s)", ErrImmutable, strings.Join(touched, ", "), cur.State)
		}
	}

	actor := ch.Actor
	if actor == "" {
		actor = "system"
	}
	now := s.now().UTC().Format(time.RFC3339)

	var transition *domain.TransitionRecord
	if ch.State != nil && *ch.State != cur.State {
		if err := lifecycle.EnsureTransition(cur.State, *ch.State); err != nil {
			return domain.Intent{}, err
		}
		transition = &domain.TransitionRecord{From: cur.State, To: *ch.State, Actor: actor, Reason: ch.Reason, At: now}
		cur.State = *ch.State
		// Context fields live only in their states.
		cur.BlockedReason = nil
		cur.PendingQuestion = nil
		if cur.State == lifecycle.StateBlocked {
			cur.BlockedReason = ch.BlockedReason
		}
		if cur.State == lifecycle.StateWaitingForInput {
			cur.PendingQuestion = ch.PendingQuestion
		}
	}

	if ch.Summary != nil {
		cur.Summary = *ch.Summary
	}
	if ch.Metadata != nil {
		cur.Metadata = ch.Metadata
	}
	if ch.Payload != nil {
		cur.Payload = ch.Payload
	}
	if ch.AffectedResources != nil {
		cur.AffectedResources = ch.AffectedResources
	}
	if ch.ExpectedSideEffects != nil {
		cur.ExpectedSideEffects = ch.ExpectedSideEffects
	}
	if ch.RollbackStrategy != nil {
		cur.RollbackStrategy = ch.RollbackStrategy
	}
	if ch.Plan != nil {
		cur.Plan = ch.Plan
	}
	cur.UpdatedAt = now

	if err := s.updateRow(ctx, tx, cur); err != nil {
		return domain.Intent{}, err
	}

	msgType := "intent.updated"
	if transition != nil {
		msgType = "intent.transitioned"
		if err := s.insertTransition(ctx, tx, cur.ID, *transition); err != nil {
			return domain.Intent{}, err
		}
		if err := s.Events.Append(ctx, tx, "intent.transitioned", cur.ID, actor, events.EventPayload{
			"from":   transition.From,
			"to":     transition.To,
			"reason": transition.Reason,
		}); err != nil {
			return domain.Intent{}, err
		}
	} else {
		if err := s.Events.Append(ctx, tx, "intent.updated", cur.ID, actor, events.EventPayload{"state": cur.State}); err != nil {
			return domain.Intent{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Intent{}, err
	}

	log, err := s.transitions(ctx, cur.ID)
	if err != nil {
		return domain.Intent{}, err
	}
	cur.TransitionLog = log
	s.Bus.Publish(events.Message{Topic: events.TopicIntents, Type: msgType, Intent: cur})
	return cur, nil
}

// AddArtifact appends a timestamped artifact record into metadata.artifacts.
// Callers are responsible for idempotency; nothing is de-duplicated here.
func (s *Store) AddArtifact(ctx context.Context, id string, artifact map[string]any) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Intent{}, err
	}
	defer tx.Rollback()

	cur, err := scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
	if err != nil {
		return domain.Intent{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	entry := make(map[string]any, len(artifact)+1)
	for k, v := range artifact {
		entry[k] = v
	}
	entry["recorded_at"] = now

	if cur.Metadata == nil {
		cur.Metadata = map[string]any{}
	}
	list, _ := cur.Metadata["artifacts"].([]any)
	cur.Metadata["artifacts"] = append(list, entry)
	cur.UpdatedAt = now

	if err := s.updateRow(ctx, tx, cur); err != nil {
		return domain.Intent{}, err
	}
	if err := s.Events.Append(ctx, tx, "intent.artifact_added", cur.ID, "system", events.EventPayload{"artifact": entry}); err != nil {
		return domain.Intent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Intent{}, err
	}
	s.Bus.Publish(events.Message{Topic: events.TopicIntents, Type: "intent.artifact_added", Intent: cur})
	return cur, nil
}

// GetHistory returns the intent's transition log, oldest first.
func (s *Store) GetHistory(ctx context.Context, id string) ([]domain.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM intents WHERE id=?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.transitions(ctx, id)
}

// UpdatePlanStep sets the status/output of one plan step. Step status is
// execution progress, not a reshape of the approved plan, so it is permitted
// in post-approval states.
func (s *Store) UpdatePlanStep(ctx context.Context, intentID, stepID, status, output string) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Intent{}, err
	}
	defer tx.Rollback()

	cur, err := scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, intentID))
	if err != nil {
		return domain.Intent{}, err
	}
	if len(cur.Plan) == 0 {
		return domain.Intent{}, fmt.Errorf("intent %s: %w", intentID, ErrNoPlan)
	}
	updated, err := lifecycle.UpdatePlanStep(cur.Plan, stepID, status, output)
	if err != nil {
		return domain.Intent{}, err
	}
	cur.Plan = updated
	cur.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	if err := s.updateRow(ctx, tx, cur); err != nil {
		return domain.Intent{}, err
	}
	if err := s.Events.Append(ctx, tx, "intent.plan_step", cur.ID, "system", events.EventPayload{
		"step_id": stepID,
		"status":  status,
	}); err != nil {
		return domain.Intent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Intent{}, err
	}
	s.Bus.Publish(events.Message{Topic: events.TopicIntents, Type: "intent.plan_step", Intent: cur})
	return cur, nil
}

// LatestEvents returns recent observability events, newest first.
func (s *Store) LatestEvents(ctx context.Context, limit int, evtType, intentID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if intentID != "" {
		clauses = append(clauses, "intent_id=?")
		args = append(args, intentID)
	}
	query := `SELECT id,ts,type,intent_id,actor,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var intent sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &intent, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		if intent.Valid {
			e.IntentID = intent.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Reset clears all intent state. Test-only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range []string{
		`DELETE FROM intent_transitions`,
		`DELETE FROM intents`,
		`DELETE FROM events`,
	} {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- row plumbing ---

const intentColumns = `id,kind,source_type,source_id,summary,payload_json,classification,state,affected_resources_json,expected_side_effects_json,rollback_strategy,blocked_reason,pending_question,plan_json,metadata_json,inserted_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (domain.Intent, error) {
	var in domain.Intent
	var payload, resources, effects, rollback, blocked, pending, plan, metadata sql.NullString
	err := row.Scan(&in.ID, &in.Kind, &in.Source.Type, &in.Source.ID, &in.Summary, &payload, &in.Classification,
		&in.State, &resources, &effects, &rollback, &blocked, &pending, &plan, &metadata, &in.InsertedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, fmt.Errorf("intent: %w", ErrNotFound)
	}
	if err != nil {
		return in, err
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &in.Payload); err != nil {
			return in, fmt.Errorf("decode payload: %w", err)
		}
	}
	if resources.Valid {
		if err := json.Unmarshal([]byte(resources.String), &in.AffectedResources); err != nil {
			return in, fmt.Errorf("decode affected_resources: %w", err)
		}
	}
	if effects.Valid {
		if err := json.Unmarshal([]byte(effects.String), &in.ExpectedSideEffects); err != nil {
			return in, fmt.Errorf("decode expected_side_effects: %w", err)
		}
	}
	if plan.Valid {
		if err := json.Unmarshal([]byte(plan.String), &in.Plan); err != nil {
			return in, fmt.Errorf("decode plan: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &in.Metadata); err != nil {
			return in, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if rollback.Valid {
		in.RollbackStrategy = &rollback.String
	}
	if blocked.Valid {
		in.BlockedReason = &blocked.String
	}
	if pending.Valid {
		in.PendingQuestion = &pending.String
	}
	return in, nil
}

func (s *Store) updateRow(ctx context.Context, tx *sql.Tx, in domain.Intent) error {
	payloadJSON, err := marshalJSON(in.Payload)
	if err != nil {
		return err
	}
	resourcesJSON, err := marshalJSON(in.AffectedResources)
	if err != nil {
		return err
	}
	effectsJSON, err := marshalJSON(in.ExpectedSideEffects)
	if err != nil {
		return err
	}
	planJSON, err := marshalJSON(in.Plan)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalJSON(in.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE intents SET summary=?, payload_json=?, classification=?, state=?, affected_resources_json=?, expected_side_effects_json=?, rollback_strategy=?, blocked_reason=?, pending_question=?, plan_json=?, metadata_json=?, updated_at=? WHERE id=?`,
		in.Summary, payloadJSON, in.Classification, in.State, resourcesJSON, effectsJSON,
		nullableStringPtr(in.RollbackStrategy), nullableStringPtr(in.BlockedReason), nullableStringPtr(in.PendingQuestion),
		planJSON, metadataJSON, in.UpdatedAt, in.ID)
	return err
}

func (s *Store) insertTransition(ctx context.Context, tx *sql.Tx, intentID string, t domain.TransitionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO intent_transitions(intent_id,from_state,to_state,actor,reason,at) VALUES (?,?,?,?,?,?)`,
		intentID, t.From, t.To, t.Actor, nullable(t.Reason), t.At)
	return err
}

func (s *Store) transitions(ctx context.Context, intentID string) ([]domain.TransitionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT from_state,to_state,actor,COALESCE(reason,''),at FROM intent_transitions WHERE intent_id=? ORDER BY id ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var t domain.TransitionRecord
		if err := rows.Scan(&t.From, &t.To, &t.Actor, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func actorOrSource(in domain.Intent, actor string) string {
	if actor != "" {
		return actor
	}
	if in.Source.ID != "" {
		return in.Source.ID
	}
	return "system"
}

func marshalJSON(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []domain.PlanStep:
		if len(val) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
