package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/events"
)

// Registry correlates external artifacts (issues, PRs, branches, commits)
// back to the intent and run that produced them. Writes serialize through a
// mutex; reads go straight to the table because artifact lookups sit on the
// UI hot path while registrations are rare. Duplicate refs are legal: one
// PR may be linked twice with different roles.
type Registry struct {
	DB     *sql.DB
	Events events.Writer
	Bus    *events.Bus
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, bus *events.Bus) *Registry {
	return &Registry{
		DB:     db,
		Events: events.Writer{DB: db},
		Bus:    bus,
		Now:    time.Now,
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register inserts a link. Links are immutable; corrections are new links.
func (r *Registry) Register(ctx context.Context, link domain.ArtifactLink) (domain.ArtifactLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if link.IntentID == "" {
		return domain.ArtifactLink{}, fmt.Errorf("artifact link intent_id is required")
	}
	if link.Ref == "" {
		return domain.ArtifactLink{}, fmt.Errorf("artifact link ref is required")
	}
	if link.Role == "" {
		link.Role = "output"
	}
	link.CreatedAt = r.now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactLink{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO artifact_links(intent_id,run_id,kind,ref,url,role,created_at) VALUES (?,?,?,?,?,?,?)`,
		link.IntentID, nullableStringPtr(link.RunID), link.Kind, link.Ref, nullable(link.URL), link.Role, link.CreatedAt)
	if err != nil {
		return domain.ArtifactLink{}, fmt.Errorf("insert artifact link: %w", err)
	}
	link.ID, _ = res.LastInsertId()
	if err := r.Events.Append(ctx, tx, "artifact.registered", link.IntentID, "system", events.EventPayload{
		"kind": link.Kind,
		"ref":  link.Ref,
		"role": link.Role,
	}); err != nil {
		return domain.ArtifactLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactLink{}, err
	}
	r.Bus.Publish(events.Message{Topic: events.TopicArtifacts, Type: "artifact.registered", Link: link})
	return link, nil
}

// LookupByIntent answers "what did this intent produce?".
func (r *Registry) LookupByIntent(ctx context.Context, intentID string) ([]domain.ArtifactLink, error) {
	return r.query(ctx, `WHERE intent_id=?`, intentID)
}

// LookupByRef answers "which intent touched this artifact?".
func (r *Registry) LookupByRef(ctx context.Context, kind, ref string) ([]domain.ArtifactLink, error) {
	return r.query(ctx, `WHERE kind=? AND ref=?`, kind, ref)
}

// LookupByRun returns the links recorded under one execution run. Links
// registered without a run id never appear here.
func (r *Registry) LookupByRun(ctx context.Context, runID string) ([]domain.ArtifactLink, error) {
	return r.query(ctx, `WHERE run_id=?`, runID)
}

func (r *Registry) All(ctx context.Context) ([]domain.ArtifactLink, error) {
	return r.query(ctx, ``)
}

func (r *Registry) query(ctx context.Context, where string, args ...any) ([]domain.ArtifactLink, error) {
	query := `SELECT id,intent_id,run_id,kind,ref,url,role,created_at FROM artifact_links ` + where + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactLink
	for rows.Next() {
		var l domain.ArtifactLink
		var runID, url sql.NullString
		if err := rows.Scan(&l.ID, &l.IntentID, &runID, &l.Kind, &l.Ref, &url, &l.Role, &l.CreatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			l.RunID = &runID.String
		}
		if url.Valid {
			l.URL = url.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
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
