package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"warden/internal/domain"
	"warden/internal/events"
)

// PutRepoProfile inserts or replaces the policy profile for a repository.
func (s *Store) PutRepoProfile(ctx context.Context, p domain.RepoProfile, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Repo == "" {
		return fmt.Errorf("profile repo is required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if actor == "" {
		actor = "operator"
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO repo_profiles(repo,profile_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(repo) DO UPDATE SET profile_json=excluded.profile_json, updated_at=excluded.updated_at`,
		p.Repo, string(payload), now, now); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "profile.updated", "", actor, events.EventPayload{"repo": p.Repo}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRepoProfile returns the stored profile, or the zero profile when none
// exists. Absence is configuration, not an error.
func (s *Store) GetRepoProfile(ctx context.Context, repo string) (domain.RepoProfile, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT profile_json FROM repo_profiles WHERE repo=?`, repo).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.RepoProfile{Repo: repo}, nil
	}
	if err != nil {
		return domain.RepoProfile{}, err
	}
	var p domain.RepoProfile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return domain.RepoProfile{}, fmt.Errorf("decode profile %s: %w", repo, err)
	}
	if p.Repo == "" {
		p.Repo = repo
	}
	return p, nil
}

// ListRepoProfiles returns all stored profiles ordered by repo.
func (s *Store) ListRepoProfiles(ctx context.Context) ([]domain.RepoProfile, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT profile_json FROM repo_profiles ORDER BY repo ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RepoProfile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p domain.RepoProfile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
