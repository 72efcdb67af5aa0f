package analytics

import (
	"context"
	"math"
	"sort"

	"warden/internal/domain"
	"warden/internal/lifecycle"
	"warden/internal/store"
)

// Reader computes read-only rollups over the intent store. It never
// mutates state and holds no caches; every call reflects the store as of
// the query.
type Reader struct {
	Store *store.Store
}

func New(st *store.Store) *Reader {
	return &Reader{Store: st}
}

// RepoSummary aggregates every intent whose payload targets repo.
func (r *Reader) RepoSummary(ctx context.Context, repo string) (domain.IntentSummary, error) {
	all, err := r.Store.List(ctx, store.Filters{})
	if err != nil {
		return domain.IntentSummary{}, err
	}
	var matched []domain.Intent
	for _, in := range all {
		if in.Repo() == repo {
			matched = append(matched, in)
		}
	}
	s := summarize(matched)
	s.Repo = repo
	return s, nil
}

// SpriteSummary aggregates every intent attributed to the named sprite,
// whether by source identity or payload reference.
func (r *Reader) SpriteSummary(ctx context.Context, sprite string) (domain.IntentSummary, error) {
	matched, err := r.Store.ListBySource(ctx, sprite)
	if err != nil {
		return domain.IntentSummary{}, err
	}
	s := summarize(matched)
	s.Sprite = sprite
	return s, nil
}

// AllRepoSummaries groups every intent that names a repo, busiest repo
// first. Intents with no repo in their payload are left out.
func (r *Reader) AllRepoSummaries(ctx context.Context) ([]domain.IntentSummary, error) {
	all, err := r.Store.List(ctx, store.Filters{})
	if err != nil {
		return nil, err
	}
	byRepo := map[string][]domain.Intent{}
	for _, in := range all {
		repo := in.Repo()
		if repo == "" {
			continue
		}
		byRepo[repo] = append(byRepo[repo], in)
	}
	out := make([]domain.IntentSummary, 0, len(byRepo))
	for repo, intents := range byRepo {
		s := summarize(intents)
		s.Repo = repo
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Repo < out[j].Repo
	})
	return out, nil
}

func summarize(intents []domain.Intent) domain.IntentSummary {
	s := domain.IntentSummary{
		ByKind:  map[string]int{},
		ByState: map[string]int{},
	}
	for _, in := range intents {
		s.Total++
		s.ByKind[in.Kind]++
		s.ByState[in.State]++
		switch in.State {
		case lifecycle.StateCompleted:
			s.Completed++
		case lifecycle.StateFailed:
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = math.Round(float64(s.Completed)/float64(s.Total)*1000) / 1000
	}
	return s
}
