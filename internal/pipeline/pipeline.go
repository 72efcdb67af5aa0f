package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/domain"
	"warden/internal/lifecycle"
	"warden/internal/registry"
	"warden/internal/rules"
	"warden/internal/store"
)

// Actor recorded on gate-decided transitions.
const PolicyActor = "policy"

var validKinds = map[string]bool{
	domain.KindAction:          true,
	domain.KindInquiry:         true,
	domain.KindMaintenance:     true,
	domain.KindTask:            true,
	domain.KindHealthDetect:    true,
	domain.KindHealthRemediate: true,
}

// Classifier assigns a risk classification to a freshly proposed intent.
// It is a capability interface so deployments can install their own; the
// default is config-driven.
type Classifier interface {
	Classify(in domain.Intent, profile domain.RepoProfile) string
}

// DefaultClassifier maps intent kind to a configured classification and
// escalates to dangerous when any file resource falls in the repo profile's
// risk zones.
type DefaultClassifier struct {
	Kinds map[string]string
}

func (c DefaultClassifier) Classify(in domain.Intent, profile domain.RepoProfile) string {
	class := c.Kinds[in.Kind]
	if class == "" {
		class = domain.ClassControlled
	}
	for _, path := range rules.FilePaths(in.AffectedResources) {
		if rules.PathInRiskZone(profile, path) {
			return domain.ClassDangerous
		}
	}
	return class
}

// Pipeline drives intents through classify -> gate -> approval. It is the
// only caller that moves intent state on behalf of operators and policy.
type Pipeline struct {
	Store      *store.Store
	Registry   *registry.Registry
	Rules      *rules.Engine
	Classifier Classifier
	Now        func() time.Time
	Logger     *log.Logger
}

func New(st *store.Store, reg *registry.Registry, cfg *config.Config) *Pipeline {
	return &Pipeline{
		Store:      st,
		Registry:   reg,
		Rules:      rules.New(cfg.Gate.Rules),
		Classifier: DefaultClassifier{Kinds: cfg.Classifier.Kinds},
		Now:        time.Now,
	}
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// ProposeOptions are parameters for proposing an intent.
type ProposeOptions struct {
	ID                  string
	Kind                string
	Source              domain.Source
	Summary             string
	Payload             map[string]any
	AffectedResources   []string
	ExpectedSideEffects []string
	RollbackStrategy    string
	Plan                []domain.PlanStep
	Metadata            map[string]any
}

// Propose creates the intent, classifies it, and applies the gate verdict:
// Allow auto-approves, Deny rejects, NoMatch leaves it awaiting a human.
func (p *Pipeline) Propose(ctx context.Context, opts ProposeOptions) (domain.Intent, error) {
	if !validKinds[opts.Kind] {
		return domain.Intent{}, fmt.Errorf("unknown intent kind %q", opts.Kind)
	}
	if opts.Summary == "" {
		return domain.Intent{}, errors.New("summary is required")
	}
	if opts.Source.Type == "" || opts.Source.ID == "" {
		return domain.Intent{}, errors.New("source type and id are required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	in := domain.Intent{
		ID:                  id,
		Kind:                opts.Kind,
		Source:              opts.Source,
		Summary:             opts.Summary,
		Payload:             opts.Payload,
		State:               lifecycle.StateAwaitingApproval,
		AffectedResources:   opts.AffectedResources,
		ExpectedSideEffects: opts.ExpectedSideEffects,
		Plan:                opts.Plan,
		Metadata:            opts.Metadata,
	}
	if opts.RollbackStrategy != "" {
		in.RollbackStrategy = &opts.RollbackStrategy
	}

	profile, err := p.Store.GetRepoProfile(ctx, in.Repo())
	if err != nil {
		return domain.Intent{}, err
	}
	in.Classification = p.Classifier.Classify(in, profile)

	created, err := p.Store.Create(ctx, in)
	if err != nil {
		return domain.Intent{}, err
	}

	switch p.Rules.Evaluate(created) {
	case rules.Allow:
		return p.transition(ctx, created.ID, lifecycle.StateApproved, PolicyActor, "auto-approved by gate rule")
	case rules.Deny:
		return p.transition(ctx, created.ID, lifecycle.StateRejected, PolicyActor, "denied by gate rule")
	default:
		return created, nil
	}
}

// Approve moves an awaiting intent to approved on behalf of actor.
func (p *Pipeline) Approve(ctx context.Context, id, actor string) (domain.Intent, error) {
	return p.transition(ctx, id, lifecycle.StateApproved, actor, "approved")
}

func (p *Pipeline) Reject(ctx context.Context, id, actor, reason string) (domain.Intent, error) {
	if reason == "" {
		reason = "rejected"
	}
	return p.transition(ctx, id, lifecycle.StateRejected, actor, reason)
}

func (p *Pipeline) Cancel(ctx context.Context, id, actor, reason string) (domain.Intent, error) {
	if reason == "" {
		reason = "canceled"
	}
	return p.transition(ctx, id, lifecycle.StateCanceled, actor, reason)
}

// Start marks an approved intent as running under an executor.
func (p *Pipeline) Start(ctx context.Context, id, actor string) (domain.Intent, error) {
	return p.transition(ctx, id, lifecycle.StateRunning, actor, "execution started")
}

func (p *Pipeline) transition(ctx context.Context, id, state, actor, reason string) (domain.Intent, error) {
	if actor == "" {
		return domain.Intent{}, errors.New("actor is required")
	}
	return p.Store.Update(ctx, id, store.Changes{State: &state, Actor: actor, Reason: reason})
}

// ResultOptions report an execution outcome back into the store.
type ResultOptions struct {
	State           string
	Actor           string
	Reason          string
	BlockedReason   string
	PendingQuestion string
	RunID           string
	Artifacts       []domain.ArtifactLink
}

var resultStates = map[string]bool{
	lifecycle.StateRunning:         true,
	lifecycle.StateCompleted:       true,
	lifecycle.StateFailed:          true,
	lifecycle.StateBlocked:         true,
	lifecycle.StateWaitingForInput: true,
}

// ReportResult is the capability-executor entry point: it transitions the
// intent and registers every artifact the execution produced, correlating
// them to the intent and run.
func (p *Pipeline) ReportResult(ctx context.Context, id string, opts ResultOptions) (domain.Intent, error) {
	if !resultStates[opts.State] {
		return domain.Intent{}, fmt.Errorf("state %q is not an execution result", opts.State)
	}
	actor := opts.Actor
	if actor == "" {
		actor = "executor"
	}
	ch := store.Changes{State: &opts.State, Actor: actor, Reason: opts.Reason}
	if opts.BlockedReason != "" {
		ch.BlockedReason = &opts.BlockedReason
	}
	if opts.PendingQuestion != "" {
		ch.PendingQuestion = &opts.PendingQuestion
	}
	updated, err := p.Store.Update(ctx, id, ch)
	if err != nil {
		return domain.Intent{}, err
	}
	for _, link := range opts.Artifacts {
		link.IntentID = id
		if link.RunID == nil && opts.RunID != "" {
			runID := opts.RunID
			link.RunID = &runID
		}
		registered, err := p.Registry.Register(ctx, link)
		if err != nil {
			p.logger().Printf("pipeline: register artifact %s/%s for %s failed: %v", link.Kind, link.Ref, id, err)
			continue
		}
		if updated, err = p.Store.AddArtifact(ctx, id, map[string]any{
			"kind": registered.Kind,
			"ref":  registered.Ref,
			"url":  registered.URL,
			"role": registered.Role,
		}); err != nil {
			return domain.Intent{}, err
		}
	}
	return updated, nil
}
