package server

import (
	"warden/internal/domain"
)

// Request payloads

type ProposeIntentRequest struct {
	ID                  string            `json:"id,omitempty"`
	Kind                string            `json:"kind" enum:"action,inquiry,maintenance,task,health_detect,health_remediate"`
	Source              domain.Source     `json:"source"`
	Summary             string            `json:"summary"`
	Payload             map[string]any    `json:"payload,omitempty"`
	AffectedResources   []string          `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string          `json:"expected_side_effects,omitempty"`
	RollbackStrategy    *string           `json:"rollback_strategy,omitempty"`
	Plan                []domain.PlanStep `json:"plan,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
}

type TransitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type UpdateIntentRequest struct {
	Summary  *string        `json:"summary,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Rejected once the intent leaves awaiting_approval.
	Payload             map[string]any    `json:"payload,omitempty"`
	AffectedResources   []string          `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string          `json:"expected_side_effects,omitempty"`
	RollbackStrategy    *string           `json:"rollback_strategy,omitempty"`
	Plan                []domain.PlanStep `json:"plan,omitempty"`
}

type ArtifactInput struct {
	Kind string `json:"kind" enum:"issue,pull_request,branch,commit"`
	Ref  string `json:"ref"`
	URL  string `json:"url,omitempty"`
	Role string `json:"role,omitempty" enum:"governance,output,input,related"`
}

type ReportResultRequest struct {
	State           string          `json:"state" enum:"running,completed,failed,blocked,waiting_for_input"`
	Reason          string          `json:"reason,omitempty"`
	BlockedReason   string          `json:"blocked_reason,omitempty"`
	PendingQuestion string          `json:"pending_question,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	Artifacts       []ArtifactInput `json:"artifacts,omitempty"`
}

type PlanStepRequest struct {
	Status string `json:"status" enum:"pending,running,done,failed,skipped"`
	Output string `json:"output,omitempty"`
}

type RegisterArtifactRequest struct {
	IntentID string  `json:"intent_id"`
	RunID    *string `json:"run_id,omitempty"`
	Kind     string  `json:"kind" enum:"issue,pull_request,branch,commit"`
	Ref      string  `json:"ref"`
	URL      string  `json:"url,omitempty"`
	Role     string  `json:"role,omitempty" enum:"governance,output,input,related"`
}

// Response payloads. Domain types are wire-shaped already; listing
// envelopes keep array responses extensible.

type IntentListResponse struct {
	Items []domain.Intent `json:"items"`
}

type ArtifactListResponse struct {
	Items []domain.ArtifactLink `json:"items"`
}

type HistoryResponse struct {
	Items []domain.TransitionRecord `json:"items"`
}

type ProfileListResponse struct {
	Items []domain.RepoProfile `json:"items"`
}

type SummaryListResponse struct {
	Items []domain.IntentSummary `json:"items"`
}

type RemediationListResponse struct {
	Items []domain.RemediationHistoryEntry `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

func artifactLinks(inputs []ArtifactInput) []domain.ArtifactLink {
	out := make([]domain.ArtifactLink, 0, len(inputs))
	for _, a := range inputs {
		out = append(out, domain.ArtifactLink{
			Kind: a.Kind,
			Ref:  a.Ref,
			URL:  a.URL,
			Role: a.Role,
		})
	}
	return out
}
