package domain

// Intent kinds.
const (
	KindAction          = "action"
	KindInquiry         = "inquiry"
	KindMaintenance     = "maintenance"
	KindTask            = "task"
	KindHealthDetect    = "health_detect"
	KindHealthRemediate = "health_remediate"
)

// Risk classifications assigned by the classifier.
const (
	ClassSafe       = "safe"
	ClassControlled = "controlled"
	ClassDangerous  = "dangerous"
)

// Source origin types.
const (
	SourceSprite   = "sprite"
	SourceOperator = "operator"
	SourceSystem   = "system"
)

type Source struct {
	Type string `json:"type" enum:"sprite,operator,system"`
	ID   string `json:"id"`
}

type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"pending,running,done,failed,skipped"`
	Output      string `json:"output,omitempty"`
}

type TransitionRecord struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at" format:"date-time"`
}

type Intent struct {
	ID                  string             `json:"id"`
	Kind                string             `json:"kind" enum:"action,inquiry,maintenance,task,health_detect,health_remediate"`
	Source              Source             `json:"source"`
	Summary             string             `json:"summary"`
	Payload             map[string]any     `json:"payload,omitempty"`
	Classification      string             `json:"classification" enum:"safe,controlled,dangerous"`
	State               string             `json:"state" enum:"awaiting_approval,approved,running,blocked,waiting_for_input,completed,failed,rejected,canceled"`
	AffectedResources   []string           `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string           `json:"expected_side_effects,omitempty"`
	RollbackStrategy    *string            `json:"rollback_strategy,omitempty"`
	BlockedReason       *string            `json:"blocked_reason,omitempty"`
	PendingQuestion     *string            `json:"pending_question,omitempty"`
	Plan                []PlanStep         `json:"plan,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty"`
	TransitionLog       []TransitionRecord `json:"transition_log,omitempty"`
	InsertedAt          string             `json:"inserted_at" format:"date-time"`
	UpdatedAt           string             `json:"updated_at" format:"date-time"`
}

// Repo returns the repository the intent targets, taken from the payload.
func (i Intent) Repo() string {
	if i.Payload == nil {
		return ""
	}
	if repo, ok := i.Payload["repo"].(string); ok {
		return repo
	}
	return ""
}

// ArtifactLink correlates an external side effect (issue, PR, branch,
// commit) to the intent and optionally the run that produced it. Links are
// immutable; corrections are new links.
type ArtifactLink struct {
	ID        int64   `json:"id"`
	IntentID  string  `json:"intent_id"`
	RunID     *string `json:"run_id,omitempty"`
	Kind      string  `json:"kind" enum:"issue,pull_request,branch,commit"`
	Ref       string  `json:"ref"`
	URL       string  `json:"url,omitempty"`
	Role      string  `json:"role" enum:"governance,output,input,related"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// RepoProfile is per-repository policy configuration consulted on every
// gating decision. A repo without a stored profile behaves as the zero value.
type RepoProfile struct {
	Repo             string         `json:"repo"`
	TestCommands     []string       `json:"test_commands,omitempty"`
	BranchConvention string         `json:"branch_convention,omitempty"`
	CIChecks         []string       `json:"ci_checks,omitempty"`
	RiskZones        []string       `json:"risk_zones,omitempty"`
	DocPaths         []string       `json:"doc_paths,omitempty"`
	AutoApprovePaths []string       `json:"auto_approve_paths,omitempty"`
	Settings         map[string]any `json:"settings,omitempty"`
}

type RemediationHistoryEntry struct {
	DetectIntentID    string `json:"detect_intent_id"`
	RemediateIntentID string `json:"remediate_intent_id"`
	Severity          string `json:"severity"`
	AutoApproved      bool   `json:"auto_approved"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// IntentSummary aggregates intent outcomes for one repo or sprite.
type IntentSummary struct {
	Repo        string         `json:"repo,omitempty"`
	Sprite      string         `json:"sprite,omitempty"`
	Total       int            `json:"total"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	ByKind      map[string]int `json:"by_kind"`
	ByState     map[string]int `json:"by_state"`
	SuccessRate float64        `json:"success_rate"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	IntentID string `json:"intent_id,omitempty"`
	Actor    string `json:"actor"`
	Payload  string `json:"payload_json"`
}
