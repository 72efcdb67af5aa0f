package remediator

import (
	"context"
	"log"
	"sync"
	"time"

	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/lifecycle"
	"warden/internal/pipeline"
)

// Actor used when the controller self-approves a remediation.
const Actor = "health_remediator"

const defaultHistoryLimit = 512

var knownSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Controller watches store mutations for approved health_detect intents and
// proposes a correlated health_remediate intent for each, self-approving
// when the detected severity is configured for automation. Downstream
// failures are logged and dropped; the controller's liveness outranks
// completeness of remediation.
type Controller struct {
	Pipeline       *pipeline.Pipeline
	AutoSeverities []string
	HistoryLimit   int
	Now            func() time.Time
	Logger         *log.Logger

	mu      sync.Mutex
	history []domain.RemediationHistoryEntry
}

func New(p *pipeline.Pipeline, autoSeverities []string, historyLimit int) *Controller {
	if len(autoSeverities) == 0 {
		autoSeverities = []string{"critical"}
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Controller{
		Pipeline:       p,
		AutoSeverities: autoSeverities,
		HistoryLimit:   historyLimit,
		Now:            time.Now,
	}
}

func (c *Controller) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run consumes bus messages until the context is canceled or the channel
// closes. Subscribe to events.TopicIntents before any detector can write so
// no approval is missed.
func (c *Controller) Run(ctx context.Context, msgs <-chan events.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if !c.relevant(msg) {
				continue
			}
			c.Handle(ctx, msg.Intent)
		}
	}
}

// relevant filters for a health_detect intent entering approved. Only
// creation and transition messages count: a steady-state field update on an
// already-approved intent must not re-fire the loop.
func (c *Controller) relevant(msg events.Message) bool {
	if msg.Type != "intent.created" && msg.Type != "intent.transitioned" {
		return false
	}
	return msg.Intent.Kind == domain.KindHealthDetect && msg.Intent.State == lifecycle.StateApproved
}

// Handle proposes a remediation for one approved detection.
func (c *Controller) Handle(ctx context.Context, detect domain.Intent) {
	severity := severityFrom(detect.Payload)

	payload := map[string]any{
		"detect_intent_id": detect.ID,
		"severity":         severity,
		"original_summary": detect.Summary,
	}
	if obs, ok := detect.Payload["observation"]; ok {
		payload["observation"] = obs
	}
	if repo := detect.Repo(); repo != "" {
		payload["repo"] = repo
	}

	proposed, err := c.Pipeline.Propose(ctx, pipeline.ProposeOptions{
		Kind:              domain.KindHealthRemediate,
		Source:            domain.Source{Type: domain.SourceSystem, ID: Actor},
		Summary:           "Remediate: " + detect.Summary,
		Payload:           payload,
		AffectedResources: detect.AffectedResources,
	})
	if err != nil {
		c.logger().Printf("remediator: propose remediation for %s failed: %v", detect.ID, err)
		return
	}

	autoApproved := false
	if proposed.State == lifecycle.StateAwaitingApproval && c.autoSeverity(severity) {
		approved, err := c.Pipeline.Approve(ctx, proposed.ID, Actor)
		if err != nil {
			c.logger().Printf("remediator: auto-approve %s failed, leaving awaiting approval: %v", proposed.ID, err)
		} else {
			proposed = approved
			autoApproved = true
		}
	}

	c.record(domain.RemediationHistoryEntry{
		DetectIntentID:    detect.ID,
		RemediateIntentID: proposed.ID,
		Severity:          severity,
		AutoApproved:      autoApproved,
		CreatedAt:         c.now().UTC().Format(time.RFC3339),
	})
}

func (c *Controller) autoSeverity(severity string) bool {
	for _, s := range c.AutoSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

func (c *Controller) record(entry domain.RemediationHistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]domain.RemediationHistoryEntry{entry}, c.history...)
	if len(c.history) > c.HistoryLimit {
		c.history = c.history[:c.HistoryLimit]
	}
}

// History returns the in-memory remediation log, most recent first.
func (c *Controller) History() []domain.RemediationHistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RemediationHistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

// severityFrom reads the detection severity, defaulting to high: a garbled
// severity must never crash the loop, and under-escalating is the safer
// failure mode for automation.
func severityFrom(payload map[string]any) string {
	v, ok := payload["severity"].(string)
	if !ok || !knownSeverities[v] {
		return "high"
	}
	return v
}
