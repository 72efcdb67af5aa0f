package wardensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Warden HTTP API client for sprites and executors.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Intent represents the API intent model (partial).
type Intent struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Summary         string         `json:"summary"`
	Classification  string         `json:"classification"`
	State           string         `json:"state"`
	Payload         map[string]any `json:"payload,omitempty"`
	BlockedReason   *string        `json:"blocked_reason,omitempty"`
	PendingQuestion *string        `json:"pending_question,omitempty"`
	InsertedAt      string         `json:"inserted_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// ArtifactLink represents a registered artifact correlation.
type ArtifactLink struct {
	ID       int64   `json:"id"`
	IntentID string  `json:"intent_id"`
	RunID    *string `json:"run_id,omitempty"`
	Kind     string  `json:"kind"`
	Ref      string  `json:"ref"`
	URL      string  `json:"url,omitempty"`
	Role     string  `json:"role"`
}

// Artifact is declared when reporting a result.
type Artifact struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
	URL  string `json:"url,omitempty"`
	Role string `json:"role,omitempty"`
}

// ProposeOptions describes a new intent proposal.
type ProposeOptions struct {
	Kind                string         `json:"kind"`
	Source              Source         `json:"source"`
	Summary             string         `json:"summary"`
	Payload             map[string]any `json:"payload,omitempty"`
	AffectedResources   []string       `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string       `json:"expected_side_effects,omitempty"`
	RollbackStrategy    *string        `json:"rollback_strategy,omitempty"`
}

type Source struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Result reports an execution outcome.
type Result struct {
	State           string     `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	BlockedReason   string     `json:"blocked_reason,omitempty"`
	PendingQuestion string     `json:"pending_question,omitempty"`
	RunID           string     `json:"run_id,omitempty"`
	Artifacts       []Artifact `json:"artifacts,omitempty"`
}

// RemediationEntry is one remediation controller decision.
type RemediationEntry struct {
	DetectIntentID    string `json:"detect_intent_id"`
	RemediateIntentID string `json:"remediate_intent_id"`
	Severity          string `json:"severity"`
	AutoApproved      bool   `json:"auto_approved"`
	CreatedAt         string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Propose submits a new intent and returns it with its gate outcome applied.
func (c *Client) Propose(ctx context.Context, opts ProposeOptions) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodPost, "v0/intents", opts, &resp)
	return resp, err
}

// Get fetches an intent by id.
func (c *Client) Get(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodGet, "v0/intents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Start marks an approved intent as running.
func (c *Client) Start(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodPost, "v0/intents/"+url.PathEscape(id)+"/start", map[string]any{}, &resp)
	return resp, err
}

// ReportResult reports the outcome of executing an intent.
func (c *Client) ReportResult(ctx context.Context, id string, res Result) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodPost, "v0/intents/"+url.PathEscape(id)+"/result", res, &resp)
	return resp, err
}

// RegisterArtifact links an external artifact to an intent.
func (c *Client) RegisterArtifact(ctx context.Context, link ArtifactLink) (ArtifactLink, error) {
	var resp ArtifactLink
	err := c.do(ctx, http.MethodPost, "v0/artifacts", link, &resp)
	return resp, err
}

// Remediations returns the remediation controller history, most recent first.
func (c *Client) Remediations(ctx context.Context) ([]RemediationEntry, error) {
	var resp struct {
		Items []RemediationEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/remediations", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
