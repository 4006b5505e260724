// Package patchlinesdk is a minimal client for the Patchline read API.
package patchlinesdk

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

// Client talks to a Patchline server.
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

// RunSummary mirrors the API run summary model.
type RunSummary struct {
	WorkItemID        string   `json:"work_item_id"`
	RepoName          string   `json:"repo_name"`
	TaskRaw           string   `json:"task_raw"`
	TicketTitle       string   `json:"ticket_title"`
	DomainTags        []string `json:"domain_tags,omitempty"`
	RiskLevel         string   `json:"risk_level"`
	FinalStatus       string   `json:"final_status"`
	ImplementAttempts int      `json:"implement_attempts"`
	TestExitCode      *int     `json:"test_exit_code,omitempty"`
	FailureMode       string   `json:"failure_mode,omitempty"`
	CompletedAt       string   `json:"completed_at"`
	RunDir            string   `json:"run_dir"`
}

// CommandRun is one recorded verification command.
type CommandRun struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
}

// Evidence is the verification record of a run.
type Evidence struct {
	TestRuns []CommandRun `json:"test_runs,omitempty"`
	LintRuns []CommandRun `json:"lint_runs,omitempty"`
	Notes    []string     `json:"notes,omitempty"`
}

// DecisionLogEntry is one recorded workflow decision.
type DecisionLogEntry struct {
	Event   string         `json:"event"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details,omitempty"`
}

// AuditEvent is one hash-chained audit record.
type AuditEvent struct {
	Timestamp    string         `json:"timestamp"`
	WorkItemID   string         `json:"work_item_id"`
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
}

// AuditChain is a run's audit log plus its verification result.
type AuditChain struct {
	Events   []AuditEvent `json:"events"`
	Verified bool         `json:"verified"`
}

// Stats aggregates run history.
type Stats struct {
	TotalRuns      int            `json:"total_runs"`
	SuccessfulRuns int            `json:"successful_runs"`
	SuccessRate    float64        `json:"success_rate"`
	AvgAttempts    float64        `json:"avg_attempts"`
	FailureModes   map[string]int `json:"failure_modes,omitempty"`
}

// RunsFilter narrows Runs listings. Zero values mean "any".
type RunsFilter struct {
	Repo        string
	Status      string
	FailureMode string
	Limit       int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil)
}

// Runs lists run summaries.
func (c *Client) Runs(ctx context.Context, f RunsFilter) ([]RunSummary, error) {
	q := url.Values{}
	if f.Repo != "" {
		q.Set("repo", f.Repo)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.FailureMode != "" {
		q.Set("failure_mode", f.FailureMode)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out []RunSummary
	err := c.do(ctx, http.MethodGet, endpoint, &out)
	return out, err
}

// Run fetches one run summary.
func (c *Client) Run(ctx context.Context, workItemID string) (RunSummary, error) {
	var out RunSummary
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(workItemID), &out)
	return out, err
}

// RunEvidence fetches the evidence recorded for a run.
func (c *Client) RunEvidence(ctx context.Context, workItemID string) (Evidence, error) {
	var out Evidence
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(workItemID)+"/evidence", &out)
	return out, err
}

// RunDecisions fetches the decision log for a run.
func (c *Client) RunDecisions(ctx context.Context, workItemID string) ([]DecisionLogEntry, error) {
	var out []DecisionLogEntry
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(workItemID)+"/decisions", &out)
	return out, err
}

// RunAudit fetches the audit chain for a run.
func (c *Client) RunAudit(ctx context.Context, workItemID string) (AuditChain, error) {
	var out AuditChain
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(workItemID)+"/audit", &out)
	return out, err
}

// Stats fetches aggregate run statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, &bytes.Buffer{})
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
