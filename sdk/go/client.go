package fleetradarsdk

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

// Client is a minimal Fleetradar HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// MaintenanceEvent is the inbound webhook payload.
type MaintenanceEvent struct {
	Event    string               `json:"event"`
	Data     MaintenanceEventData `json:"data"`
	Severity string               `json:"severity,omitempty"`
}

type MaintenanceEventData struct {
	ProcessID string         `json:"processId"`
	VehicleID string         `json:"vehicleId"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Prediction is a completion-time estimate.
type Prediction struct {
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

// WebhookResult summarizes one accepted event.
type WebhookResult struct {
	Success      bool       `json:"success"`
	ProcessID    string     `json:"process_id"`
	CurrentStage string     `json:"current_stage"`
	Prediction   Prediction `json:"prediction"`
}

// StageWindow is one stage's timing record.
type StageWindow struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	SLA       int        `json:"sla"`
}

// Process represents the API process model.
type Process struct {
	ID                      string                 `json:"id"`
	Title                   string                 `json:"title"`
	Type                    string                 `json:"type"`
	VehicleID               string                 `json:"vehicle_id"`
	CurrentStage            string                 `json:"current_stage"`
	Status                  string                 `json:"status"`
	Stages                  map[string]StageWindow `json:"stages"`
	PredictedCompletionTime *time.Time             `json:"predicted_completion_time,omitempty"`
	RiskScore               *float64               `json:"risk_score,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
}

// Insight is an immutable prediction or alert record.
type Insight struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Message    string    `json:"message"`
	ProcessID  string    `json:"process_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// PageMeta describes one page of a listing.
type PageMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

// ProcessPage is one page of processes, each with recent insights.
type ProcessPage struct {
	Data []struct {
		Process
		Insights []Insight `json:"insights"`
	} `json:"data"`
	Meta PageMeta `json:"meta"`
}

// InsightPage is one page of insights.
type InsightPage struct {
	Data []Insight `json:"data"`
	Meta PageMeta  `json:"meta"`
}

// Metrics are the dashboard counters.
type Metrics struct {
	TotalProcesses     int     `json:"total_processes"`
	ActiveProcesses    int     `json:"active_processes"`
	CompletedProcesses int     `json:"completed_processes"`
	OverdueProcesses   int     `json:"overdue_processes"`
	CompletionRate     float64 `json:"completion_rate"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendMaintenanceEvent posts one maintenance event.
func (c *Client) SendMaintenanceEvent(ctx context.Context, ev MaintenanceEvent) (WebhookResult, error) {
	var resp WebhookResult
	err := c.do(ctx, http.MethodPost, "v0/webhooks/maintenance", ev, &resp)
	return resp, err
}

// Processes returns one page of processes, optionally filtered by status.
func (c *Client) Processes(ctx context.Context, status string, page, limit int) (ProcessPage, error) {
	endpoint := "v0/processes" + listQuery(status, page, limit)
	var resp ProcessPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Process fetches a process by id.
func (c *Client) Process(ctx context.Context, id string) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodGet, "v0/processes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Insights returns one page of insights.
func (c *Client) Insights(ctx context.Context, page, limit int) (InsightPage, error) {
	var resp InsightPage
	err := c.do(ctx, http.MethodGet, "v0/insights"+listQuery("", page, limit), nil, &resp)
	return resp, err
}

// Alerts returns one page of alert insights.
func (c *Client) Alerts(ctx context.Context, page, limit int) (InsightPage, error) {
	var resp InsightPage
	err := c.do(ctx, http.MethodGet, "v0/alerts"+listQuery("", page, limit), nil, &resp)
	return resp, err
}

// Metrics returns the dashboard counters.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "v0/metrics", nil, &resp)
	return resp, err
}

func listQuery(status string, page, limit int) string {
	values := url.Values{}
	if status != "" {
		values.Set("status", status)
	}
	if page > 0 {
		values.Set("page", fmt.Sprint(page))
	}
	if limit > 0 {
		values.Set("limit", fmt.Sprint(limit))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
