package server

import (
	"sort"
	"time"

	"fleetradar/internal/domain"
)

// MaintenanceWebhookRequest mirrors the upstream fleet system's payload; the
// camelCase field names are its contract, not ours.
type MaintenanceWebhookRequest struct {
	Event    string               `json:"event" doc:"Maintenance event kind, e.g. maintenance.created"`
	Data     MaintenanceEventData `json:"data"`
	Severity string               `json:"severity,omitempty" enum:"low,medium,high"`
}

type MaintenanceEventData struct {
	ProcessID string         `json:"processId" minLength:"1"`
	VehicleID string         `json:"vehicleId" minLength:"1"`
	Type      string         `json:"type" enum:"preventive,corrective,emergency"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type WebhookResponse struct {
	Success      bool              `json:"success"`
	ProcessID    string            `json:"process_id"`
	CurrentStage domain.Stage      `json:"current_stage" enum:"R,I,D,E,C"`
	Prediction   domain.Prediction `json:"prediction"`
}

type PageMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

type ProcessWithInsights struct {
	domain.Process
	Insights []domain.Insight `json:"insights"`
}

type ProcessListResponse struct {
	Data []ProcessWithInsights `json:"data"`
	Meta PageMeta              `json:"meta"`
}

// StageProgress reports how far the active stage is into its budget.
type StageProgress struct {
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	SLAPercentage    float64 `json:"sla_percentage"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

type ProcessDetailResponse struct {
	domain.Process
	Insights         []domain.Insight `json:"insights"`
	CurrentStageInfo StageProgress    `json:"current_stage_info"`
}

type InsightListResponse struct {
	Data []domain.Insight `json:"data"`
	Meta PageMeta         `json:"meta"`
}

// TimelineEvent is one entry in a process history: a stage boundary or an
// insight.
type TimelineEvent struct {
	Type            string             `json:"type" enum:"stage_started,stage_completed,ai_insight"`
	Stage           domain.Stage       `json:"stage,omitempty"`
	Timestamp       time.Time          `json:"timestamp" format:"date-time"`
	Description     string             `json:"description"`
	DurationSeconds *float64           `json:"duration_seconds,omitempty"`
	InsightType     domain.InsightType `json:"insight_type,omitempty"`
	Confidence      *float64           `json:"confidence,omitempty"`
}

type TimelineResponse struct {
	ProcessID string          `json:"process_id"`
	Events    []TimelineEvent `json:"events"`
}

type MetricsResponse struct {
	TotalProcesses     int     `json:"total_processes"`
	ActiveProcesses    int     `json:"active_processes"`
	CompletedProcesses int     `json:"completed_processes"`
	OverdueProcesses   int     `json:"overdue_processes"`
	CompletionRate     float64 `json:"completion_rate"`
}

func normalizePage(page, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	return page, limit, (page - 1) * limit
}

func pageMeta(total, page, limit int) PageMeta {
	pages := total / limit
	if total%limit != 0 {
		pages++
	}
	return PageMeta{Total: total, Page: page, Limit: limit, TotalPages: pages}
}

// stageProgress measures the current stage window against its budget. Unlike
// the SLA check in the engine it also reports on closed windows, so a process
// whose last stage has ended still shows its final numbers.
func stageProgress(p domain.Process, now time.Time) StageProgress {
	window, ok := p.Stages[p.CurrentStage]
	if !ok || window.StartTime == nil {
		return StageProgress{RemainingSeconds: float64(window.SLASeconds)}
	}
	end := now
	if window.EndTime != nil {
		end = *window.EndTime
	}
	elapsed := end.Sub(*window.StartTime).Seconds()
	progress := StageProgress{
		ElapsedSeconds:   elapsed,
		RemainingSeconds: float64(window.SLASeconds) - elapsed,
	}
	if window.SLASeconds > 0 {
		progress.SLAPercentage = elapsed / float64(window.SLASeconds) * 100
	}
	return progress
}

// timeline flattens stage windows and insights into one chronological list.
func timeline(p domain.Process, order []domain.Stage, insights []domain.Insight) []TimelineEvent {
	events := []TimelineEvent{}
	for _, s := range order {
		window, ok := p.Stages[s]
		if !ok || window.StartTime == nil {
			continue
		}
		events = append(events, TimelineEvent{
			Type:        "stage_started",
			Stage:       s,
			Timestamp:   *window.StartTime,
			Description: "Stage " + string(s) + " started",
		})
		if window.EndTime != nil {
			duration := window.EndTime.Sub(*window.StartTime).Seconds()
			events = append(events, TimelineEvent{
				Type:            "stage_completed",
				Stage:           s,
				Timestamp:       *window.EndTime,
				Description:     "Stage " + string(s) + " completed",
				DurationSeconds: &duration,
			})
		}
	}
	for _, in := range insights {
		confidence := in.Confidence
		events = append(events, TimelineEvent{
			Type:        "ai_insight",
			Timestamp:   in.Timestamp,
			Description: in.Message,
			InsightType: in.Type,
			Confidence:  &confidence,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}
