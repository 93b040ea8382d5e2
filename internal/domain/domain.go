package domain

import "time"

// Stage is one of the five ordered phases a maintenance process passes
// through: Receive, Identify, Decide, Execute, Conclude.
type Stage string

const (
	StageReceive  Stage = "R"
	StageIdentify Stage = "I"
	StageDecide   Stage = "D"
	StageExecute  Stage = "E"
	StageConclude Stage = "C"
)

type ProcessStatus string

const (
	StatusPending   ProcessStatus = "PENDING"
	StatusCompleted ProcessStatus = "COMPLETED"
	StatusFailed    ProcessStatus = "FAILED"
)

type InsightType string

const (
	InsightPrediction InsightType = "prediction"
	InsightAlert      InsightType = "alert"
)

// StageWindow records when a process entered and left one stage, plus the
// time budget allotted to it. SLASeconds is seeded at creation and never
// changes afterwards.
type StageWindow struct {
	StartTime  *time.Time `json:"start_time,omitempty" format:"date-time"`
	EndTime    *time.Time `json:"end_time,omitempty" format:"date-time"`
	SLASeconds int        `json:"sla"`
}

// Process is the unit of work. The ID equals the upstream process identifier
// carried by the first webhook event; it is never generated locally.
type Process struct {
	ID                      string                `json:"id"`
	Title                   string                `json:"title"`
	Type                    string                `json:"type"`
	VehicleID               string                `json:"vehicle_id"`
	CurrentStage            Stage                 `json:"current_stage" enum:"R,I,D,E,C"`
	Status                  ProcessStatus         `json:"status" enum:"PENDING,COMPLETED,FAILED"`
	Stages                  map[Stage]StageWindow `json:"stages"`
	PredictedCompletionTime *time.Time            `json:"predicted_completion_time,omitempty" format:"date-time"`
	RiskScore               *float64              `json:"risk_score,omitempty"`
	CreatedAt               time.Time             `json:"created_at" format:"date-time"`
}

// Insight is an immutable record of a prediction, warning, or escalation
// tied to a process. Created and appended only.
type Insight struct {
	ID         string      `json:"id"`
	Type       InsightType `json:"type" enum:"prediction,alert"`
	Confidence float64     `json:"confidence"`
	Message    string      `json:"message"`
	ProcessID  string      `json:"process_id"`
	Timestamp  time.Time   `json:"timestamp" format:"date-time"`
}

// Prediction is the outcome of one prediction call, merged into the process
// record and echoed in the webhook response.
type Prediction struct {
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}
