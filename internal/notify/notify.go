package notify

import (
	"time"

	"fleetradar/internal/domain"
)

// Event names carried to delivery collaborators.
const (
	EventProcessUpdate = "process:update"
	EventAlert         = "alert:new"
	EventInsight       = "ai:insight"
)

// Alert is the payload of an alert-raised notification.
type Alert struct {
	ProcessID     string       `json:"process_id"`
	Stage         domain.Stage `json:"stage"`
	SLAPercentage float64      `json:"sla_percentage"`
	Message       string       `json:"message"`
	Severity      string       `json:"severity,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// PredictionEvent is the payload of a prediction-generated notification.
type PredictionEvent struct {
	ProcessID  string            `json:"process_id"`
	Prediction domain.Prediction `json:"prediction"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Notifier fans updates out to delivery collaborators. Delivery is
// fire-and-forget: implementations never block the caller on confirmation
// and never return errors.
type Notifier interface {
	ProcessUpdated(p domain.Process)
	AlertRaised(a Alert)
	PredictionGenerated(e PredictionEvent)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) ProcessUpdated(domain.Process)       {}
func (Nop) AlertRaised(Alert)                   {}
func (Nop) PredictionGenerated(PredictionEvent) {}

// Multi forwards each notification to every wrapped notifier.
type Multi []Notifier

func (m Multi) ProcessUpdated(p domain.Process) {
	for _, n := range m {
		n.ProcessUpdated(p)
	}
}

func (m Multi) AlertRaised(a Alert) {
	for _, n := range m {
		n.AlertRaised(a)
	}
}

func (m Multi) PredictionGenerated(e PredictionEvent) {
	for _, n := range m {
		n.PredictionGenerated(e)
	}
}
