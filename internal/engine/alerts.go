package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fleetradar/internal/domain"
	"fleetradar/internal/notify"
	"fleetradar/internal/sla"
)

// onWarning persists a warning insight and notifies the delivery
// collaborators. It fires for WARNING and CRITICAL alike, so a critical
// transition records both the warning and the escalation. Insight persistence
// failures are logged and do not abort the pipeline.
func (e Engine) onWarning(ctx context.Context, p domain.Process, eval sla.Evaluation) {
	insight := domain.Insight{
		ID:         uuid.New().String(),
		Type:       domain.InsightAlert,
		Confidence: 0.8,
		Message:    fmt.Sprintf("Process %s is at %.2f%% of SLA", p.ID, eval.Percentage),
		ProcessID:  p.ID,
		Timestamp:  e.now(),
	}
	if err := e.Repo.InsertInsight(ctx, insight); err != nil {
		e.Log.Error("alert insight not persisted", "event", "webhook.error",
			"process_id", p.ID, "error", err)
	}
	e.Log.Warn("alert generated", "event", "alert.generated",
		"process_id", p.ID, "stage", p.CurrentStage,
		"sla_percentage", eval.Percentage, "message", insight.Message)
	e.Notifier.AlertRaised(notify.Alert{
		ProcessID:     p.ID,
		Stage:         p.CurrentStage,
		SLAPercentage: eval.Percentage,
		Message:       insight.Message,
		Timestamp:     insight.Timestamp,
	})
}

// onCritical persists the escalation insight and raises a high-severity
// alert. The caller has already marked the process FAILED.
func (e Engine) onCritical(ctx context.Context, p domain.Process, eval sla.Evaluation) {
	insight := domain.Insight{
		ID:         uuid.New().String(),
		Type:       domain.InsightAlert,
		Confidence: 1.0,
		Message:    fmt.Sprintf("Process %s has exceeded SLA and requires immediate attention", p.ID),
		ProcessID:  p.ID,
		Timestamp:  e.now(),
	}
	if err := e.Repo.InsertInsight(ctx, insight); err != nil {
		e.Log.Error("escalation insight not persisted", "event", "webhook.error",
			"process_id", p.ID, "error", err)
	}
	e.Log.Error("process escalated", "event", "process.escalated",
		"process_id", p.ID, "stage", p.CurrentStage, "message", insight.Message)
	e.Notifier.AlertRaised(notify.Alert{
		ProcessID:     p.ID,
		Stage:         p.CurrentStage,
		SLAPercentage: eval.Percentage,
		Message:       insight.Message,
		Severity:      "high",
		Timestamp:     insight.Timestamp,
	})
}
