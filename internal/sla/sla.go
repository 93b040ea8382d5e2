package sla

import (
	"time"

	"fleetradar/internal/domain"
)

// Level classifies how much of a stage's time budget has been consumed.
type Level string

const (
	LevelOK       Level = "OK"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Thresholds in percent of the stage SLA. Warning implies the alert path;
// critical additionally escalates.
const (
	WarningThreshold  = 80.0
	CriticalThreshold = 100.0
)

// Evaluation is the outcome of one SLA check on the active stage.
type Evaluation struct {
	Stage            domain.Stage
	ElapsedSeconds   float64
	RemainingSeconds float64
	Percentage       float64
	Level            Level
}

// Evaluate measures the currently active stage of p against its SLA budget.
// The check is event-triggered: it runs once per webhook on the stage that
// just became active, never on a timer. A stage with no start time yields OK
// with zero elapsed time.
func Evaluate(p domain.Process, now time.Time) Evaluation {
	eval := Evaluation{Stage: p.CurrentStage, Level: LevelOK}
	window, ok := p.Stages[p.CurrentStage]
	if !ok || window.StartTime == nil || window.EndTime != nil {
		return eval
	}
	eval.ElapsedSeconds = now.Sub(*window.StartTime).Seconds()
	eval.RemainingSeconds = float64(window.SLASeconds) - eval.ElapsedSeconds
	if window.SLASeconds > 0 {
		eval.Percentage = eval.ElapsedSeconds / float64(window.SLASeconds) * 100
	}
	switch {
	case eval.Percentage >= CriticalThreshold:
		eval.Level = LevelCritical
	case eval.Percentage >= WarningThreshold:
		eval.Level = LevelWarning
	}
	return eval
}
