package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"fleetradar/internal/cache"
	"fleetradar/internal/domain"
	"fleetradar/internal/notify"
	"fleetradar/internal/predict"
	"fleetradar/internal/repo"
	"fleetradar/internal/sla"
	"fleetradar/internal/stage"
	"fleetradar/internal/store"
)

// MaintenanceEvent is the transient representation of one inbound trigger.
// It exists only for the duration of a single orchestration.
type MaintenanceEvent struct {
	Event     string
	ProcessID string
	VehicleID string
	Type      string
	Timestamp time.Time
	Metadata  map[string]any
	Severity  string
}

// Result summarizes one handled event.
type Result struct {
	ProcessID    string
	CurrentStage domain.Stage
	Prediction   domain.Prediction
}

// Predictor produces a completion prediction for a process as of now;
// satisfied by predict.Service. The engine supplies its own clock so
// prediction insights and stage windows agree on time.
type Predictor interface {
	Predict(ctx context.Context, p domain.Process, now time.Time) (domain.Prediction, error)
}

type Engine struct {
	Repo      repo.Repo
	Store     store.ProcessStore
	Predictor Predictor
	Notifier  notify.Notifier
	Log       *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, c *cache.Cache, predictor Predictor, notifier notify.Notifier, log *slog.Logger) Engine {
	r := repo.Repo{DB: db}
	if predictor == nil {
		predictor = predict.New(nil, r, log)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		Repo:      r,
		Store:     store.New(r, c),
		Predictor: predictor,
		Notifier:  notifier,
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// HandleMaintenanceEvent runs the full pipeline for one inbound event:
// map event to stage, load or create the process, validate the sequence,
// advance the state machine, check the SLA, predict, persist, notify.
//
// Mapping and sequence failures abort before any mutation. Alert and
// prediction failures are logged and the pipeline continues; a persistence
// failure on the final save propagates even though alerts and notifications
// may already have fired.
func (e Engine) HandleMaintenanceEvent(ctx context.Context, ev MaintenanceEvent) (Result, error) {
	e.Log.Info("webhook received", "event", "webhook.received",
		"kind", ev.Event, "process_id", ev.ProcessID, "vehicle_id", ev.VehicleID)

	target, err := stage.ForEvent(ev.Event)
	if err != nil {
		return Result{}, err
	}

	p, err := e.Store.Get(ctx, ev.ProcessID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		p = e.newProcess(ev)
		e.Log.Info("process created", "event", "process.created",
			"process_id", p.ID, "stage", domain.StageReceive, "type", p.Type, "vehicle_id", p.VehicleID)
	case err != nil:
		return Result{}, err
	default:
		if err := stage.ValidateSequence(p.CurrentStage, target); err != nil {
			return Result{}, err
		}
	}

	p.CurrentStage = target
	startTime := ev.Timestamp
	window := p.Stages[target]
	window.StartTime = &startTime
	p.Stages[target] = window

	if prev, ok := stage.Previous(target); ok {
		prevWindow := p.Stages[prev]
		if prevWindow.StartTime != nil && prevWindow.EndTime == nil {
			endTime := ev.Timestamp
			prevWindow.EndTime = &endTime
			p.Stages[prev] = prevWindow
			e.Log.Info("stage completed", "event", "stage.completed",
				"process_id", p.ID, "stage", prev,
				"duration_seconds", endTime.Sub(*prevWindow.StartTime).Seconds())
		}
	}

	eval := sla.Evaluate(p, e.now())
	e.Log.Info("sla checked", "event", "sla.check",
		"process_id", p.ID, "stage", eval.Stage,
		"sla_percentage", eval.Percentage, "elapsed_seconds", eval.ElapsedSeconds)
	if eval.Level == sla.LevelWarning || eval.Level == sla.LevelCritical {
		e.onWarning(ctx, p, eval)
	}
	if eval.Level == sla.LevelCritical {
		p.Status = domain.StatusFailed
		e.onCritical(ctx, p, eval)
	}

	now := e.now()
	prediction, err := e.Predictor.Predict(ctx, p, now)
	if err != nil {
		e.Log.Error("prediction insight not persisted", "event", "webhook.error",
			"process_id", p.ID, "error", err)
	}
	predicted := now.Add(time.Duration(prediction.Confidence*1000) * time.Millisecond)
	risk := prediction.Confidence
	p.PredictedCompletionTime = &predicted
	p.RiskScore = &risk
	e.Log.Info("prediction generated", "event", "prediction.generated",
		"process_id", p.ID, "stage", p.CurrentStage,
		"confidence", prediction.Confidence, "message", prediction.Message)

	if err := e.Store.Save(ctx, p); err != nil {
		return Result{}, err
	}

	e.Notifier.ProcessUpdated(p)
	e.Notifier.PredictionGenerated(notify.PredictionEvent{
		ProcessID:  p.ID,
		Prediction: prediction,
		Timestamp:  now,
	})

	return Result{
		ProcessID:    p.ID,
		CurrentStage: p.CurrentStage,
		Prediction:   prediction,
	}, nil
}

func (e Engine) newProcess(ev MaintenanceEvent) domain.Process {
	return domain.Process{
		ID:           ev.ProcessID,
		Title:        "Maintenance - " + ev.Type,
		Type:         "maintenance",
		VehicleID:    ev.VehicleID,
		CurrentStage: domain.StageReceive,
		Status:       domain.StatusPending,
		Stages:       stage.SeedWindows(),
		CreatedAt:    e.now(),
	}
}
