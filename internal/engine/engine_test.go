package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fleetradar/internal/cache"
	"fleetradar/internal/db"
	"fleetradar/internal/domain"
	"fleetradar/internal/engine"
	"fleetradar/internal/migrate"
	"fleetradar/internal/notify"
	"fleetradar/internal/repo"
	"fleetradar/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
	Notes  *recordingNotifier
}

type recordingNotifier struct {
	Updates     []domain.Process
	Alerts      []notify.Alert
	Predictions []notify.PredictionEvent
}

func (r *recordingNotifier) ProcessUpdated(p domain.Process) { r.Updates = append(r.Updates, p) }
func (r *recordingNotifier) AlertRaised(a notify.Alert)      { r.Alerts = append(r.Alerts, a) }
func (r *recordingNotifier) PredictionGenerated(e notify.PredictionEvent) {
	r.Predictions = append(r.Predictions, e)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	notes := &recordingNotifier{}
	eng := engine.New(conn, cache.New(nil, log), nil, notes, log)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock, Notes: notes}
}

func event(kind, processID string, ts time.Time) engine.MaintenanceEvent {
	return engine.MaintenanceEvent{
		Event:     kind,
		ProcessID: processID,
		VehicleID: "VH-42",
		Type:      "preventive",
		Timestamp: ts,
	}
}

func insightsFor(t *testing.T, env testEnv, processID string) []domain.Insight {
	t.Helper()
	list, err := env.Engine.Repo.ListInsights(env.Ctx, repo.InsightFilters{ProcessID: processID, Ascending: true})
	if err != nil {
		t.Fatalf("list insights: %v", err)
	}
	return list
}

func TestNewProcessStartsAtReceive(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", *env.Clock))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.ProcessID != "P1" || res.CurrentStage != domain.StageReceive {
		t.Fatalf("result = %+v", res)
	}
	p, err := env.Engine.Store.Get(env.Ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != domain.StatusPending {
		t.Fatalf("status = %s", p.Status)
	}
	if p.Title != "Maintenance - preventive" || p.Type != "maintenance" || p.VehicleID != "VH-42" {
		t.Fatalf("unexpected process %+v", p)
	}
	if len(p.Stages) != 5 {
		t.Fatalf("stages = %d", len(p.Stages))
	}
	for s, info := range stage.Table {
		if p.Stages[s].SLASeconds != info.SLASeconds {
			t.Fatalf("stage %s sla = %d, want %d", s, p.Stages[s].SLASeconds, info.SLASeconds)
		}
	}
	if p.Stages[domain.StageReceive].StartTime == nil {
		t.Fatalf("receive stage not started")
	}

	// fresh stage, zero elapsed: prediction insight only, no alert
	insights := insightsFor(t, env, "P1")
	if len(insights) != 1 || insights[0].Type != domain.InsightPrediction {
		t.Fatalf("insights = %+v", insights)
	}
	if len(env.Notes.Alerts) != 0 {
		t.Fatalf("alerts = %+v", env.Notes.Alerts)
	}
	if len(env.Notes.Updates) != 1 || len(env.Notes.Predictions) != 1 {
		t.Fatalf("notifications: %d updates, %d predictions", len(env.Notes.Updates), len(env.Notes.Predictions))
	}
}

func TestSequenceViolationLeavesProcessUntouched(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", *env.Clock)); err != nil {
		t.Fatalf("created: %v", err)
	}
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.approved", "P1", *env.Clock)); err != nil {
		t.Fatalf("approved: %v", err)
	}
	before, err := env.Engine.Store.Get(env.Ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	insightsBefore := len(insightsFor(t, env, "P1"))

	cases := []string{"maintenance.identified", "maintenance.approved", "maintenance.created"}
	for _, kind := range cases {
		_, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event(kind, "P1", *env.Clock))
		var seqErr stage.SequenceError
		if !errors.As(err, &seqErr) {
			t.Fatalf("%s: err = %v, want sequence error", kind, err)
		}
		if seqErr.From != domain.StageDecide {
			t.Fatalf("%s: from = %s", kind, seqErr.From)
		}
	}

	after, err := env.Engine.Store.Get(env.Ctx, "P1")
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.CurrentStage != before.CurrentStage || !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("process mutated: before %+v after %+v", before, after)
	}
	if n := len(insightsFor(t, env, "P1")); n != insightsBefore {
		t.Fatalf("insights grew from %d to %d", insightsBefore, n)
	}
}

func TestUnknownEventCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.bogus", "P9", *env.Clock))
	if !errors.Is(err, stage.ErrUnknownEvent) {
		t.Fatalf("err = %v", err)
	}
	if _, err := env.Engine.Store.Get(env.Ctx, "P9"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("process should not exist, got err = %v", err)
	}
	if n := len(insightsFor(t, env, "P9")); n != 0 {
		t.Fatalf("insights = %d", n)
	}
}

func TestPreviousStageClosedWithDuration(t *testing.T) {
	env := newTestEnv(t)
	start := *env.Clock
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", start)); err != nil {
		t.Fatalf("created: %v", err)
	}

	*env.Clock = start.Add(5000 * time.Second)
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.identified", "P1", *env.Clock)); err != nil {
		t.Fatalf("identified: %v", err)
	}

	p, err := env.Engine.Store.Get(env.Ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	receive := p.Stages[domain.StageReceive]
	if receive.EndTime == nil {
		t.Fatalf("receive stage not closed")
	}
	if d := receive.EndTime.Sub(*receive.StartTime); d != 5000*time.Second {
		t.Fatalf("duration = %s", d)
	}
	identify := p.Stages[domain.StageIdentify]
	if identify.StartTime == nil || identify.EndTime != nil {
		t.Fatalf("identify window = %+v", identify)
	}
}

func TestWarningProducesSingleAlertInsight(t *testing.T) {
	env := newTestEnv(t)
	start := *env.Clock
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", start)); err != nil {
		t.Fatalf("created: %v", err)
	}

	// identify SLA is 7200s; an event timestamp 6000s in the past puts the
	// just-activated stage at 83%, inside [80,100)
	*env.Clock = start.Add(6000 * time.Second)
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.identified", "P1", start)); err != nil {
		t.Fatalf("identified: %v", err)
	}

	var alerts []domain.Insight
	for _, in := range insightsFor(t, env, "P1") {
		if in.Type == domain.InsightAlert {
			alerts = append(alerts, in)
		}
	}
	if len(alerts) != 1 {
		t.Fatalf("alert insights = %+v", alerts)
	}
	if alerts[0].Confidence != 0.8 {
		t.Fatalf("confidence = %v", alerts[0].Confidence)
	}
	p, _ := env.Engine.Store.Get(env.Ctx, "P1")
	if p.Status != domain.StatusPending {
		t.Fatalf("status = %s", p.Status)
	}
	if len(env.Notes.Alerts) != 1 || env.Notes.Alerts[0].Severity != "" {
		t.Fatalf("alert notifications = %+v", env.Notes.Alerts)
	}
}

func TestCriticalEscalatesWithTwoInsights(t *testing.T) {
	env := newTestEnv(t)
	start := *env.Clock
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", start)); err != nil {
		t.Fatalf("created: %v", err)
	}

	// identify activated with a timestamp 8000s ago against a 7200s budget
	*env.Clock = start.Add(8000 * time.Second)
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.identified", "P1", start)); err != nil {
		t.Fatalf("identified: %v", err)
	}

	var alerts []domain.Insight
	for _, in := range insightsFor(t, env, "P1") {
		if in.Type == domain.InsightAlert {
			alerts = append(alerts, in)
		}
	}
	if len(alerts) != 2 {
		t.Fatalf("alert insights = %+v", alerts)
	}
	confidences := map[float64]bool{alerts[0].Confidence: true, alerts[1].Confidence: true}
	if !confidences[0.8] || !confidences[1.0] {
		t.Fatalf("confidences = %v, %v", alerts[0].Confidence, alerts[1].Confidence)
	}
	p, _ := env.Engine.Store.Get(env.Ctx, "P1")
	if p.Status != domain.StatusFailed {
		t.Fatalf("status = %s", p.Status)
	}
	if len(env.Notes.Alerts) != 2 || env.Notes.Alerts[1].Severity != "high" {
		t.Fatalf("alert notifications = %+v", env.Notes.Alerts)
	}
}

func TestPredictionMergedIntoProcess(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", *env.Clock)); err != nil {
		t.Fatalf("created: %v", err)
	}
	p, err := env.Engine.Store.Get(env.Ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RiskScore == nil || *p.RiskScore != 0.3 {
		t.Fatalf("risk score = %v", p.RiskScore)
	}
	if p.PredictedCompletionTime == nil {
		t.Fatalf("predicted completion unset")
	}
	want := env.Clock.Add(time.Duration(0.3*1000) * time.Millisecond)
	if !p.PredictedCompletionTime.Equal(want) {
		t.Fatalf("predicted completion = %s, want %s", p.PredictedCompletionTime, want)
	}
}

func TestPredictionInsightSharesEngineClock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", *env.Clock)); err != nil {
		t.Fatalf("created: %v", err)
	}
	insights := insightsFor(t, env, "P1")
	if len(insights) != 1 {
		t.Fatalf("insights = %+v", insights)
	}
	if !insights[0].Timestamp.Equal(*env.Clock) {
		t.Fatalf("insight timestamp = %s, engine clock = %s", insights[0].Timestamp, *env.Clock)
	}
}

type failingPredictor struct{}

func (failingPredictor) Predict(_ context.Context, _ domain.Process, _ time.Time) (domain.Prediction, error) {
	return domain.Prediction{Message: "fallback", Confidence: 0.3}, errors.New("insight write failed")
}

// An insight write failure during prediction is logged, not fatal: the
// process still advances and persists.
func TestInsightWriteFailureDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Predictor = failingPredictor{}

	res, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", *env.Clock))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Prediction.Confidence != 0.3 {
		t.Fatalf("prediction = %+v", res.Prediction)
	}
	p, err := env.Engine.Store.Get(env.Ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.CurrentStage != domain.StageReceive || p.RiskScore == nil {
		t.Fatalf("process not advanced: %+v", p)
	}
}

// Mirrors a full lifecycle: creation, a late transition that closes the
// previous stage, and the check that SLA evaluation applies to the stage
// starting now rather than the one just closed.
func TestLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	start := *env.Clock

	res, err := env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.created", "P1", start))
	if err != nil || res.CurrentStage != domain.StageReceive {
		t.Fatalf("created: %+v, %v", res, err)
	}

	// second event 5000s later: R (sla 3600s) closes with duration 5000s,
	// but no alert fires because evaluation targets the fresh I stage
	*env.Clock = start.Add(5000 * time.Second)
	res, err = env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.identified", "P1", *env.Clock))
	if err != nil || res.CurrentStage != domain.StageIdentify {
		t.Fatalf("identified: %+v, %v", res, err)
	}
	p, _ := env.Engine.Store.Get(env.Ctx, "P1")
	receive := p.Stages[domain.StageReceive]
	if d := receive.EndTime.Sub(*receive.StartTime); d != 5000*time.Second {
		t.Fatalf("receive duration = %s", d)
	}
	if len(env.Notes.Alerts) != 0 {
		t.Fatalf("alerts after identified = %+v", env.Notes.Alerts)
	}

	// third event: I has been active 8000s (sla 7200s) when D starts, yet
	// the critical evaluation applies to D, which starts fresh, so the
	// closing stage does not escalate
	identifiedAt := *env.Clock
	*env.Clock = identifiedAt.Add(8000 * time.Second)
	res, err = env.Engine.HandleMaintenanceEvent(env.Ctx, event("maintenance.approved", "P1", *env.Clock))
	if err != nil || res.CurrentStage != domain.StageDecide {
		t.Fatalf("approved: %+v, %v", res, err)
	}
	p, _ = env.Engine.Store.Get(env.Ctx, "P1")
	if p.Status != domain.StatusPending {
		t.Fatalf("status = %s", p.Status)
	}
	if len(env.Notes.Alerts) != 0 {
		t.Fatalf("alerts after approved = %+v", env.Notes.Alerts)
	}
	identify := p.Stages[domain.StageIdentify]
	if d := identify.EndTime.Sub(*identify.StartTime); d != 8000*time.Second {
		t.Fatalf("identify duration = %s", d)
	}
}
