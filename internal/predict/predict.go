package predict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"fleetradar/internal/domain"
	"fleetradar/internal/sla"
)

const (
	// DefaultTimeout bounds the external model call so a slow collaborator
	// cannot starve the rest of the webhook pipeline.
	DefaultTimeout = 10 * time.Second

	systemPrompt = `You are an assistant specialized in maintenance process time prediction.
Analyze the process data and provide a concise prediction in this format:
"Predicted completion: X hours. Risk level: LOW/MEDIUM/HIGH. Reason: brief explanation"
Keep the response under 100 characters.`
)

// stageConfidence is the deterministic per-stage confidence table. Stages
// outside the table score 0.5.
var stageConfidence = map[domain.Stage]float64{
	domain.StageReceive:  0.3,
	domain.StageIdentify: 0.5,
	domain.StageDecide:   0.7,
	domain.StageExecute:  0.8,
	domain.StageConclude: 0.9,
}

// StageConfidence returns the deterministic confidence for a stage.
func StageConfidence(s domain.Stage) float64 {
	if c, ok := stageConfidence[s]; ok {
		return c
	}
	return 0.5
}

// Insights appends immutable insight records; satisfied by repo.Repo.
type Insights interface {
	InsertInsight(ctx context.Context, in domain.Insight) error
}

// Service integrates the external prediction collaborator. A nil model means
// the collaborator is disabled and every call takes the deterministic
// fallback. Every call, success or fallback, persists a prediction insight.
type Service struct {
	Model    llms.Model
	Insights Insights
	Log      *slog.Logger
	Timeout  time.Duration
}

func New(model llms.Model, insights Insights, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Model:    model,
		Insights: insights,
		Log:      log,
		Timeout:  DefaultTimeout,
	}
}

// NewOpenAIModel builds the OpenAI-backed collaborator. Returns nil when no
// API key is configured, which disables the collaborator.
func NewOpenAIModel(apiKey, modelName string) (llms.Model, error) {
	if apiKey == "" {
		return nil, nil
	}
	return openai.New(openai.WithToken(apiKey), openai.WithModel(modelName))
}

// Predict returns a completion prediction for p as of now and persists it as
// an insight. The caller supplies the clock so the insight timestamp lines up
// with the stage windows it describes. Collaborator failures and timeouts
// degrade to the deterministic fallback and are never surfaced to the caller.
func (s *Service) Predict(ctx context.Context, p domain.Process, now time.Time) (domain.Prediction, error) {
	prediction := s.predict(ctx, p, now)
	insight := domain.Insight{
		ID:         uuid.New().String(),
		Type:       domain.InsightPrediction,
		Confidence: prediction.Confidence,
		Message:    prediction.Message,
		ProcessID:  p.ID,
		Timestamp:  now,
	}
	if err := s.Insights.InsertInsight(ctx, insight); err != nil {
		return prediction, fmt.Errorf("persist prediction insight: %w", err)
	}
	return prediction, nil
}

func (s *Service) predict(ctx context.Context, p domain.Process, now time.Time) domain.Prediction {
	if s.Model == nil {
		return s.Fallback(p, now)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, s.userPrompt(p, now)),
	}
	response, err := s.Model.GenerateContent(callCtx, messages,
		llms.WithTemperature(0.3), llms.WithMaxTokens(100))
	if err != nil {
		s.Log.Warn("prediction collaborator failed", "event", "prediction.fallback", "process_id", p.ID, "error", err)
		return s.Fallback(p, now)
	}
	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Content) == "" {
		s.Log.Warn("prediction collaborator returned no content", "event", "prediction.fallback", "process_id", p.ID)
		return s.Fallback(p, now)
	}
	return domain.Prediction{
		Message:    strings.TrimSpace(response.Choices[0].Content),
		Confidence: StageConfidence(p.CurrentStage),
	}
}

// Fallback computes the deterministic prediction used when the collaborator
// is unreachable or disabled.
func (s *Service) Fallback(p domain.Process, now time.Time) domain.Prediction {
	var b strings.Builder
	fmt.Fprintf(&b, "Process %s is in stage %s.", p.ID, p.CurrentStage)
	eval := sla.Evaluate(p, now)
	if window, ok := p.Stages[p.CurrentStage]; ok && window.StartTime != nil && window.EndTime == nil {
		if eval.Percentage >= sla.WarningThreshold {
			fmt.Fprintf(&b, " WARNING: %.1f%% of SLA consumed.", eval.Percentage)
		} else {
			fmt.Fprintf(&b, " Progress: %.1f%% of SLA.", eval.Percentage)
		}
	}
	return domain.Prediction{
		Message:    b.String(),
		Confidence: StageConfidence(p.CurrentStage),
	}
}

func (s *Service) userPrompt(p domain.Process, now time.Time) string {
	var times []string
	for _, st := range []domain.Stage{domain.StageReceive, domain.StageIdentify, domain.StageDecide, domain.StageExecute, domain.StageConclude} {
		window, ok := p.Stages[st]
		if !ok || window.StartTime == nil {
			continue
		}
		end := now
		if window.EndTime != nil {
			end = *window.EndTime
		}
		times = append(times, fmt.Sprintf("%s=%.1fs", st, end.Sub(*window.StartTime).Seconds()))
	}
	remaining := "not started"
	if window, ok := p.Stages[p.CurrentStage]; ok && window.StartTime != nil {
		eval := sla.Evaluate(p, now)
		remaining = fmt.Sprintf("%.1fs remaining", eval.RemainingSeconds)
	}
	return fmt.Sprintf(`Analyze this maintenance process:
Process ID: %s
Current Stage: %s
Type: %s
Vehicle ID: %s
Stage Times: %s
SLA Remaining: %s`, p.ID, p.CurrentStage, p.Type, p.VehicleID, strings.Join(times, " "), remaining)
}
