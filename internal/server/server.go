package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fleetradar/internal/cache"
	"fleetradar/internal/domain"
	"fleetradar/internal/engine"
	"fleetradar/internal/notify"
	"fleetradar/internal/repo"
	"fleetradar/internal/stage"
	"fleetradar/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Cache    *cache.Cache
	Hub      *notify.Hub
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"invalid stage sequence"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fleetradar API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Fleetradar API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWebhooks(group, cfg.Engine)
	registerProcesses(group, cfg.Engine)
	registerInsights(group, cfg.Engine)
	registerMetrics(group, cfg.Engine, cfg.Cache)
	if cfg.Hub != nil {
		router.Get("/ws", cfg.Hub.ServeHTTP)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and repo errors onto the envelope. Unknown events
// and sequence violations are permanent client errors; anything unrecognized
// is an internal failure.
func handleError(err error, details map[string]any) huma.StatusError {
	if err == nil {
		return nil
	}
	var seqErr stage.SequenceError
	switch {
	case errors.Is(err, stage.ErrUnknownEvent):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	case errors.As(err, &seqErr):
		if details == nil {
			details = map[string]any{}
		}
		details["current_stage"] = seqErr.From
		details["attempted_stage"] = seqErr.To
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWebhooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "maintenance-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/maintenance",
		Summary:     "Handle a maintenance event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body MaintenanceWebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		payload := map[string]any{"event": input.Body.Event, "data": input.Body.Data}
		ts, err := time.Parse(time.RFC3339, input.Body.Data.Timestamp)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "timestamp must be a valid date", payload)
		}
		res, err := e.HandleMaintenanceEvent(ctx, engine.MaintenanceEvent{
			Event:     input.Body.Event,
			ProcessID: input.Body.Data.ProcessID,
			VehicleID: input.Body.Data.VehicleID,
			Type:      input.Body.Data.Type,
			Timestamp: ts,
			Metadata:  input.Body.Data.Metadata,
			Severity:  input.Body.Severity,
		})
		if err != nil {
			return nil, handleError(err, payload)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: WebhookResponse{
			Success:      true,
			ProcessID:    res.ProcessID,
			CurrentStage: res.CurrentStage,
			Prediction:   res.Prediction,
		}}, nil
	})
}

func registerProcesses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Page   int    `query:"page" default:"1"`
		Limit  int    `query:"limit" default:"10"`
	}) (*struct {
		Body ProcessListResponse `json:"body"`
	}, error) {
		page, limit, offset := normalizePage(input.Page, input.Limit)
		status := domain.ProcessStatus(input.Status)
		processes, err := e.Repo.ListProcesses(ctx, repo.ProcessFilters{Status: status, Limit: limit, Offset: offset})
		if err != nil {
			return nil, handleError(err, nil)
		}
		total, err := e.Repo.CountProcesses(ctx, status)
		if err != nil {
			return nil, handleError(err, nil)
		}
		items := []ProcessWithInsights{}
		for _, p := range processes {
			insights, err := e.Repo.ListInsights(ctx, repo.InsightFilters{ProcessID: p.ID, Limit: 5})
			if err != nil {
				return nil, handleError(err, nil)
			}
			if insights == nil {
				insights = []domain.Insight{}
			}
			items = append(items, ProcessWithInsights{Process: p, Insights: insights})
		}
		return &struct {
			Body ProcessListResponse `json:"body"`
		}{Body: ProcessListResponse{Data: items, Meta: pageMeta(total, page, limit)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{id}",
		Summary:     "Get process details",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProcessDetailResponse `json:"body"`
	}, error) {
		p, err := e.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err, nil)
		}
		insights, err := e.Repo.ListInsights(ctx, repo.InsightFilters{ProcessID: p.ID})
		if err != nil {
			return nil, handleError(err, nil)
		}
		if insights == nil {
			insights = []domain.Insight{}
		}
		return &struct {
			Body ProcessDetailResponse `json:"body"`
		}{Body: ProcessDetailResponse{
			Process:          p,
			Insights:         insights,
			CurrentStageInfo: stageProgress(p, engineNow(e)),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-events",
		Method:      http.MethodGet,
		Path:        "/processes/{id}/events",
		Summary:     "Process event timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProcess(ctx, input.ID)
		if err != nil {
			return nil, handleError(err, nil)
		}
		insights, err := e.Repo.ListInsights(ctx, repo.InsightFilters{ProcessID: p.ID, Ascending: true})
		if err != nil {
			return nil, handleError(err, nil)
		}
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: TimelineResponse{
			ProcessID: p.ID,
			Events:    timeline(p, stage.Order, insights),
		}}, nil
	})
}

func registerInsights(api huma.API, e engine.Engine) {
	list := func(kind domain.InsightType) func(ctx context.Context, input *struct {
		Page  int `query:"page" default:"1"`
		Limit int `query:"limit" default:"10"`
	}) (*struct {
		Body InsightListResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			Page  int `query:"page" default:"1"`
			Limit int `query:"limit" default:"10"`
		}) (*struct {
			Body InsightListResponse `json:"body"`
		}, error) {
			page, limit, offset := normalizePage(input.Page, input.Limit)
			filters := repo.InsightFilters{Type: kind, Limit: limit, Offset: offset}
			insights, err := e.Repo.ListInsights(ctx, filters)
			if err != nil {
				return nil, handleError(err, nil)
			}
			if insights == nil {
				insights = []domain.Insight{}
			}
			total, err := e.Repo.CountInsights(ctx, repo.InsightFilters{Type: kind})
			if err != nil {
				return nil, handleError(err, nil)
			}
			return &struct {
				Body InsightListResponse `json:"body"`
			}{Body: InsightListResponse{Data: insights, Meta: pageMeta(total, page, limit)}}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-insights",
		Method:      http.MethodGet,
		Path:        "/insights",
		Summary:     "List insights",
	}, list(""))

	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List alert insights",
	}, list(domain.InsightAlert))
}

func registerMetrics(api huma.API, e engine.Engine, c *cache.Cache) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Dashboard metrics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		var metrics MetricsResponse
		err := c.GetOrSet(ctx, "dashboard:metrics", store.TTL, &metrics, func() (any, error) {
			total, err := e.Repo.CountProcesses(ctx, "")
			if err != nil {
				return nil, err
			}
			active, err := e.Repo.CountProcesses(ctx, domain.StatusPending)
			if err != nil {
				return nil, err
			}
			completed, err := e.Repo.CountProcesses(ctx, domain.StatusCompleted)
			if err != nil {
				return nil, err
			}
			overdue, err := e.Repo.CountProcesses(ctx, domain.StatusFailed)
			if err != nil {
				return nil, err
			}
			m := MetricsResponse{
				TotalProcesses:     total,
				ActiveProcesses:    active,
				CompletedProcesses: completed,
				OverdueProcesses:   overdue,
			}
			if total > 0 {
				m.CompletionRate = float64(completed) / float64(total) * 100
			}
			return m, nil
		})
		if err != nil {
			return nil, handleError(err, nil)
		}
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: metrics}, nil
	})
}

func engineNow(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
