// Package server exposes a read-only HTTP API over stored runs. The workflow
// itself is driven from the CLI; this surface is for dashboards and audits.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"patchline/internal/audit"
	"patchline/internal/domain"
	"patchline/internal/memory"
	"patchline/internal/runstore"
)

// Config for the HTTP API handler.
type Config struct {
	Memory   memory.Store
	RunsDir  string
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run summary not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, memory.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
}

// New returns an HTTP handler exposing the Patchline read API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Patchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg)
	registerStats(group, cfg)

	return router, nil
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

type runPath struct {
	WorkItemID string `path:"work_item_id"`
}

func registerRuns(api huma.API, cfg Config) {
	type listInput struct {
		Repo        string `query:"repo"`
		Status      string `query:"status"`
		FailureMode string `query:"failure_mode"`
		Limit       int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List run summaries",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.RunSummary `json:"body"`
	}, error) {
		runs, err := cfg.Memory.QueryRuns(ctx, memory.Filter{
			Repo:        input.Repo,
			Status:      input.Status,
			FailureMode: input.FailureMode,
		}, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RunSummary `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{work_item_id}",
		Summary:     "Run summary by work item id",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.RunSummary `json:"body"`
	}, error) {
		sum, err := cfg.Memory.Get(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunSummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-evidence",
		Method:      http.MethodGet,
		Path:        "/runs/{work_item_id}/evidence",
		Summary:     "Evidence recorded for a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Evidence `json:"body"`
	}, error) {
		item, err := loadItem(cfg, input.WorkItemID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Evidence `json:"body"`
		}{Body: item.Evidence}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-decisions",
		Method:      http.MethodGet,
		Path:        "/runs/{work_item_id}/decisions",
		Summary:     "Decision log for a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body []domain.DecisionLogEntry `json:"body"`
	}, error) {
		item, err := loadItem(cfg, input.WorkItemID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body []domain.DecisionLogEntry `json:"body"`
		}{Body: item.DecisionLog}, nil
	})

	type auditBody struct {
		Events   []audit.Event `json:"events"`
		Verified bool          `json:"verified"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run-audit",
		Method:      http.MethodGet,
		Path:        "/runs/{work_item_id}/audit",
		Summary:     "Audit chain for a run, with verification result",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body auditBody `json:"body"`
	}, error) {
		runDir, err := runstore.FindRunDir(cfg.RunsDir, input.WorkItemID)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		events, err := audit.ReadAll(runDir)
		if err != nil {
			return nil, handleError(err)
		}
		verified, err := audit.Verify(runDir)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body auditBody `json:"body"`
		}{Body: auditBody{Events: events, Verified: verified}}, nil
	})
}

func registerStats(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Aggregate run statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.MemoryStats `json:"body"`
	}, error) {
		st, err := cfg.Memory.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MemoryStats `json:"body"`
		}{Body: st}, nil
	})
}

func loadItem(cfg Config, workItemID string) (domain.WorkItem, huma.StatusError) {
	runDir, err := runstore.FindRunDir(cfg.RunsDir, workItemID)
	if err != nil {
		return domain.WorkItem{}, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	item, err := runstore.LoadSnapshot(runDir)
	if err != nil {
		return domain.WorkItem{}, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
	return item, nil
}
