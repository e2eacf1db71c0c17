// Package server exposes the local sync engine over HTTP so companion
// tooling can read entities, inspect the queue, and trigger drain runs.
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

	"okrsync/internal/domain"
	"okrsync/internal/engine"
	"okrsync/internal/identity"
	"okrsync/internal/repo"
	"okrsync/internal/syncer"
)

const Version = "0.3.0"

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Processor *syncer.Processor
	SourceApp string
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"parent_not_found"`
	Message string         `json:"message" example:"objective \"acme:objective:...\" not found locally"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sync API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("OKR Sync API", Version)
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEntities(group, cfg)
	registerQueue(group, cfg.Engine)
	registerSyncLog(group, cfg.Engine)
	registerSync(group, cfg)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pnf engine.ParentNotFoundError
	if errors.As(err, &pnf) {
		return newAPIError(http.StatusUnprocessableEntity, "parent_not_found", err.Error(), map[string]any{
			"field":       pnf.Field,
			"kind":        string(pnf.Kind),
			"external_id": pnf.ExternalID,
		})
	}
	var inv engine.InvalidExternalIDError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusBadRequest, "invalid_reference", err.Error(), map[string]any{"field": inv.Field})
	}
	var isa identity.InvalidSourceAppError
	if errors.As(err, &isa) {
		return newAPIError(http.StatusBadRequest, "invalid_source_app", err.Error(), nil)
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var nc syncer.NotConfiguredError
	if errors.As(err, &nc) {
		return newAPIError(http.StatusConflict, "not_configured", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "only failed records"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "unknown entity kind"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func storedKindFromPath(raw string) (domain.Kind, huma.StatusError) {
	kind := domain.Kind(raw)
	if !domain.StoredKind(kind) {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "unknown entity kind "+raw, nil)
	}
	return kind, nil
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
		}{Body: map[string]string{
			"status":    "ok",
			"version":   Version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}}, nil
	})
}

type createEntityRequest struct {
	ExternalID string         `json:"external_id,omitempty"`
	ParentID   string         `json:"parent_external_id,omitempty"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type writeResponse struct {
	Entity   domain.Entity `json:"entity"`
	Existing bool          `json:"existing"`
	OutboxID int64         `json:"outbox_id,omitempty"`
}

func registerEntities(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{kind}",
		Summary:       "Create an entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Kind string              `path:"kind"`
		Body createEntityRequest `json:"body"`
	}) (*struct {
		Body writeResponse `json:"body"`
	}, error) {
		kind, kerr := storedKindFromPath(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		res, err := e.Create(ctx, engine.CreateOptions{
			Kind:       kind,
			SourceApp:  cfg.SourceApp,
			ExternalID: input.Body.ExternalID,
			ParentID:   input.Body.ParentID,
			ScopeID:    input.Body.ScopeID,
			Fields:     input.Body.Fields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body writeResponse `json:"body"`
		}{Body: writeResponse{Entity: res.Entity, Existing: res.Existing, OutboxID: res.OutboxID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{external_id}",
		Summary:     "Get an entity",
	}, func(ctx context.Context, input *struct {
		Kind       string `path:"kind"`
		ExternalID string `path:"external_id"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		kind, kerr := storedKindFromPath(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		ent, err := e.Get(ctx, kind, input.ExternalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}",
		Summary:     "List entities of a kind",
	}, func(ctx context.Context, input *struct {
		Kind           string `path:"kind"`
		Parent         string `query:"parent"`
		SyncStatus     string `query:"sync_status" enum:"pending,synced,failed"`
		IncludeDeleted bool   `query:"include_deleted"`
		Limit          int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Entity `json:"items"`
		} `json:"body"`
	}, error) {
		kind, kerr := storedKindFromPath(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		items, err := e.List(ctx, repo.EntityFilters{
			Kind:           kind,
			ParentID:       input.Parent,
			SyncStatus:     input.SyncStatus,
			IncludeDeleted: input.IncludeDeleted,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		out := &struct {
			Body struct {
				Items []domain.Entity `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/entities/{kind}/{external_id}",
		Summary:     "Patch an entity's fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Kind       string `path:"kind"`
		ExternalID string `path:"external_id"`
		Body       struct {
			Fields map[string]any `json:"fields"`
		} `json:"body"`
	}) (*struct {
		Body writeResponse `json:"body"`
	}, error) {
		kind, kerr := storedKindFromPath(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		res, err := e.Update(ctx, engine.UpdateOptions{
			Kind:       kind,
			ExternalID: input.ExternalID,
			Fields:     input.Body.Fields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body writeResponse `json:"body"`
		}{Body: writeResponse{Entity: res.Entity, OutboxID: res.OutboxID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entity",
		Method:      http.MethodDelete,
		Path:        "/entities/{kind}/{external_id}",
		Summary:     "Soft-delete an entity locally",
	}, func(ctx context.Context, input *struct {
		Kind       string `path:"kind"`
		ExternalID string `path:"external_id"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		kind, kerr := storedKindFromPath(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		ent, err := e.SoftDelete(ctx, kind, input.ExternalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List outbox records",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,processing,success,failed"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.OutboxRecord `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.Repo.ListOutbox(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.OutboxRecord{}
		}
		out := &struct {
			Body struct {
				Items []domain.OutboxRecord `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "peek-pending-queue",
		Method:      http.MethodGet,
		Path:        "/queue/pending",
		Summary:     "Peek pending outbox records, oldest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.OutboxRecord `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.PendingQueue(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.OutboxRecord{}
		}
		out := &struct {
			Body struct {
				Items []domain.OutboxRecord `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-queue-record",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/resubmit",
		Summary:     "Re-enqueue a failed record from current entity state",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body writeResponse `json:"body"`
	}, error) {
		res, err := e.Resubmit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body writeResponse `json:"body"`
		}{Body: writeResponse{Entity: res.Entity, OutboxID: res.OutboxID}}, nil
	})
}

func registerSyncLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sync-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "List confirmed deliveries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.SyncLogRecord `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.Repo.ListSyncLog(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.SyncLogRecord{}
		}
		out := &struct {
			Body struct {
				Items []domain.SyncLogRecord `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})
}

func registerSync(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync/run",
		Summary:     "Drain one batch of pending records",
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Batch int `json:"batch,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body syncer.Summary `json:"body"`
	}, error) {
		sum, err := cfg.Processor.Run(ctx, syncer.Options{Batch: input.Body.Batch})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body syncer.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sync-config",
		Method:      http.MethodGet,
		Path:        "/sync/config",
		Summary:     "Show the persisted endpoint config",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SyncConfig `json:"body"`
	}, error) {
		sc, err := cfg.Engine.Repo.GetSyncConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		// SigningSecret is json:"-" and never serialized
		return &struct {
			Body domain.SyncConfig `json:"body"`
		}{Body: sc}, nil
	})
}
