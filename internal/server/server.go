package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"leadflow/internal/config"
	"leadflow/internal/reconciler"
)

// Config for the HTTP API handler.
type Config struct {
	Reconciler *reconciler.Reconciler
	AppConfig  *config.Config
	BasePath   string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"Sanctioned is not reachable from Submitted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"Submitted\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Leadflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("server: reconciler is required")
	}
	appCfg := cfg.AppConfig
	if appCfg == nil {
		appCfg = config.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Leadflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLeads(group, cfg.Reconciler)
	registerSync(group, cfg.Reconciler)
	registerWorkflow(group, cfg.Reconciler)
	registerProducts(group, appCfg)
	registerOpenAPI(router, api, basePath)

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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// writeError maps a structured write failure onto the error envelope.
// Unacknowledged store writes are not errors; the optimistic result is
// returned with success=false instead.
func writeError(res reconciler.WriteResult, id string) huma.StatusError {
	switch res.Reason {
	case reconciler.ReasonNotFound:
		return newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("lead %s not found", id), nil)
	case reconciler.ReasonInvalidTransition:
		return newAPIError(http.StatusConflict, "invalid_transition",
			fmt.Sprintf("transition not allowed from %s", res.Lead.Status),
			map[string]any{"from": res.Lead.Status})
	default:
		return nil
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leadflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
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

func registerLeads(api huma.API, rec *reconciler.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
	}, func(ctx context.Context, input *struct {
		Agent string `query:"agent"`
	}) (*struct {
		Body LeadListResponse `json:"body"`
	}, error) {
		res := rec.Query(reconciler.QueryFilter{Agent: input.Agent})
		return &struct {
			Body LeadListResponse `json:"body"`
		}{Body: LeadListResponse{
			Leads:             mapLeads(rec.Graph(), res.Leads),
			Total:             res.Total,
			FilterExcludedAll: res.FilterExcludedAll,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Submit lead",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitLeadRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		draft := domainLead(input.Body)
		res := rec.Submit(ctx, draft)
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: writeResponse(rec.Graph(), res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead-status",
		Method:      http.MethodPost,
		Path:        "/leads/{id}/status",
		Summary:     "Update lead status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		res := rec.Transition(ctx, input.ID, input.Body.Status, input.Body.Agent)
		if err := writeError(res, input.ID); err != nil {
			return nil, err
		}
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: writeResponse(rec.Graph(), res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-lead-note",
		Method:      http.MethodPost,
		Path:        "/leads/{id}/notes",
		Summary:     "Add lead note",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		if input.Body.Note == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "note is required", nil)
		}
		res := rec.AppendNote(ctx, input.ID, input.Body.Note, input.Body.Agent)
		if err := writeError(res, input.ID); err != nil {
			return nil, err
		}
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: writeResponse(rec.Graph(), res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-journey",
		Method:      http.MethodGet,
		Path:        "/leads/{id}/journey",
		Summary:     "Lead journey timeline",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		evts, err := rec.Journey(ctx, input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "journey unavailable", map[string]any{"error": err.Error()})
		}
		out := make([]EventResponse, 0, len(evts))
		for _, e := range evts {
			out = append(out, eventResponse(e))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerSync(api huma.API, rec *reconciler.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Sync lead data from the backing store",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		// A degraded sync still answers with last-known-good data; the
		// snapshot carries the failure.
		_, _ = rec.Sync(ctx)
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: snapshotResponse(rec.State())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Sync component state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: snapshotResponse(rec.State())}, nil
	})
}

func registerWorkflow(api huma.API, rec *reconciler.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/workflow/stages",
		Summary:     "List workflow stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(rec.Graph().Stages())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-next-options",
		Method:      http.MethodGet,
		Path:        "/workflow/stages/{code}/next",
		Summary:     "Legal next stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		g := rec.Graph()
		if !g.Known(input.Code) {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("stage %s not found", input.Code), nil)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(g.NextOptions(input.Code))}, nil
	})
}

func registerProducts(api huma.API, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "Product catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProductResponse `json:"body"`
	}, error) {
		out := make([]ProductResponse, 0, len(cfg.Products))
		for _, p := range cfg.Products {
			out = append(out, ProductResponse{ID: p.ID, Name: p.Name, Group: p.Group})
		}
		return &struct {
			Body []ProductResponse `json:"body"`
		}{Body: out}, nil
	})
}
