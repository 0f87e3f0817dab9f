package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/generate"
)

// ModelControl is the part of the generation gateway the settings routes manage.
type ModelControl interface {
	Config() generate.Config
	Configure(ctx context.Context, cfg generate.Config) error
	Ready() bool
	Ping(ctx context.Context) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Model     ModelControl
	BasePath  string
	Auth      AuthConfig
	Workspace string
	DBPath    string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_input"`
	Message string         `json:"message" example:"url or topic is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	engine    engine.Engine
	model     ModelControl
	workspace string
	dbPath    string
	// settingsMu serializes settings writes to the shared config and files.
	settingsMu sync.Mutex
}

// New returns an HTTP handler exposing the pressline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation is a client input error
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("pressline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{engine: cfg.Engine, model: cfg.Model, workspace: cfg.Workspace, dbPath: cfg.DBPath}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerStatus(group)
	h.registerWorkflow(group)
	h.registerSearch(group)
	h.registerHistory(group)
	h.registerItems(group)
	h.registerEvents(group)
	h.registerOperations(group)
	h.registerSettings(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.APIToken != "")

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
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

// handleError maps classified failures onto statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), msg, nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case domain.KindConfiguration:
		return newAPIError(http.StatusServiceUnavailable, string(domain.KindConfiguration), msg, nil)
	case domain.KindAcquisition, domain.KindGeneration:
		return newAPIError(http.StatusBadGateway, string(domain.KindOf(err)), msg, nil)
	case domain.KindStorage:
		log.Error().Err(err).Msg("storage failure")
		return newAPIError(http.StatusInternalServerError, string(domain.KindStorage), "storage error", nil)
	}
	log.Error().Err(err).Msg("unclassified failure")
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{}
	for _, p := range publicPaths(basePath) {
		open[p] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>pressline API Docs</title>
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

func (h *handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Database and model availability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		resp := StatusResponse{Database: h.engine.Repo.Ping(ctx) == nil}
		if h.model != nil {
			resp.AI = h.model.Ready()
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

type sessionOutput struct {
	Body domain.Session `json:"body"`
}

func (h *handlers) registerWorkflow(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow",
		Method:      http.MethodPost,
		Path:        "/workflow",
		Summary:     "Start a refinement session, or advance one with a session token",
		Description: "Without session_token a new session starts from url, topic or item_id and runs to the first draft. " +
			"With session_token the action is applied to the suspended session. Failed runs return status FAILED with an error.",
		Errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body WorkflowRequest `json:"body"`
	}) (*sessionOutput, error) {
		in := input.Body
		var sess domain.Session
		var err error
		if in.SessionToken != "" {
			if in.Action == "" {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), "action is required with session_token", nil)
			}
			sess, err = h.engine.Advance(ctx, in.SessionToken, domain.Decision{Action: domain.Action(in.Action), Text: in.Text})
		} else {
			sess, err = h.engine.Start(ctx, engine.StartOptions{
				URL:           in.URL,
				Topic:         in.Topic,
				ItemID:        in.ItemID,
				Style:         in.Style,
				Tone:          in.Tone,
				MaxIterations: in.MaxIterations,
				Iteration:     in.Iteration,
				SessionID:     in.SessionID,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-cancel",
		Method:      http.MethodPost,
		Path:        "/workflow/cancel",
		Summary:     "Cancel a session by token, or by session_id while its first draft is being written",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CancelRequest `json:"body"`
	}) (*sessionOutput, error) {
		var sess domain.Session
		var err error
		switch {
		case input.Body.SessionToken != "":
			sess, err = h.engine.Cancel(ctx, input.Body.SessionToken)
		case input.Body.SessionID != "":
			sess, err = h.engine.CancelSession(ctx, input.Body.SessionID)
		default:
			return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), "session_token or session_id is required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish",
		Method:      http.MethodPost,
		Path:        "/publish",
		Summary:     "Run a whole session without human input",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body PublishRequest `json:"body"`
	}) (*sessionOutput, error) {
		in := input.Body
		sess, err := h.engine.Publish(ctx, engine.StartOptions{
			URL: in.URL, Topic: in.Topic, ItemID: in.ItemID, Style: in.Style, Tone: in.Tone, MaxIterations: in.MaxIterations,
			SessionID: in.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sess}, nil
	})
}

func (h *handlers) registerSearch(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "search",
		Method:      http.MethodPost,
		Path:        "/search",
		Summary:     "Relevance search over stored versions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SearchRequest `json:"body"`
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		in := input.Body
		var stage *domain.Stage
		if in.SearchType != "" && in.SearchType != "all" {
			st, ok := searchStages[in.SearchType]
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), "unknown search_type", map[string]any{"search_type": in.SearchType})
			}
			stage = &st
		}
		limit := in.Limit
		if limit <= 0 {
			limit = 10
		}
		hits, err := h.engine.Repo.Search(ctx, in.Query, normalizeLimit(limit), stage)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SearchResponse{Results: make([]SearchResult, 0, len(hits))}
		for _, hit := range hits {
			resp.Results = append(resp.Results, searchResult(hit))
		}
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h *handlers) registerHistory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "One entry per item, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		entries, err := h.engine.Repo.History(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{History: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-item",
		Method:      http.MethodGet,
		Path:        "/history/{item_id}",
		Summary:     "History entry of one item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.HistoryEntry `json:"body"`
	}, error) {
		entries, err := h.engine.Repo.History(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HistoryEntry `json:"body"`
		}{Body: entries[0]}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-delete",
		Method:      http.MethodDelete,
		Path:        "/history/{item_id}",
		Summary:     "Delete an item and all its versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		if _, err := h.engine.Repo.GetItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.Repo.DeleteItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: input.ItemID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-clear",
		Method:      http.MethodDelete,
		Path:        "/history",
		Summary:     "Delete every item",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		if err := h.engine.Repo.DeleteAll(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: "all"}}, nil
	})
}

func (h *handlers) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ItemsResponse `json:"body"`
	}, error) {
		items, err := h.engine.Repo.ListItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ContentItem{}
		}
		return &struct {
			Body ItemsResponse `json:"body"`
		}{Body: ItemsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/versions",
		Summary:     "All versions of an item, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body VersionsResponse `json:"body"`
	}, error) {
		if _, err := h.engine.Repo.GetItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		versions, err := h.engine.Repo.ListVersions(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionsResponse `json:"body"`
		}{Body: VersionsResponse{Versions: versions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/versions/{version}",
		Summary:     "One version of an item; \"latest\" selects the newest",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID  string `path:"item_id"`
		Version string `path:"version"`
	}) (*struct {
		Body domain.ContentVersion `json:"body"`
	}, error) {
		var version *int
		if input.Version != "latest" {
			n, err := strconv.Atoi(input.Version)
			if err != nil || n < 0 {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), "version must be a number or latest", nil)
			}
			version = &n
		}
		v, err := h.engine.Repo.Get(ctx, input.ItemID, version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentVersion `json:"body"`
		}{Body: v}, nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Workflow audit log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ItemID    string `query:"item_id"`
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := h.engine.Repo.EventsBefore(ctx, limit+1, before, input.ItemID, input.SessionID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = evt.Payload
		}
	}
	return EventResponse{ID: evt.ID, TS: evt.TS, Type: evt.Type, ItemID: evt.ItemID, SessionID: evt.SessionID, Payload: payload}
}

func (h *handlers) registerOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "scrape",
		Method:      http.MethodPost,
		Path:        "/scrape",
		Summary:     "Acquire a page and store it as the original version",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ScrapeRequest `json:"body"`
	}) (*struct {
		Body domain.ContentVersion `json:"body"`
	}, error) {
		v, err := h.engine.Scrape(ctx, input.Body.URL, input.Body.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentVersion `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate",
		Method:      http.MethodPost,
		Path:        "/generate",
		Summary:     "Run one model role; stored when item_id is given",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body engine.GenerateResult `json:"body"`
	}, error) {
		in := input.Body
		res, err := h.engine.GenerateOnce(ctx, engine.GenerateRequest{
			ItemID:      in.ItemID,
			Text:        in.Text,
			Role:        domain.Role(in.Role),
			Style:       in.Style,
			Tone:        in.Tone,
			MaxLength:   in.MaxLength,
			Temperature: in.Temperature,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GenerateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "self-test",
		Method:      http.MethodPost,
		Path:        "/test",
		Summary:     "Store round trip, search and optional model probe",
	}, func(ctx context.Context, input *struct {
		Body *TestRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.Diagnostics `json:"body"`
	}, error) {
		probe := input.Body != nil && input.Body.ProbeAI
		return &struct {
			Body engine.Diagnostics `json:"body"`
		}{Body: h.engine.SelfTest(ctx, probe)}, nil
	})
}

func (h *handlers) settings() SettingsResponse {
	cfg := h.engine.Config()
	resp := SettingsResponse{
		DatabasePath:  h.dbPath,
		Provider:      cfg.Generation.Provider,
		Model:         cfg.Generation.Model,
		BaseURL:       cfg.Generation.BaseURL,
		MaxTokens:     cfg.Generation.MaxTokens,
		Temperature:   cfg.Generation.Temperature,
		MaxIterations: cfg.Workflow.MaxIterations,
		DefaultStyle:  cfg.Workflow.DefaultStyle,
		DefaultTone:   cfg.Workflow.DefaultTone,
	}
	if h.model != nil {
		active := h.model.Config()
		resp.Provider = active.Provider
		resp.Model = active.Model
		resp.BaseURL = active.BaseURL
		resp.MaxTokens = active.MaxTokens
		if active.Temperature != nil {
			resp.Temperature = *active.Temperature
		}
		resp.APIKey = config.MaskSecret(active.APIKey)
		resp.APIKeySet = active.APIKey != ""
	}
	return resp
}

func (h *handlers) registerSettings(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Current settings; the API key is masked",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: h.settings()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Update model settings; a new API key is written to the workspace .env file",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SettingsUpdate `json:"body"`
	}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		if err := h.updateSettings(ctx, input.Body); err != nil {
			return nil, err
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: h.settings()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-connection",
		Method:      http.MethodPost,
		Path:        "/settings/test-connection",
		Summary:     "Send one tiny prompt to the configured model",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConnectionResponse `json:"body"`
	}, error) {
		resp := ConnectionResponse{OK: true}
		if h.model == nil {
			resp = ConnectionResponse{Error: "generation gateway not configured"}
		} else if err := h.model.Ping(ctx); err != nil {
			resp = ConnectionResponse{Error: err.Error()}
		}
		return &struct {
			Body ConnectionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h *handlers) updateSettings(ctx context.Context, in SettingsUpdate) error {
	if h.model == nil {
		return newAPIError(http.StatusServiceUnavailable, string(domain.KindConfiguration), "generation gateway not configured", nil)
	}
	h.settingsMu.Lock()
	defer h.settingsMu.Unlock()

	next := h.model.Config()
	if in.APIKey != nil {
		key := strings.TrimSpace(*in.APIKey)
		if key == "" || strings.ContainsAny(key, "\r\n") {
			return newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), "apiKey must be a single non-empty line", nil)
		}
		next.APIKey = key
	}
	if in.Provider != nil {
		next.Provider = *in.Provider
	}
	if in.Model != nil {
		next.Model = strings.TrimSpace(*in.Model)
	}
	if in.BaseURL != nil {
		next.BaseURL = strings.TrimSpace(*in.BaseURL)
	}
	if in.MaxTokens != nil {
		next.MaxTokens = *in.MaxTokens
	}
	if in.Temperature != nil {
		t := *in.Temperature
		next.Temperature = &t
	}

	// Sessions read the engine's snapshot concurrently, so build a new one and swap it in.
	updated := *h.engine.Config()
	updated.Generation.Provider = next.Provider
	updated.Generation.Model = next.Model
	updated.Generation.BaseURL = next.BaseURL
	updated.Generation.MaxTokens = next.MaxTokens
	if next.Temperature != nil {
		updated.Generation.Temperature = *next.Temperature
	}
	if err := updated.Validate(); err != nil {
		return newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), err.Error(), nil)
	}
	if err := h.model.Configure(ctx, next); err != nil {
		return handleError(err)
	}
	if in.APIKey != nil && h.workspace != "" {
		if err := config.SetEnvValue(config.DotEnvPath(h.workspace), config.APIKeyEnv[0], next.APIKey); err != nil {
			return handleError(domain.Storage("save api key", err))
		}
	}
	h.engine.SetConfig(&updated)
	if h.workspace != "" {
		if err := config.Save(h.workspace, &updated); err != nil {
			return handleError(domain.Storage("save settings", err))
		}
	}
	log.Info().Str("provider", next.Provider).Str("model", next.Model).Bool("key_changed", in.APIKey != nil).Msg("settings updated")
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
