package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"strength-arena/internal/bench"
)

type API struct {
	auth    *Auth
	store   RunStore
	service *RunService
	defs    *bench.DefinitionCache
	obs     *Observability
}

func NewAPI(auth *Auth, store RunStore, service *RunService, defs *bench.DefinitionCache, obs *Observability) *API {
	return &API{
		auth:    auth,
		store:   store,
		service: service,
		defs:    defs,
		obs:     obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.HandleFunc("GET /api/v1/tests", a.handleListTests)
	mux.HandleFunc("GET /api/v1/tests/{id}", a.handleGetTest)

	mux.Handle("POST /api/v1/runs", a.auth.Require(http.HandlerFunc(a.handleCreateRun)))
	mux.HandleFunc("GET /api/v1/runs", a.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", a.handleGetRun)
	mux.Handle("POST /api/v1/runs/{id}/insights", a.auth.Require(http.HandlerFunc(a.handleAppendInsight)))

	mux.HandleFunc("GET /api/v1/profile", a.handleProfile)
	mux.HandleFunc("POST /api/v1/compare", a.handleCompare)

	mux.Handle("POST /api/v1/admin/definitions/reload", a.auth.RequireAdmin(http.HandlerFunc(a.handleReloadDefinitions)))

	wrapped := otelhttp.NewHandler(mux, "arena-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleListTests(w http.ResponseWriter, r *http.Request) {
	defs, err := a.defs.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if categories := queryCategories(r); len(categories) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"tests": bench.FilterTestsByCategory(defs, categories),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tests": defs})
}

func (a *API) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	def, ok, err := a.defs.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "test not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("arena-api").Start(r.Context(), "runs.create")
	defer span.End()
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(
		attribute.String("run.model", req.ModelName),
		attribute.String("run.test", req.TestID),
		attribute.Int("run.iterations", req.Iterations),
	)
	record, err := a.service.ExecuteRun(ctx, req)
	if err != nil {
		span.RecordError(err)
		writeError(w, runErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// runErrorStatus maps pipeline failures: unknown definitions and bad
// input are the caller's fault, a batch timeout is a gateway timeout,
// and an exhausted id space is a conflict.
func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrTestNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrRunExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !ValidRunID(id) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	record, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleAppendInsight(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !ValidRunID(id) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	var req InsightRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	record, err := a.service.AppendInsight(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSpace(r.URL.Query().Get("model"))
	if model == "" {
		writeError(w, http.StatusBadRequest, "model query parameter required")
		return
	}
	profile, err := a.service.Profile(r.Context(), model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := a.service.Compare(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReloadDefinitions(w http.ResponseWriter, r *http.Request) {
	a.defs.Invalidate()
	defs, err := a.defs.Load()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tests": len(defs)})
}

func queryCategories(r *http.Request) []string {
	raw := strings.TrimSpace(r.URL.Query().Get("category"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
