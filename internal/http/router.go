package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dockyard-host/dockyard/internal/logstream"
	"github.com/dockyard-host/dockyard/internal/service/adopt"
	"github.com/dockyard-host/dockyard/internal/service/deploy"
	"github.com/dockyard-host/dockyard/internal/service/logs"
	"github.com/dockyard-host/dockyard/internal/service/prune"
	"github.com/dockyard-host/dockyard/internal/service/tags"
	"github.com/dockyard-host/dockyard/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitDeploy    = 12
	rateLimitControl   = 60
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to the engine's services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    deploy.Service
	pruner    *prune.Service
	tags      tags.Service
	adopt     adopt.Service
	logs      logs.Service
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	registry  *prometheus.Registry
	jwtSecret string
	dbHealth  func(context.Context) error

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc deploy.Service, pruneSvc *prune.Service, tagSvc tags.Service, adoptSvc adopt.Service, logSvc logs.Service, limiter RateLimiter, registry *prometheus.Registry, jwtSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		deploy: deploySvc,
		pruner: pruneSvc,
		tags:   tagSvc,
		adopt:  adoptSvc,
		logs:   logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		registry:  registry,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics(registry)
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	if r.registry != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	}

	r.mux.HandleFunc("POST /deploy", r.control("deploy", rateLimitDeploy, r.handleDeploy))
	r.mux.HandleFunc("POST /deploy/stream", r.requireAuth(r.withRateLimit("deploy_stream", rateLimitDeploy, rateWindowDefault, r.handleDeployStream)))
	r.mux.HandleFunc("POST /deploy/legacy", r.control("deploy_legacy", rateLimitDeploy, r.handleDeployLegacy))
	r.mux.HandleFunc("POST /projects/{id}/redeploy", r.control("redeploy", rateLimitDeploy, r.handleRedeploy))
	r.mux.HandleFunc("POST /projects/{id}/stop", r.control("stop", rateLimitControl, r.handleStop))
	r.mux.HandleFunc("POST /prune", r.control("prune_all", rateLimitControl, r.handlePruneAll))
	r.mux.HandleFunc("POST /projects/{id}/prune", r.control("prune_project", rateLimitControl, r.handlePruneProject))
	r.mux.HandleFunc("POST /offerings/{id}/tags", r.control("tag_offering", rateLimitControl, r.handleTagOffering))
	r.mux.HandleFunc("DELETE /offerings/{id}/tags/{label}", r.control("untag_offering", rateLimitControl, r.handleUntagOffering))
	r.mux.HandleFunc("POST /containers/migrate", r.control("migrate", rateLimitControl, r.handleMigrate))

	r.mux.HandleFunc("GET /ws/projects/{id}/logs", r.requireAuth(r.withRateLimit("runtime_logs", rateLimitStream, rateWindowRealtime, r.handleRuntimeLogsWS)))
	r.mux.HandleFunc("GET /projects/{id}/logs/build", r.requireAuth(r.withRateLimit("build_logs", rateLimitStream, rateWindowRealtime, r.handleBuildLogsSSE)))
}

// control is the standard middleware stack for JSON control operations.
func (r *Router) control(route string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return r.instrument(route, r.requireAuth(r.withRateLimit(route, limit, rateWindowDefault, next)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deployRequest struct {
	TeamID           string            `json:"team_id"`
	GithubURL        string            `json:"github_url"`
	BuildArgs        map[string]string `json:"build_args"`
	EnvVars          map[string]string `json:"env_vars"`
	DataFilePath     string            `json:"data_file_path"`
	OriginalFileName string            `json:"original_file_name"`
	Variant          string            `json:"variant"`
}

func (r *Router) deployInput(req *http.Request, payload deployRequest) deploy.Input {
	info, _ := authInfoFromContext(req.Context())
	return deploy.Input{
		TeamID:           payload.TeamID,
		GithubURL:        payload.GithubURL,
		DeployedBy:       info.UserID,
		BuildArgs:        payload.BuildArgs,
		EnvVars:          payload.EnvVars,
		DataFilePath:     payload.DataFilePath,
		OriginalFileName: payload.OriginalFileName,
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload deployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.deploy.Deploy(req.Context(), r.deployInput(req, payload))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (r *Router) handleDeployLegacy(w http.ResponseWriter, req *http.Request) {
	var payload deployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.deploy.DeployLegacyTwoContainer(req.Context(), r.deployInput(req, payload), payload.Variant)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// handleDeployStream relays live build events over SSE and finishes with a
// complete or error record.
func (r *Router) handleDeployStream(w http.ResponseWriter, req *http.Request) {
	var payload deployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := r.deploy.DeployStream(req.Context(), r.deployInput(req, payload))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	client := ws.NewSSEClient(w, flusher, r.logger)
	sink := subscriberSink{sub: client}
	for record := range stream.Events() {
		if err := sink.Send(record); err != nil {
			// The engine notices the dead consumer through the request
			// context; just stop relaying.
			break
		}
	}
	if _, err := stream.Wait(); err != nil {
		r.logger.Warn("streaming deploy failed", "error", err)
	}
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request) {
	info, _ := authInfoFromContext(req.Context())
	project, err := r.deploy.Redeploy(req.Context(), req.PathValue("id"), info.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	info, _ := authInfoFromContext(req.Context())
	project, err := r.deploy.Stop(req.Context(), req.PathValue("id"), info.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (r *Router) handlePruneAll(w http.ResponseWriter, req *http.Request) {
	summary := r.pruner.PruneAll(req.Context())
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handlePruneProject(w http.ResponseWriter, req *http.Request) {
	summary, err := r.pruner.PruneOne(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleTagOffering(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.Label == "" {
		writeError(w, http.StatusBadRequest, "label required")
		return
	}
	result, err := r.tags.TagOffering(req.Context(), req.PathValue("id"), payload.Label)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleUntagOffering(w http.ResponseWriter, req *http.Request) {
	result, err := r.tags.UntagOffering(req.Context(), req.PathValue("id"), req.PathValue("label"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleMigrate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ProjectName string `json:"project_name"`
		TeamID      string `json:"team_id"`
		GithubURL   string `json:"github_url"`
		DeployedBy  string `json:"deployed_by"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.adopt.Migrate(req.Context(), adopt.Input{
		ProjectName:  payload.ProjectName,
		TeamID:       payload.TeamID,
		GithubURL:    payload.GithubURL,
		DeployedByID: payload.DeployedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handleRuntimeLogsWS follows a project's container logs over a websocket.
func (r *Router) handleRuntimeLogsWS(w http.ResponseWriter, req *http.Request) {
	opts := logs.RuntimeOptions{
		Since:      req.URL.Query().Get("since"),
		Timestamps: req.URL.Query().Get("timestamps") == "true",
	}
	if tail := req.URL.Query().Get("tail"); tail != "" {
		parsed, err := strconv.Atoi(tail)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tail")
			return
		}
		opts.Tail = parsed
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()

	// Reads only surface client disconnects.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = r.logs.StreamRuntimeLogs(ctx, req.PathValue("id"), opts, subscriberSink{sub: client})
	if err != nil && ctx.Err() == nil {
		payload, marshalErr := logstream.ErrorRecord(err.Error()).Marshal()
		if marshalErr == nil {
			_ = client.Send(payload)
		}
	}
}

// handleBuildLogsSSE replays stored build output as an SSE stream.
func (r *Router) handleBuildLogsSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	err := r.logs.StreamBuildLogs(req.Context(), req.PathValue("id"), subscriberSink{sub: client})
	if err != nil {
		payload, marshalErr := logstream.ErrorRecord(err.Error()).Marshal()
		if marshalErr == nil {
			_ = client.Send(payload)
		}
	}
}
