package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Satvik374/bot-deployer/internal/domain"
	"github.com/Satvik374/bot-deployer/internal/logstream"
	"github.com/Satvik374/bot-deployer/internal/service/deploy"
)

// Router wires HTTP endpoints to the deployment service and log hub.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	deploy        deploy.Service
	hub           *logstream.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	operatorToken string

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault    = time.Minute
	rateWindowRealtime   = 30 * time.Second
	rateLimitDeploy      = 30
	rateLimitRead        = 120
	rateLimitControl     = 60
	rateLimitStream      = 30
	healthCheckTimeout   = 2 * time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc deploy.Service, hub *logstream.Hub, limiter RateLimiter, operatorToken string) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		deploy: deploySvc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		operatorToken: strings.TrimSpace(operatorToken),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
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
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.handlerAuthRate("/deploy", rateLimitDeploy, rateWindowDefault, r.handleDeploy)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/:id", r.handlerAuthRate("/deployments/:id", rateLimitControl, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.handlerAuthRate("/ws/logs", rateLimitStream, rateWindowRealtime, r.handleLogsWS)))
	r.mux.HandleFunc("/logs/stream", r.audit("/logs/stream", r.handlerAuthRate("/logs/stream", rateLimitStream, rateWindowRealtime, r.handleLogsSSE)))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deploy.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dep, err := r.deploy.Deploy(req.Context(), payload)
	if err != nil {
		r.recordDeployResult("rejected")
		if errors.Is(err, deploy.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordDeployResult("accepted")
	writeJSON(w, http.StatusAccepted, marshalDeployment(dep))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summaries := r.deploy.List()
	payload := make([]map[string]any, 0, len(summaries))
	for _, s := range summaries {
		payload = append(payload, map[string]any{
			"id":        s.ID,
			"repo_name": s.RepoName,
			"repo_url":  s.RepoURL,
			"state":     s.State,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	if id == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleDeploymentGet(w, req, id)
	case len(parts) == 2 && parts[1] == "stop":
		r.handleDeploymentStop(w, req, id)
	case len(parts) == 2 && parts[1] == "restart":
		r.handleDeploymentRestart(w, req, id)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	dep, err := r.deploy.Get(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployment(dep))
}

func (r *Router) handleDeploymentStop(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	dep, err := r.deploy.Stop(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployment(dep))
}

func (r *Router) handleDeploymentRestart(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	dep, err := r.deploy.Restart(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployment(dep))
}

// handleLogsWS upgrades the connection and registers it on the log hub.
// A missing deployment_id subscribes to every deployment's stream.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if id == "" {
		id = logstream.Wildcard
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := logstream.NewClient(conn, r.logger)
	r.hub.Register(id, client)
	go func() {
		defer func() {
			r.hub.Unregister(id, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleLogsSSE streams log lines as Server-Sent Events until the
// client disconnects.
func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if id == "" {
		id = logstream.Wildcard
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := logstream.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(id, client)
	defer func() {
		r.hub.Unregister(id, client)
		client.Close()
	}()

	// An immediate comment frame opens the stream through buffering
	// proxies before the first log line arrives.
	if err := client.Heartbeat(); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if err := r.deploy.Health(ctx); err != nil {
		status = "degraded"
		component = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"orchestrator": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func marshalDeployment(dep domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":          dep.ID,
		"repo_url":    dep.RepoURL,
		"repo_name":   dep.RepoName,
		"run_command": dep.RunCmd,
		"state":       dep.State,
		"workdir":     dep.Workdir,
		"created_at":  dep.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  dep.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if dep.BuildCmd != "" {
		payload["build_command"] = dep.BuildCmd
	}
	if dep.EnvFile != "" {
		payload["env_file"] = dep.EnvFile
	}
	return payload
}

// audit wraps handlers with request logging and metrics.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
