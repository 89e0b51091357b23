package httpx

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
	"github.com/moneybench/arena/internal/service/leaderboard"
	"github.com/moneybench/arena/internal/service/ledger"
	"github.com/moneybench/arena/internal/service/submission"
	"github.com/moneybench/arena/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	submissions   *submission.Service
	ledger        *ledger.Service
	board         *leaderboard.Service
	cycles        repository.CycleRepository
	deployments   repository.DeploymentRepository
	models        repository.ModelRepository
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	webhookSecret string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	ledgerEvents       *prometheus.CounterVec
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitSubmission = 12
	rateLimitRead       = 120
	rateLimitWebhook    = 600
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	sseHeartbeatEvery   = 25 * time.Second
	defaultListLimit    = 50
	maxListLimit        = 200
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, submissions *submission.Service, ledgerSvc *ledger.Service, board *leaderboard.Service, models repository.ModelRepository, cycles repository.CycleRepository, deployments repository.DeploymentRepository, hub *ws.Hub, limiter RateLimiter, webhookSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		submissions: submissions,
		ledger:      ledgerSvc,
		board:       board,
		models:      models,
		cycles:      cycles,
		deployments: deployments,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		webhookSecret: strings.TrimSpace(webhookSecret),
		dbHealth:      dbHealth,
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/leaderboard", r.audit(r.withRateLimit("/leaderboard", rateLimitRead, rateWindowDefault, r.handleLeaderboard)))
	r.mux.HandleFunc("/models", r.audit(r.withRateLimit("/models", rateLimitSubmission, rateWindowDefault, r.handleRegisterModel)))
	r.mux.HandleFunc("/models/", r.audit(r.handleModelSubroutes))
	r.mux.HandleFunc("/cycles/", r.audit(r.withRateLimit("/cycles", rateLimitRead, rateWindowDefault, r.handleCycleSubroutes)))
	r.mux.HandleFunc("/webhooks/payments", r.audit(r.withRateLimit("/webhooks/payments", rateLimitWebhook, rateWindowDefault, r.handlePaymentWebhook)))
	r.mux.HandleFunc("/ws/events", r.audit(r.withRateLimit("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("/events", r.audit(r.handleEventsSSE))
}

func (r *Router) handleRegisterModel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name      string `json:"name"`
		Subdomain string `json:"subdomain"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Name = strings.ToLower(strings.TrimSpace(payload.Name))
	payload.Subdomain = strings.ToLower(strings.TrimSpace(payload.Subdomain))
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if payload.Subdomain == "" {
		payload.Subdomain = payload.Name
	}
	if !subdomainPattern.MatchString(payload.Subdomain) {
		writeError(w, http.StatusBadRequest, "subdomain must be lowercase letters, digits, or hyphens")
		return
	}
	if _, err := r.models.GetModelByName(req.Context(), payload.Name); err == nil {
		writeError(w, http.StatusConflict, "model already registered")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "could not check model")
		return
	}
	model := &domain.Model{
		ID:        uuid.NewString(),
		Name:      payload.Name,
		Subdomain: payload.Subdomain,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.models.CreateModel(req.Context(), model); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, "model already registered")
			return
		}
		r.logger.Error("model registration failed", "name", payload.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "could not register model")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        model.ID,
		"name":      model.Name,
		"subdomain": model.Subdomain,
	})
}

func (r *Router) handleModelSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/models/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	name := parts[0]
	switch parts[1] {
	case "artifacts":
		r.withRateLimit("/models/artifacts", rateLimitSubmission, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleSubmitArtifacts(w, req, name)
		})(w, req)
	case "cycles":
		r.withRateLimit("/models/cycles", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleListCycles(w, req, name)
		})(w, req)
	case "deployments":
		r.withRateLimit("/models/deployments", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleListDeployments(w, req, name)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleSubmitArtifacts(w http.ResponseWriter, req *http.Request, modelName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Files []struct {
			Path    string `json:"path"`
			Content []byte `json:"content"`
		} `json:"files"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	files := make([]submission.File, 0, len(payload.Files))
	for _, f := range payload.Files {
		files = append(files, submission.File{Path: f.Path, Content: f.Content})
	}
	set, cycle, err := r.submissions.Submit(req.Context(), modelName, files)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown model")
		case errors.Is(err, submission.ErrNoOpenWindow):
			writeError(w, http.StatusConflict, "no submission window open")
		case errors.Is(err, submission.ErrAlreadySubmitted), errors.Is(err, repository.ErrConflict):
			writeError(w, http.StatusConflict, "submission already recorded for this cycle")
		case errors.Is(err, submission.ErrEmptySubmission):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.logger.Error("submission failed", "model", modelName, "error", err)
			writeError(w, http.StatusInternalServerError, "could not record submission")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"artifact_set_id": set.ID,
		"cycle_id":        cycle.ID,
		"cycle_index":     cycle.Index,
		"content_hash":    set.ContentHash,
	})
}

func (r *Router) handleListCycles(w http.ResponseWriter, req *http.Request, modelName string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	model, err := r.models.GetModelByName(req.Context(), modelName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown model")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load model")
		return
	}
	cycles, err := r.cycles.ListCyclesByModel(req.Context(), model.ID, listLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load cycles")
		return
	}
	out := make([]map[string]any, 0, len(cycles))
	for _, c := range cycles {
		entry := map[string]any{
			"id":           c.ID,
			"index":        c.Index,
			"state":        c.State,
			"window_start": c.WindowStart,
			"window_end":   c.WindowEnd,
		}
		if c.CloseReason != "" {
			entry["close_reason"] = c.CloseReason
		}
		if c.ClosedAt != nil {
			entry["closed_at"] = c.ClosedAt
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model.Name, "cycles": out})
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, modelName string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	model, err := r.models.GetModelByName(req.Context(), modelName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown model")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load model")
		return
	}
	records, err := r.deployments.ListDeploymentsByModel(req.Context(), model.ID, listLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load deployments")
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, d := range records {
		entry := map[string]any{
			"id":           d.ID,
			"cycle_id":     d.CycleID,
			"status":       d.Status,
			"image_ref":    d.ImageRef,
			"endpoint":     d.Endpoint,
			"activated_at": d.ActivatedAt,
		}
		if d.RetiredAt != nil {
			entry["retired_at"] = d.RetiredAt
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model.Name, "deployments": out})
}

func (r *Router) handleCycleSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/cycles/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "revenue" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.ledger.RevenueByCycle(req.Context(), parts[0])
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown cycle")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load revenue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle_id":       summary.CycleID,
		"settled_minor":  summary.SettledMinor,
		"reversed_minor": summary.ReversedMinor,
		"net_minor":      summary.NetMinor(),
		"late_minor":     summary.LateMinor,
		"events":         summary.Events,
	})
}

func (r *Router) handleLeaderboard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snapshot, err := r.board.Snapshot(req.Context())
	if err != nil {
		r.logger.Error("leaderboard snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not build leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (r *Router) handlePaymentWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := readBody(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if !r.verifyWebhookSignature(w, req, body) {
		return
	}
	var event ledger.Event
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.ledger.Ingest(req.Context(), event)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.logger.Error("payment ingestion failed", "processor_id", event.ProcessorID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not record event")
		return
	}
	r.recordLedgerEvent(result.Outcome, event.Status)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"outcome":  result.Outcome,
		"cycle_id": result.CycleID,
		"late":     result.Late,
	})
}

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body against
// the shared processor secret.
func (r *Router) verifyWebhookSignature(w http.ResponseWriter, req *http.Request, body []byte) bool {
	if r.webhookSecret == "" {
		r.logger.Error("payment webhook secret not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "webhook authentication misconfigured")
		return false
	}
	provided := strings.TrimSpace(req.Header.Get("X-Webhook-Signature"))
	if provided == "" {
		writeError(w, http.StatusUnauthorized, "missing webhook signature")
		return false
	}
	hasher := hmac.New(sha256.New, []byte(r.webhookSecret))
	hasher.Write(body)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		r.logger.Warn("webhook signature mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return false
	}
	return true
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	stream := req.URL.Query().Get("model")
	if stream == "" {
		stream = ws.StreamAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(stream, client)
	go func() {
		defer func() {
			r.hub.Unregister(stream, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	stream := req.URL.Query().Get("model")
	if stream == "" {
		stream = ws.StreamAll
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(stream, client)
	defer func() {
		r.hub.Unregister(stream, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
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
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
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

// routeLabel collapses per-entity path segments so metrics cardinality
// stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return path
	}
	switch parts[0] {
	case "models":
		if len(parts) == 3 {
			return "/models/" + parts[2]
		}
		return "/models"
	case "cycles":
		if len(parts) == 3 {
			return "/cycles/" + parts[2]
		}
		return "/cycles"
	default:
		return "/" + strings.Join(parts, "/")
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

func listLimit(req *http.Request) int {
	limit := defaultListLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func readBody(req *http.Request) ([]byte, error) {
	defer req.Body.Close()
	return io.ReadAll(io.LimitReader(req.Body, 1<<20))
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
