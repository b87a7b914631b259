package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inspectworks/fieldsync/internal/agent"
	"github.com/inspectworks/fieldsync/internal/fieldsync"
)

type ServerConfig struct {
	// JWTSecret enables HS256 bearer auth on /api routes. Empty
	// disables auth.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes a read/control surface over a running sync engine. The
// agent manager is optional; status responses omit agent details
// without one.
type Server struct {
	engine      *fieldsync.Engine
	agent       *agent.Manager
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *fieldsync.Engine, agentManager *agent.Manager) *Server {
	return NewServerWithConfig(engine, agentManager, ServerConfig{}, nil)
}

func NewServerWithConfig(engine *fieldsync.Engine, agentManager *agent.Manager, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		agent:       agentManager,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "status"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events"
	case len(parts) == 2 && parts[1] == "queue" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "queue"
	case len(parts) == 4 && parts[1] == "queue" && parts[3] == "requeue" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "queue_requeue"
	case len(parts) == 2 && parts[1] == "flush" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "flush"
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "entity"
	case len(parts) == 4 && parts[1] == "entities" && parts[3] == "save" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "entity_save"
	case len(parts) == 4 && parts[1] == "entities" && parts[3] == "retry" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "entity_retry"
	case len(parts) == 4 && parts[1] == "entities" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "entity_resolve"
	case len(parts) == 3 && parts[1] == "agent" && parts[2] == "message" && r.Method == http.MethodPost:
		requiredScope = "agent:control"
		route = "agent_message"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w)
	case "events":
		s.handleEvents(w, r, correlationID)
	case "queue":
		s.handleQueue(w, r, correlationID)
	case "queue_requeue":
		s.handleQueueRequeue(w, parts[2], correlationID)
	case "flush":
		s.handleFlush(w, r, correlationID)
	case "entity":
		s.handleEntity(w, parts[2], correlationID)
	case "entity_save":
		s.handleEntitySave(w, r, parts[2], correlationID)
	case "entity_retry":
		s.handleEntityRetry(w, r, parts[2], correlationID)
	case "entity_resolve":
		s.handleEntityResolve(w, r, parts[2], correlationID)
	case "agent_message":
		s.handleAgentMessage(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type statusResponse struct {
	Online          bool              `json:"online"`
	AutoSaveEnabled bool              `json:"autoSaveEnabled"`
	QueueLength     int               `json:"queueLength"`
	FailedEntries   int               `json:"failedEntries"`
	Entities        int               `json:"entities"`
	Agent           *agentStatus      `json:"agent,omitempty"`
	States          []stateCountEntry `json:"states,omitempty"`
}

type agentStatus struct {
	State   agent.State       `json:"state"`
	Worker  *agent.WorkerInfo `json:"worker,omitempty"`
	Waiting *agent.WorkerInfo `json:"waiting,omitempty"`
	Stats   agent.Stats       `json:"stats"`
}

type stateCountEntry struct {
	State fieldsync.SaveState `json:"state"`
	Count int                 `json:"count"`
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	states := s.engine.States()
	counts := map[fieldsync.SaveState]int{}
	for _, snap := range states {
		counts[snap.State]++
	}
	failed := 0
	for _, entry := range s.engine.QueueEntries() {
		if entry.Status == fieldsync.EntryFailed {
			failed++
		}
	}
	resp := statusResponse{
		Online:          s.engine.Online(),
		AutoSaveEnabled: s.engine.AutoSaveEnabled(),
		QueueLength:     s.engine.QueueLength(),
		FailedEntries:   failed,
		Entities:        len(states),
	}
	for state, count := range counts {
		resp.States = append(resp.States, stateCountEntry{State: state, Count: count})
	}
	if s.agent != nil {
		status := &agentStatus{State: s.agent.State(), Stats: s.agent.Stats()}
		if info, ok := s.agent.ActiveWorker(); ok {
			status.Worker = &info
		}
		if info, ok := s.agent.WaitingWorker(); ok {
			status.Waiting = &info
		}
		resp.Agent = status
	}
	writeJSON(w, http.StatusOK, resp)
}

type entityResponse struct {
	State  fieldsync.SaveSnapshot    `json:"state"`
	Draft  *fieldsync.DesiredState   `json:"draft,omitempty"`
	Remote *fieldsync.RemoteRecord   `json:"remote,omitempty"`
	Queued *fieldsync.SyncQueueEntry `json:"queued,omitempty"`
}

func (s *Server) snapshotEntity(entityID string) (entityResponse, bool) {
	snap := s.engine.State(entityID)
	resp := entityResponse{State: snap}
	known := false
	if draft, ok := s.engine.Draft(entityID); ok {
		resp.Draft = &draft
		known = true
	}
	if baseline, ok := s.engine.Baseline(entityID); ok {
		resp.Remote = &baseline
		known = true
	}
	if queued, ok := s.engine.PeekQueued(entityID); ok {
		resp.Queued = queued
		known = true
	}
	if snap.State != fieldsync.StateIdle || !snap.LastAttemptAt.IsZero() {
		known = true
	}
	return resp, known
}

func (s *Server) handleEntity(w http.ResponseWriter, entityID, correlationID string) {
	resp, known := s.snapshotEntity(entityID)
	if !known {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type saveRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (s *Server) handleEntitySave(w http.ResponseWriter, r *http.Request, entityID, correlationID string) {
	var req saveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	status, err := fieldsync.ParseItemStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	err = s.engine.SubmitChange(r.Context(), entityID, status, req.Notes)
	s.writeSaveOutcome(w, entityID, err, correlationID)
}

func (s *Server) handleEntityRetry(w http.ResponseWriter, r *http.Request, entityID, correlationID string) {
	err := s.engine.Retry(r.Context(), entityID)
	if errors.Is(err, fieldsync.ErrStateNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity", correlationID)
		return
	}
	if errors.Is(err, fieldsync.ErrConflictPending) {
		writeError(w, http.StatusConflict, "conflict_pending", "resolve the pending conflict first", correlationID)
		return
	}
	s.writeSaveOutcome(w, entityID, err, correlationID)
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handleEntityResolve(w http.ResponseWriter, r *http.Request, entityID, correlationID string) {
	var req resolveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	strategy, err := fieldsync.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	err = s.engine.Resolve(r.Context(), entityID, strategy)
	switch {
	case err == nil:
		resp, _ := s.snapshotEntity(entityID)
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, fieldsync.ErrNoConflict):
		writeError(w, http.StatusConflict, "no_conflict", "entity has no pending conflict", correlationID)
	case errors.Is(err, fieldsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, fieldsync.ErrResolutionFailed):
		writeError(w, http.StatusBadGateway, "resolution_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// writeSaveOutcome maps a save attempt to a response. Offline saves
// land in the queue and report 202; conflicts report 409 with the
// conflict payload so the client can offer resolution choices.
func (s *Server) writeSaveOutcome(w http.ResponseWriter, entityID string, err error, correlationID string) {
	if err == nil {
		resp, _ := s.snapshotEntity(entityID)
		status := http.StatusOK
		if !s.engine.Online() {
			status = http.StatusAccepted
		}
		writeJSON(w, status, resp)
		return
	}
	var conflictErr *fieldsync.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		snap := s.engine.State(entityID)
		payload := map[string]any{
			"code":          "version_conflict",
			"message":       err.Error(),
			"correlationId": correlationID,
			"remote":        conflictErr.Remote,
		}
		if snap.Conflict != nil {
			payload["conflict"] = snap.Conflict
		}
		writeJSON(w, http.StatusConflict, payload)
	case errors.Is(err, fieldsync.ErrSaveInFlight):
		writeError(w, http.StatusConflict, "save_in_flight", "a save for this entity is already in flight", correlationID)
	case errors.Is(err, fieldsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, fieldsync.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
	default:
		kind := fieldsync.Classify(err, s.engine.Online())
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":          "save_failed",
			"message":       err.Error(),
			"kind":          kind.String(),
			"correlationId": correlationID,
		})
	}
}

type queueResponse struct {
	Length  int                        `json:"length"`
	Entries []fieldsync.SyncQueueEntry `json:"entries"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	filter := r.URL.Query().Get("status")
	if filter != "" && filter != string(fieldsync.EntryPending) && filter != string(fieldsync.EntryFailed) {
		writeError(w, http.StatusBadRequest, "bad_request", "status must be pending or failed", correlationID)
		return
	}
	entries := s.engine.QueueEntries()
	filtered := make([]fieldsync.SyncQueueEntry, 0, len(entries))
	for _, entry := range entries {
		if filter != "" && string(entry.Status) != filter {
			continue
		}
		filtered = append(filtered, entry)
	}
	writeJSON(w, http.StatusOK, queueResponse{Length: s.engine.QueueLength(), Entries: filtered})
}

func (s *Server) handleQueueRequeue(w http.ResponseWriter, entryID, correlationID string) {
	if err := s.engine.RequeueEntry(entryID); err != nil {
		if errors.Is(err, fieldsync.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown queue entry", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requeued": entryID, "queueLength": s.engine.QueueLength()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.engine.Flush(r.Context())
	if err != nil {
		if errors.Is(err, fieldsync.ErrFlushInProgress) {
			writeError(w, http.StatusConflict, "flush_in_progress", "a flush is already running", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.agent == nil {
		writeError(w, http.StatusNotFound, "not_found", "no background agent configured", correlationID)
		return
	}
	var msg agent.Message
	if !s.decodeJSONBody(w, r, correlationID, &msg) {
		return
	}
	if msg.ID == "" {
		msg.ID = correlationID
	}
	resp, err := s.agent.PostMessageWithResponse(r.Context(), msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, agent.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, agent.ErrNotRegistered):
		writeError(w, http.StatusConflict, "agent_not_registered", err.Error(), correlationID)
	case errors.Is(err, agent.ErrResponseTimeout):
		writeError(w, http.StatusGatewayTimeout, "agent_timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
