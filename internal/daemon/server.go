package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/origincreativegroup/Loom/internal/api"
	"github.com/origincreativegroup/Loom/internal/assistant"
	"github.com/origincreativegroup/Loom/internal/caseflow"
	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/llm"
	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/orchestrator"
	"github.com/origincreativegroup/Loom/internal/security"
)

const (
	maxBodyBytes = 1 << 20
	probeTimeout = 5 * time.Second
)

// Cases is the case API the HTTP layer serves.
type Cases interface {
	Submit(ctx context.Context, req caseflow.NewCase) (model.Case, error)
	Get(ctx context.Context, caseID string) (model.Case, error)
	List(ctx context.Context, limit int) ([]model.CaseSummary, error)
	Progress(ctx context.Context, caseID string) (caseflow.Progress, error)
	Report(ctx context.Context, caseID string) (string, bool, error)
	ToolOutcome(ctx context.Context, caseID, toolName string) (model.ToolOutcome, error)
	Cancel(ctx context.Context, caseID string) (model.Case, error)
	Logs(ctx context.Context, caseID string) ([]model.ActivityLog, error)
}

type Catalog interface {
	Descriptors() []model.ToolDescriptor
}

type Chatter interface {
	Ask(ctx context.Context, message string, cc assistant.Context) (assistant.Answer, error)
}

// Probe reports whether a dependency is reachable. A nil probe marks the
// component disabled.
type Probe func(ctx context.Context) error

type Deps struct {
	Cases     Cases
	Tools     Catalog
	Assistant Chatter
	Probes    map[string]Probe
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Server struct {
	cfg       config.Config
	cases     Cases
	tools     Catalog
	assistant Chatter
	probes    map[string]Probe
	log       zerolog.Logger
	now       func() time.Time
	httpSrv   *http.Server
	listener  net.Listener
	mu        sync.Mutex

	healthMu      sync.Mutex
	healthCache   api.HealthResponse
	healthExpires time.Time

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Server{
		cfg:       cfg,
		cases:     deps.Cases,
		tools:     deps.Tools,
		assistant: deps.Assistant,
		probes:    deps.Probes,
		log:       deps.Logger.With().Str("component", "http").Logger(),
		now:       now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/config", s.configHandler)
	mux.HandleFunc("/v1/tools", s.requireKey(s.toolsHandler))
	mux.HandleFunc("/v1/cases", s.requireKey(s.casesHandler))
	mux.HandleFunc("/v1/cases/", s.requireKey(s.caseByIDHandler))
	mux.HandleFunc("/v1/chat", s.requireKey(s.chatHandler))
	s.httpSrv = &http.Server{
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for in-process use and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Addr returns the bound address once Start has begun listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Bool("api_key_required", s.cfg.APIKey != "").Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		grace := s.cfg.ShutdownGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.shutdownErr = fmt.Errorf("shutdown http: %w", err)
			}
		}
	})
	return s.shutdownErr
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, model.ErrUnauthorized, "invalid or missing API key")
				return
			}
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, s.health(r.Context()))
}

// health probes every component at most once per HealthCacheTTL.
func (s *Server) health(ctx context.Context) api.HealthResponse {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	now := s.now()
	if !s.healthExpires.IsZero() && now.Before(s.healthExpires) {
		return s.healthCache
	}

	components := map[string]string{"api": "ok"}
	status := "ok"
	for _, name := range []string{"llm", "store", "couchdb"} {
		probe := s.probes[name]
		if probe == nil {
			components[name] = "disabled"
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(pctx)
		cancel()
		if err != nil {
			s.log.Debug().Err(err).Str("component", name).Msg("health probe failed")
			components[name] = "error"
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}
	s.healthCache = api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Status:        status,
		Components:    components,
	}
	s.healthExpires = now.Add(s.cfg.HealthCacheTTL)
	return s.healthCache
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ConfigResponse{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    s.now(),
		LLMProvider:    s.cfg.LLM.Provider,
		LLMModel:       s.cfg.LLM.Model,
		LLMURL:         security.RedactURL(s.cfg.LLM.BaseURL),
		AvailableTools: s.toolItems(),
		APIKeyRequired: s.cfg.APIKey != "",
		Databases: map[string]bool{
			"sqlite":  true,
			"couchdb": s.cfg.Couch.Enabled(),
		},
	})
}

func (s *Server) toolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ToolsEnvelope{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    s.now(),
		AvailableTools: s.toolItems(),
	})
}

func (s *Server) toolItems() []api.ToolItem {
	if s.tools == nil {
		return []api.ToolItem{}
	}
	return api.ToolItems(s.tools.Descriptors())
}

func (s *Server) casesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listCases(w, r)
	case http.MethodPost:
		s.createCase(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	var req api.CreateCaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	c, err := s.cases.Submit(r.Context(), caseflow.NewCase{
		Title:       req.Title,
		Description: req.Description,
		Target:      req.Target,
		Tools:       req.Tools,
		ToolOptions: req.ToolOptions,
	})
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.CaseAccepted{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		CaseID:        c.CaseID,
		Status:        string(c.Status),
		Message:       c.Message,
	})
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	summaries, err := s.cases.List(r.Context(), limit)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	items := make([]api.CaseSummaryItem, 0, len(summaries))
	for _, sum := range summaries {
		items = append(items, api.SummaryItem(sum))
	}
	s.writeJSON(w, http.StatusOK, api.CasesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Cases:         items,
	})
}

// caseByIDHandler routes /v1/cases/{id}[/status|/report|/watch|/cancel|/logs|/tools/{tool}].
func (s *Server) caseByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/cases/"), "/")
	parts := strings.Split(rest, "/")
	caseID := strings.TrimSpace(parts[0])
	if caseID == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "case id is required")
		return
	}
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}
	switch {
	case sub == "" && len(parts) == 1:
		s.onlyGet(w, r, func() { s.getCase(w, r, caseID) })
	case sub == "status" && len(parts) == 2:
		s.onlyGet(w, r, func() { s.caseStatus(w, r, caseID) })
	case sub == "report" && len(parts) == 2:
		s.onlyGet(w, r, func() { s.caseReport(w, r, caseID) })
	case sub == "watch" && len(parts) == 2:
		s.onlyGet(w, r, func() { s.watchCase(w, r, caseID) })
	case sub == "logs" && len(parts) == 2:
		s.onlyGet(w, r, func() { s.caseLogs(w, r, caseID) })
	case sub == "tools" && len(parts) == 3:
		s.onlyGet(w, r, func() { s.toolPayload(w, r, caseID, parts[2]) })
	case sub == "cancel" && len(parts) == 2:
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.cancelCase(w, r, caseID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "route not found")
	}
}

func (s *Server) onlyGet(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	next()
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request, caseID string) {
	c, err := s.cases.Get(r.Context(), caseID)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.Detail(c, s.now()))
}

func (s *Server) caseStatus(w http.ResponseWriter, r *http.Request, caseID string) {
	p, err := s.cases.Progress(r.Context(), caseID)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CaseStatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		StatusItem:    api.Status(p),
	})
}

func (s *Server) caseReport(w http.ResponseWriter, r *http.Request, caseID string) {
	report, synthesized, err := s.cases.Report(r.Context(), caseID)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	status := model.CaseError
	if synthesized {
		status = model.CaseCompleted
	}
	s.writeJSON(w, http.StatusOK, api.ReportResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		CaseID:        caseID,
		Status:        string(status),
		Synthesized:   synthesized,
		Report:        report,
	})
}

func (s *Server) toolPayload(w http.ResponseWriter, r *http.Request, caseID, toolName string) {
	out, err := s.cases.ToolOutcome(r.Context(), caseID, toolName)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ToolPayloadResponse{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    s.now(),
		CaseID:         caseID,
		ToolResultItem: api.ToolResult(out),
		RawOutput:      out.RawOutput,
	})
}

func (s *Server) caseLogs(w http.ResponseWriter, r *http.Request, caseID string) {
	logs, err := s.cases.Logs(r.Context(), caseID)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	items := make([]api.LogItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, api.Log(l))
	}
	s.writeJSON(w, http.StatusOK, api.LogsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		CaseID:        caseID,
		Logs:          items,
	})
}

func (s *Server) cancelCase(w http.ResponseWriter, r *http.Request, caseID string) {
	c, err := s.cases.Cancel(r.Context(), caseID)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CancelResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		CaseID:        c.CaseID,
		Status:        string(c.Status),
		Message:       c.Message,
	})
}

// watchCase streams a JSON line whenever the case's progress changes and
// ends after the line that reports a terminal status.
func (s *Server) watchCase(w http.ResponseWriter, r *http.Request, caseID string) {
	ctx := r.Context()
	p, err := s.cases.Progress(ctx, caseID)
	if err != nil {
		s.writeCaseError(w, err)
		return
	}
	interval := s.cfg.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var (
		seq  int64
		last []byte
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		item := api.Status(p)
		key, _ := json.Marshal(item)
		terminal := p.Status.Terminal()
		if terminal || string(key) != string(last) {
			seq++
			line := api.WatchLine{
				SchemaVersion: api.SchemaVersion,
				EmittedAt:     s.now(),
				Type:          "snapshot",
				Sequence:      seq,
				Progress:      item,
			}
			if terminal {
				line.Type = "terminal"
			}
			if err := enc.Encode(line); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			last = key
		}
		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p, err = s.cases.Progress(ctx, caseID); err != nil {
			s.log.Warn().Err(err).Str("case_id", caseID).Msg("watch progress")
			return
		}
	}
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.assistant == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrLLMUnavailable, "assistant is not configured")
		return
	}
	var req api.ChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var cc assistant.Context
	if req.Context != nil {
		cc = assistant.Context{Target: req.Context.Target, ToolsUsed: req.Context.ToolsUsed}
	}
	ans, err := s.assistant.Ask(r.Context(), req.Message, cc)
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	case errors.Is(err, llm.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrLLMUnavailable, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Msg("assistant")
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.ChatResponse{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    s.now(),
		Response:       ans.Response,
		Model:          ans.Model,
		TargetKind:     string(ans.TargetKind),
		SuggestedTools: ans.SuggestedTools,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeCaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "not found")
	case errors.Is(err, orchestrator.ErrReportNotReady):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "request cancelled")
	default:
		s.log.Error().Err(err).Msg("case request failed")
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
