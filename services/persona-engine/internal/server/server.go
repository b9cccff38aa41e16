// Package server exposes the deception engine to the SSH and web transports
// over a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"personashift/pkg/circuitbreaker"
	"personashift/pkg/deception"
	"personashift/pkg/gateway"
	"personashift/pkg/metrics"
	otelobs "personashift/pkg/observability/otel"
	"personashift/pkg/oracle"
	"personashift/pkg/persona"
	"personashift/pkg/ratelimit"
	"personashift/pkg/sessionlog"
	"personashift/pkg/strategy"
	"personashift/shared/logging"
)

const serviceName = "persona-engine"

// StrategyLister is the read side of the strategy store the API needs.
type StrategyLister interface {
	ListStrategies(ctx context.Context) ([]strategy.PersonaStrategy, error)
	Ping(ctx context.Context) error
}

// BreakerReporter is implemented by oracles guarded by a circuit breaker.
type BreakerReporter interface {
	Breaker() *circuitbreaker.CircuitBreaker
}

type Options struct {
	Manager *deception.Manager
	// Store may be nil when no strategy backend could be opened.
	Store    StrategyLister
	Writer   *sessionlog.Writer
	Auth     *gateway.AuthMiddleware
	Registry *prometheus.Registry
	Oracle   oracle.Oracle
	// Limiter may be nil for no throttling.
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
}

// Server holds the engine and exposes HTTP handlers.
type Server struct {
	manager  *deception.Manager
	store    StrategyLister
	writer   *sessionlog.Writer
	auth     *gateway.AuthMiddleware
	registry *prometheus.Registry
	httpm    *metrics.HTTPMetrics
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	history map[string]*history
}

// history is what the session record needs beyond the engine state.
type history struct {
	mu       sync.Mutex
	clientIP string
	username string
	commands []sessionlog.Command
	requests []sessionlog.HTTPRequest
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	auth := opts.Auth
	if auth == nil {
		auth = gateway.NewAuthMiddleware(gateway.AuthConfig{})
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		manager:  opts.Manager,
		store:    opts.Store,
		writer:   opts.Writer,
		auth:     auth,
		registry: reg,
		httpm:    metrics.NewHTTPMetrics(reg, serviceName),
		limiter:  opts.Limiter,
		log:      log.Named("server"),
		now:      time.Now,
		history:  make(map[string]*history),
	}
	if br, ok := opts.Oracle.(BreakerReporter); ok {
		s.breaker = br.Breaker()
	}
	return s
}

// Handler returns the routed, instrumented API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	transport := func(h http.HandlerFunc) http.Handler { return s.auth.RequireRole(gateway.RoleTransport, h) }
	operator := func(h http.HandlerFunc) http.Handler { return s.auth.RequireRole(gateway.RoleOperator, h) }

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.Handle("POST /v1/sessions", transport(s.OpenSessionHandler))
	mux.Handle("GET /v1/sessions/{id}", transport(s.GetSessionHandler))
	mux.Handle("POST /v1/sessions/{id}/interactions", transport(s.InteractionHandler))
	mux.Handle("POST /v1/sessions/{id}/close", transport(s.CloseSessionHandler))
	mux.Handle("GET /v1/personas", transport(s.PersonasHandler))
	mux.Handle("GET /v1/strategies", operator(s.StrategiesHandler))

	var h http.Handler = s.auth.Authenticate(mux)
	h = s.limiter.Middleware(h)
	h = s.httpm.Middleware(h)
	h = otelobs.HTTPTraceLogMiddleware(s.log, h)
	return otelobs.WrapHTTPHandler(serviceName, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"sessions": s.manager.Len(),
		"store":    "none",
		"oracle":   "heuristic-only",
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			resp["store"] = "unavailable"
		} else {
			resp["store"] = "ok"
		}
	}
	if s.breaker != nil {
		resp["oracle"] = s.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type OpenSessionRequest struct {
	SessionID string `json:"session_id"`
	ClientIP  string `json:"client_ip"`
	Username  string `json:"username"`
}

type PersonaView struct {
	Name    string            `json:"name"`
	Modules []string          `json:"modules"`
	Prompts map[string]string `json:"prompts,omitempty"`
}

func personaView(p persona.Persona) PersonaView {
	v := PersonaView{Name: p.Name, Modules: p.Modules}
	if len(p.Prompts) > 0 {
		v.Prompts = make(map[string]string, len(p.Prompts))
		for _, o := range p.Prompts {
			v.Prompts[string(o.Protocol)] = o.Text
		}
	}
	return v
}

type OpenSessionResponse struct {
	SessionID string      `json:"session_id"`
	Persona   PersonaView `json:"persona"`
}

func (s *Server) OpenSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	sess, err := s.manager.Open(req.SessionID)
	if errors.Is(err, deception.ErrSessionExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.history[sess.ID()] = &history{clientIP: req.ClientIP, username: req.Username}
	s.mu.Unlock()

	logging.FromContext(logging.WithCorrelationID(r.Context(), sess.ID()), s.log).
		Info("session opened", zap.String("client_ip", req.ClientIP), zap.String("persona", sess.Persona().Name))
	writeJSON(w, http.StatusCreated, OpenSessionResponse{SessionID: sess.ID(), Persona: personaView(sess.Persona())})
}

type InteractionRequest struct {
	Protocol string `json:"protocol"`
	Content  string `json:"content"`
	Output   string `json:"output,omitempty"`
	Category string `json:"category,omitempty"`
	Method   string `json:"method,omitempty"`
	Path     string `json:"path,omitempty"`
	Query    string `json:"query,omitempty"`
	Status   int    `json:"status,omitempty"`
}

type InteractionResponse struct {
	SessionID  string                      `json:"session_id"`
	Counter    int64                       `json:"interaction_count"`
	Persona    string                      `json:"persona"`
	Prompt     string                      `json:"prompt,omitempty"`
	Modules    []string                    `json:"modules"`
	Evaluated  bool                        `json:"evaluated"`
	Outcome    string                      `json:"outcome,omitempty"`
	Reason     string                      `json:"reason,omitempty"`
	Transition *deception.TransitionRecord `json:"transition,omitempty"`
}

func parseProtocol(s string) (persona.Protocol, bool) {
	switch persona.Protocol(strings.ToLower(s)) {
	case persona.SSH, "":
		return persona.SSH, true
	case persona.Web, "http":
		return persona.Web, true
	}
	return "", false
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*deception.Session, bool) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	return sess, true
}

func (s *Server) InteractionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req InteractionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	proto, ok := parseProtocol(req.Protocol)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown protocol %q", req.Protocol))
		return
	}
	content := req.Content
	if content == "" && proto == persona.Web {
		content = strings.TrimSpace(req.Method + " " + req.Path)
	}
	if content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	ctx := logging.WithCorrelationID(r.Context(), sess.ID())
	ev, err := sess.Interact(ctx, proto, content)
	if errors.Is(err, deception.ErrSessionClosed) {
		writeError(w, http.StatusGone, "session closed")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.remember(sess.ID(), proto, content, req)

	p := sess.Persona()
	prompt, _ := p.Prompt(proto)
	resp := InteractionResponse{
		SessionID:  sess.ID(),
		Counter:    ev.Counter,
		Persona:    p.Name,
		Prompt:     prompt,
		Modules:    p.Modules,
		Evaluated:  ev.Ran,
		Transition: ev.Transition,
	}
	if ev.Ran {
		resp.Outcome = string(ev.Result.Outcome)
		resp.Reason = ev.Result.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// remember adds an accepted interaction to the history of an open session.
// Sessions already persisted have no history and are left alone.
func (s *Server) remember(id string, proto persona.Protocol, content string, req InteractionRequest) bool {
	s.mu.Lock()
	h, ok := s.history[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	now := s.now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	if proto == persona.Web {
		h.requests = append(h.requests, sessionlog.HTTPRequest{
			Timestamp: now,
			Method:    req.Method,
			Path:      firstNonEmpty(req.Path, content),
			Query:     req.Query,
			Category:  req.Category,
			Status:    req.Status,
		})
		return true
	}
	h.commands = append(h.commands, sessionlog.Command{
		Timestamp: now,
		Command:   content,
		Output:    req.Output,
		Category:  req.Category,
	})
	return true
}

func (s *Server) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type CloseSessionRequest struct {
	ThreatTags      []string `json:"threat_tags"`
	SuspiciousScore float64  `json:"suspicious_score"`
	ThreatLevel     string   `json:"threat_level"`
	Summary         string   `json:"session_summary"`
}

type CloseSessionResponse struct {
	SessionID   string                       `json:"session_id"`
	RecordPath  string                       `json:"record_path,omitempty"`
	Persona     string                       `json:"final_persona"`
	Transitions []deception.TransitionRecord `json:"transitions"`
}

func (s *Server) CloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CloseSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	snap, err := s.manager.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	path, err := s.persist(snap, req)
	if err != nil {
		s.log.Error("session record not written", zap.String("session_id", snap.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session closed but record not written")
		return
	}
	writeJSON(w, http.StatusOK, CloseSessionResponse{SessionID: snap.ID, RecordPath: path, Persona: snap.Persona, Transitions: snap.Transitions})
}

// persist writes the session record for a closed session and forgets its history.
func (s *Server) persist(snap deception.Snapshot, extra CloseSessionRequest) (string, error) {
	s.mu.Lock()
	h := s.history[snap.ID]
	delete(s.history, snap.ID)
	s.mu.Unlock()
	if h == nil {
		h = &history{}
	}
	if s.writer == nil {
		return "", nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	end := s.now().UTC()
	rec := sessionlog.Record{
		SessionID:       snap.ID,
		ClientIP:        h.clientIP,
		Username:        h.username,
		StartTime:       snap.OpenedAt.UTC(),
		EndTime:         end,
		DurationSeconds: end.Sub(snap.OpenedAt).Seconds(),
		Commands:        h.commands,
		HTTPRequests:    h.requests,
		ThreatTags:      threatTags(extra.ThreatTags, h),
		SuspiciousScore: extra.SuspiciousScore,
		ThreatLevel:     extra.ThreatLevel,
		SessionSummary:  extra.Summary,
		InitialPersona:  snap.InitialPersona,
		FinalPersona:    snap.Persona,
	}
	if p, ok := s.manager.Engine().Catalog().Get(snap.Persona); ok {
		rec.PersonaMetadata = p.Snapshot()
	}
	for _, t := range snap.Transitions {
		rec.DeceptionTransitions = append(rec.DeceptionTransitions, sessionlog.Transition{
			Timestamp: t.Timestamp,
			Previous:  t.Previous,
			New:       t.New,
			Reason:    t.Reason,
			Modules:   t.Modules,
		})
	}
	return s.writer.Write(rec)
}

// threatTags merges caller tags with the categories seen during the session.
func threatTags(given []string, h *history) []string {
	set := map[string]bool{}
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && t != "unknown" && t != "benign" {
			set[t] = true
		}
	}
	for _, t := range given {
		add(t)
	}
	for _, c := range h.commands {
		add(c.Category)
	}
	for _, q := range h.requests {
		add(q.Category)
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Server) PersonasHandler(w http.ResponseWriter, _ *http.Request) {
	all := s.manager.Engine().Catalog().All()
	out := make([]PersonaView, 0, len(all))
	for _, p := range all {
		out = append(out, personaView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) StrategiesHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no strategy store")
		return
	}
	rows, err := s.store.ListStrategies(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	type row struct {
		strategy.PersonaStrategy
		Combined float64 `json:"combined_weight"`
	}
	out := make([]row, 0, len(rows))
	for _, st := range rows {
		out = append(out, row{PersonaStrategy: st, Combined: st.Combined()})
	}
	writeJSON(w, http.StatusOK, out)
}

// Reap closes sessions idle for longer than idle, writing their records,
// until ctx is done.
func (s *Server) Reap(ctx context.Context, idle time.Duration) error {
	if idle <= 0 {
		<-ctx.Done()
		return nil
	}
	tick := time.NewTicker(max(idle/4, time.Second))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			cutoff := s.now().Add(-idle)
			s.reapOnce(ctx, cutoff)
			s.limiter.Prune(cutoff)
		}
	}
}

func (s *Server) reapOnce(ctx context.Context, before time.Time) int {
	closed := s.manager.CloseIdle(ctx, before)
	for _, snap := range closed {
		if _, err := s.persist(snap, CloseSessionRequest{Summary: "closed after inactivity"}); err != nil {
			s.log.Error("session record not written", zap.String("session_id", snap.ID), zap.Error(err))
		}
	}
	if len(closed) > 0 {
		s.log.Info("idle sessions closed", zap.Int("count", len(closed)))
	}
	return len(closed)
}

// Drain closes every open session and writes its record.
func (s *Server) Drain(ctx context.Context) {
	for _, snap := range s.manager.CloseAll(ctx) {
		if _, err := s.persist(snap, CloseSessionRequest{Summary: "closed at shutdown"}); err != nil {
			s.log.Error("session record not written", zap.String("session_id", snap.ID), zap.Error(err))
		}
	}
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
