package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/audit"
	"github.com/Siddhant-K-code/topicshift/pkg/engine"
	"github.com/Siddhant-K-code/topicshift/pkg/host"
)

// EngineAPI handles the host-facing HTTP endpoints.
type EngineAPI struct {
	engine   *engine.Engine
	outbox   *host.Outbox
	audit    audit.Store // nil when auditing is disabled
	gatherer prometheus.Gatherer

	// inflight tracks messages accepted with ?async=true.
	inflight sync.WaitGroup
}

// Wait blocks until every accepted async message has been processed.
func (a *EngineAPI) Wait() {
	a.inflight.Wait()
}

// RegisterRoutes adds engine endpoints to the given mux.
func (a *EngineAPI) RegisterRoutes(mux *http.ServeMux, mw func(string, http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/v1/events/message", mw("/v1/events/message", a.handleMessage))
	mux.HandleFunc("/v1/events/pending", mw("/v1/events/pending", a.handlePending))
	mux.HandleFunc("/v1/context/prepend", mw("/v1/context/prepend", a.handlePrepend))
	mux.HandleFunc("/v1/sessions/state", mw("/v1/sessions/state", a.handleState))
	mux.HandleFunc("/v1/sessions/forget", mw("/v1/sessions/forget", a.handleForget))
	mux.HandleFunc("/v1/rotations", mw("/v1/rotations", a.handleRotations))
	mux.HandleFunc("/healthz", a.handleHealth)
	if a.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
}

func (a *EngineAPI) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev engine.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		a.acceptMessage(w, r, ev)
		return
	}

	decision, err := a.engine.OnMessage(r.Context(), ev)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, decision)
}

type acceptedResponse struct {
	SessionKey string `json:"session_key"`
	Accepted   bool   `json:"accepted"`
}

// acceptMessage answers 202 once the route resolves and classifies in the
// background, so a rotation waiting on the registry lock never holds up the
// host's reply path.
func (a *EngineAPI) acceptMessage(w http.ResponseWriter, r *http.Request, ev engine.Event) {
	key, _, err := a.engine.ResolveRoute(ev.Route)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	ctx := context.WithoutCancel(r.Context())
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		if _, err := a.engine.OnMessage(ctx, ev); err != nil {
			logger.Warn("topic-shift async message failed", zap.String("session_key", key), zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(acceptedResponse{SessionKey: key, Accepted: true})
}

type prependRequest struct {
	Route host.Route `json:"route"`
	At    time.Time  `json:"at,omitzero"`
}

type prependResponse struct {
	SessionKey string `json:"session_key"`
	Prompt     string `json:"prompt,omitempty"`
	Injected   bool   `json:"injected"`
}

func (a *EngineAPI) handlePrepend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req prependRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, _, err := a.engine.ResolveRoute(req.Route)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	prompt, ok := a.engine.PrependContext(r.Context(), key, req.At)
	writeJSON(w, prependResponse{SessionKey: key, Prompt: prompt, Injected: ok})
}

type pendingResponse struct {
	SessionKey string              `json:"session_key"`
	Events     []host.ContextEvent `json:"events"`
}

// handlePending drains queued context events. Each event is returned once.
func (a *EngineAPI) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("session_key")
	if key == "" {
		writeJSONError(w, "session_key is required", http.StatusBadRequest)
		return
	}

	events := a.outbox.Drain(key)
	if events == nil {
		events = []host.ContextEvent{}
	}
	writeJSON(w, pendingResponse{SessionKey: key, Events: events})
}

func (a *EngineAPI) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("session_key")
	if key == "" {
		writeJSONError(w, "session_key is required", http.StatusBadRequest)
		return
	}

	st, ok := a.engine.SessionState(key)
	if !ok {
		writeJSONError(w, fmt.Sprintf("no state for %q", key), http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

func (a *EngineAPI) handleForget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("session_key")
	if err := a.engine.ForgetSession(key); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrEmptySessionKey) {
			code = http.StatusBadRequest
		}
		writeJSONError(w, err.Error(), code)
		return
	}
	writeJSON(w, map[string]any{"session_key": key, "forgotten": true})
}

func (a *EngineAPI) handleRotations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.audit == nil {
		writeJSONError(w, "rotation audit is disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	req := audit.ListRequest{SessionKey: q.Get("session_key")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		req.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid since, want RFC3339", http.StatusBadRequest)
			return
		}
		req.Since = since
	}

	rotations, err := a.audit.List(r.Context(), req)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rotations == nil {
		rotations = []audit.Rotation{}
	}
	writeJSON(w, rotations)
}

func (a *EngineAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": a.engine.Sessions(),
		"pending":  a.outbox.Pending(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
