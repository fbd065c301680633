package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
	"github.com/dontdude/goxec-cluster/internal/platform/web"
)

// HandlerOptions configures the HTTP front.
type HandlerOptions struct {
	NodeID       string
	MaxBodyBytes int64
	Languages    domain.Languages
	// Limiter throttles submissions per client; nil disables it.
	Limiter     *web.RateLimiter
	MetricsPath string
}

type server struct {
	gw     *Gateway
	pools  PoolSource
	opts   HandlerOptions
	logger *slog.Logger
}

// NewHandler returns the gateway's HTTP handler.
func NewHandler(gw *Gateway, pools PoolSource, opts HandlerOptions, logger *slog.Logger) http.Handler {
	s := &server{gw: gw, pools: pools, opts: opts, logger: logger.With("component", "http")}

	limit := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if opts.Limiter != nil {
		limit = opts.Limiter.Middleware
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{language}", limit(s.handleExecute))
	mux.HandleFunc("GET /ws", limit(s.handleWS))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /languages", s.handleLanguages)
	if opts.MetricsPath != "" {
		mux.Handle("GET "+opts.MetricsPath, metrics.Handler())
	}

	return metrics.Middleware(web.CORS(mux))
}

// handleExecute runs the raw request body as a program in the path's language.
func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	language := r.PathValue("language")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "source too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		http.Error(w, "source code is required", http.StatusBadRequest)
		return
	}

	outcome := s.gw.Execute(r.Context(), language, string(body))
	status, text := present(outcome)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Task-ID", outcome.TaskID)
	w.WriteHeader(status)
	io.WriteString(w, text)
}

// present maps an outcome to the status code and body a caller sees.
// Internal failures are reported without detail.
func present(o domain.Outcome) (int, string) {
	if o.OK() {
		return http.StatusOK, o.Output
	}
	switch o.Kind {
	case domain.FailureUnsupportedLanguage,
		domain.FailureSandboxTimeout,
		domain.FailureSandboxMemoryExceeded,
		domain.FailureOutputTooLarge:
		return http.StatusUnprocessableEntity, o.Reason
	case domain.FailureDispatchTimeout, domain.FailurePoolSaturated:
		return http.StatusServiceUnavailable, GenericFailure
	default:
		return http.StatusInternalServerError, "execution failed"
	}
}

type wsRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type wsResponse struct {
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
	Output string        `json:"output,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // CORS is open on every route
}

// handleWS runs an interactive session: every {"language","code"} frame is
// executed in turn and answered with one result frame.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr())
	defer s.logger.Info("Client disconnected", "remoteAddr", conn.RemoteAddr())

	// Sessions outlive the server's per-request read timeout.
	conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(s.opts.MaxBodyBytes)
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		var resp wsResponse
		if req.Language == "" || strings.TrimSpace(req.Code) == "" {
			resp = wsResponse{Status: domain.StatusFailed, Reason: "language and code are required"}
		} else {
			outcome := s.gw.Execute(r.Context(), req.Language, req.Code)
			_, text := present(outcome)
			resp = wsResponse{TaskID: outcome.TaskID, Status: outcome.Status}
			if outcome.OK() {
				resp.Output = text
			} else {
				resp.Reason = text
			}
		}

		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Error("Failed to write to websocket", "taskID", resp.TaskID, "error", err)
			return
		}
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"node":   s.opts.NodeID,
		"role":   domain.RoleGateway,
		"pools":  len(s.pools.Pools()),
	})
}

func (s *server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"languages": s.opts.Languages.IDs()})
}
