package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/internal/observability/metrics"
	"OpenPA-Agent/internal/session"
	"OpenPA-Agent/internal/turn"
)

// Server 负责暴露 REST 接口，供外部驱动会话执行。
type Server struct {
	addr     string
	registry *session.Registry
	turns    *turn.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry *session.Registry, turns *turn.Service) *Server {
	return &Server{addr: addr, registry: registry, turns: turns}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，便于测试复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", instrument("chat", s.handleChat))
	mux.HandleFunc("/api/v1/turns", instrument("turns", s.handleTurns))
	mux.HandleFunc("/api/v1/turns/", instrument("turn", s.handleTurnByID))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleChat 同步执行一个对话轮次并返回回复。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "session registry is not initialized", http.StatusServiceUnavailable)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.registry.HandleTurn(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitTurnRequest struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleTurns 处理异步轮次的提交与列表查询。
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		http.Error(w, "turn service is not initialized", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req submitTurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		submitted, err := s.turns.Submit(r.Context(), turn.SubmitRequest{
			ID:        req.ID,
			SessionID: req.SessionID,
			Message:   req.Message,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitted)
	case http.MethodGet:
		opts := make([]turn.ListOption, 0, 4)
		query := r.URL.Query()
		if sessionID := query.Get("session_id"); sessionID != "" {
			opts = append(opts, turn.WithSessionID(sessionID))
		}
		if status := query.Get("status"); status != "" {
			if !turn.IsValidStatus(turn.Status(status)) {
				http.Error(w, "invalid status filter", http.StatusBadRequest)
				return
			}
			opts = append(opts, turn.WithStatus(turn.Status(status)))
		}
		if raw := query.Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				opts = append(opts, turn.WithLimit(parsed))
			}
		}
		if raw := query.Get("offset"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				opts = append(opts, turn.WithOffset(parsed))
			}
		}
		turns, err := s.turns.List(r.Context(), opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, turns)
	default:
		http.Error(w, "only GET/POST are supported", http.StatusMethodNotAllowed)
	}
}

// handleTurnByID 查询单个轮次或轮次聚合信息。
func (s *Server) handleTurnByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	if s.turns == nil {
		http.Error(w, "turn service is not initialized", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/turns/")
	if id == "" {
		http.Error(w, "turn id is required", http.StatusBadRequest)
		return
	}
	if id == "stats" {
		stats, err := s.turns.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	t, err := s.turns.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, turn.CodeTurnValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, turn.CodeTurnNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, turn.CodeTurnConflict:
		status = http.StatusConflict
	case xerrors.CodeSessionBusy:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}

	body := map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	}
	writeJSON(w, status, body)
}

// instrument 为处理器记录请求指标。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
