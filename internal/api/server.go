// Package api 提供 HTTP / WebSocket 介面：REST 指令、事件推播與 /metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Facade API 使用的 facade 功能
type Facade interface {
	Start(ctx context.Context, spec types.JobSpec) (types.JobID, error)
	Cancel(ctx context.Context, id types.JobID) error
	CancelTicker(ctx context.Context, id types.JobID, ticker types.Ticker) error
	Rerun(ctx context.Context, id types.JobID, ticker types.Ticker) error
	CheckStatus(ctx context.Context, id types.JobID) error
	ClearAll(ctx context.Context) error
	Get(id types.JobID) (*types.Job, bool)
	List() []*types.Job
	Attach(fn facade.Handler) ([]*types.Job, func())
}

// Options 伺服器設定
type Options struct {
	Addr           string
	Facade         Facade
	Metrics        http.Handler // 可為 nil
	AllowedOrigins []string     // 預設 "*"
	RequestTimeout time.Duration
}

// Server HTTP 伺服器
type Server struct {
	router *chi.Mux
	server *http.Server
	facade Facade
	log    zerolog.Logger
}

// New 建立伺服器
func New(opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		router: chi.NewRouter(),
		facade: opts.Facade,
		log:    log.With().Str("component", "api").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics)
	}

	s.router.Route("/api/jobs", func(r chi.Router) {
		// WebSocket 不受請求逾時限制
		r.Get("/{id}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Delete("/", s.handleClearAll)
			r.Get("/{id}", s.handleGet)
			r.Delete("/{id}", s.handleCancel)
			r.Post("/{id}/status", s.handleCheckStatus)
			r.Delete("/{id}/tickers/{ticker}", s.handleCancelTicker)
			r.Post("/{id}/tickers/{ticker}/rerun", s.handleRerun)
		})
	})

	s.server = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler 路由（測試用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 開始監聽；Shutdown 後回傳 nil
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// ============================================================================
// 回應輔助函式
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError 依錯誤種類決定狀態碼
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, facade.ErrInvalidRequest),
		errors.Is(err, facade.ErrNotStreaming),
		errors.Is(err, facade.ErrUnknownTicker):
		status = http.StatusBadRequest
	case errors.Is(err, facade.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, facade.ErrNotOwner), errors.Is(err, facade.ErrDuplicateJob):
		status = http.StatusConflict
	case errors.Is(err, facade.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: facade.Code(err)})
}
