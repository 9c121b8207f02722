package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OpenSwap-Chain/internal/auth"
	"OpenSwap-Chain/internal/observability/metrics"
	"OpenSwap-Chain/internal/swap"
	"OpenSwap-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	service      *swap.Service
	auth         *auth.Service
	metrics      http.Handler
	metricsPath  string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 为业务路由启用 Bearer Token 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetrics 在 path 上挂载指标处理器，不经过认证。
func WithMetrics(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = handler
	}
}

// WithTimeouts 设置读写超时。同步执行接口会等待链上确认，写超时应大于确认超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *swap.Service, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		service:      svc,
		metricsPath:  "/metrics",
		readTimeout:  15 * time.Second,
		writeTimeout: 120 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	participant := s.guard(auth.PermissionParticipate)
	operator := s.guard(auth.PermissionOperate)

	s.route(mux, "POST /api/v1/sessions/{id}/orders", participant, s.handleSubmitOrder)
	s.route(mux, "DELETE /api/v1/sessions/{id}/orders/{owner}", participant, s.handleWithdrawOrder)
	s.route(mux, "GET /api/v1/sessions/{id}", participant, s.handleGetSession)
	s.route(mux, "GET /api/v1/sessions/{id}/deposits", participant, s.handleDeposits)
	s.route(mux, "POST /api/v1/sessions/{id}/verify", participant, s.handleVerify)
	s.route(mux, "POST /api/v1/sessions/{id}/approvals", participant, s.handleApprove)
	s.route(mux, "POST /api/v1/sessions/{id}/cancel", participant, s.handleCancel)
	s.route(mux, "GET /api/v1/custody", participant, s.handleCustody)

	s.route(mux, "POST /api/v1/sessions/{id}/execute", operator, s.handleExecute)
	s.route(mux, "GET /api/v1/sessions", operator, s.handleListSessions)
	s.route(mux, "GET /api/v1/stats", operator, s.handleStats)

	if s.metrics != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
	mux.Handle(pattern, metrics.Middleware(pattern, guard(h)))
}

func (s *Server) guard(permission string) func(http.Handler) http.Handler {
	if s.auth == nil || !s.auth.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.L().Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
