package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"AgentEscrow/internal/agent"
	"AgentEscrow/internal/anomaly"
	"AgentEscrow/internal/auth"
	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/internal/orchestrator"
	"AgentEscrow/internal/trust"
	"AgentEscrow/pkg/logger"
)

// WorkflowAPI 是会话相关的能力，orchestrator.Service 满足该接口。
type WorkflowAPI interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.Session, error)
	Get(ctx context.Context, id string) (*orchestrator.Session, error)
	Cancel(ctx context.Context, id string) (*orchestrator.Session, error)
	Runs(ctx context.Context, id string) ([]agent.Run, error)
	List(ctx context.Context, opts ...orchestrator.ListOption) ([]*orchestrator.Session, error)
}

// EscrowAPI 是托管相关的能力，escrow.Machine 满足该接口。
type EscrowAPI interface {
	Get(ctx context.Context, escrowID string) (escrow.Workflow, error)
	SubmitVerification(ctx context.Context, ev escrow.VerificationEvent) (escrow.VerificationEvent, error)
	Verifications(ctx context.Context, escrowID string) ([]escrow.VerificationEvent, error)
	ConfirmFunding(ctx context.Context, escrowID string, notice custody.PayInNotice) (escrow.Workflow, error)
	Release(ctx context.Context, escrowID string, req escrow.ReleaseRequest) (escrow.Workflow, error)
	Refund(ctx context.Context, escrowID string, req escrow.RefundRequest) (escrow.Workflow, error)
	RaiseDispute(ctx context.Context, escrowID string, req escrow.DisputeRequest) (escrow.Workflow, error)
	ResolveDispute(ctx context.Context, escrowID string, res escrow.Resolution) (escrow.Workflow, error)
	Cancel(ctx context.Context, escrowID string, req escrow.CancelRequest) (escrow.Workflow, error)
	AuditTrail(ctx context.Context, escrowID string) ([]escrow.AuditLogEntry, error)
	VerifyAudit(ctx context.Context, escrowID string) error
}

// TrustAPI 是信任徽章的只读能力，trust.Service 满足该接口。
type TrustAPI interface {
	Badges(ctx context.Context, subjectID string) ([]trust.Badge, error)
	Score(ctx context.Context, subjectID string) (float64, error)
}

// AnomalyAPI 是异常查询与人工复核能力，anomaly.Monitor 满足该接口。
type AnomalyAPI interface {
	List(ctx context.Context, filter anomaly.Filter) ([]anomaly.Record, error)
	Resolve(ctx context.Context, id, operator, note string) (anomaly.Record, error)
}

// HealthCheck 在 /healthz 中执行，返回错误时整体状态为降级。
type HealthCheck func(ctx context.Context) error

// Server 暴露托管平台的 REST 接口。
type Server struct {
	addr            string
	workflows       WorkflowAPI
	escrows         EscrowAPI
	trust           TrustAPI
	anomalies       AnomalyAPI
	auth            *auth.Service
	metrics         *metrics.Metrics
	metricsHandler  http.Handler
	checks          map[string]HealthCheck
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 调整 Server。
type Option func(*Server)

// WithWorkflows 注入会话能力。
func WithWorkflows(w WorkflowAPI) Option { return func(s *Server) { s.workflows = w } }

// WithEscrows 注入托管能力。
func WithEscrows(e EscrowAPI) Option { return func(s *Server) { s.escrows = e } }

// WithTrust 注入信任能力。
func WithTrust(t TrustAPI) Option { return func(s *Server) { s.trust = t } }

// WithAnomalies 注入异常能力。
func WithAnomalies(a AnomalyAPI) Option { return func(s *Server) { s.anomalies = a } }

// WithAuth 设置认证服务，未设置时关闭认证。
func WithAuth(a *auth.Service) Option { return func(s *Server) { s.auth = a } }

// WithMetrics 记录 HTTP 指标并在 /metrics 暴露 handler。
func WithMetrics(m *metrics.Metrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithHealthCheck 注册健康检查项。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithTimeouts 设置读写与关闭超时，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		checks:          make(map[string]HealthCheck),
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = auth.NewDisabledService()
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "API 服务监听失败",
				xerrors.WithMetadata("addr", s.addr))
		}
		return nil
	}
}

// Handler 返回完整路由，测试中可直接使用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/v1/workflows", "workflows.start", s.handleStartWorkflow, auth.PermWorkflowWrite)
	s.route(mux, "GET /api/v1/sessions", "sessions.list", s.handleListSessions, auth.PermRead)
	s.route(mux, "GET /api/v1/sessions/{id}", "sessions.get", s.handleGetSession, auth.PermRead)
	s.route(mux, "POST /api/v1/sessions/{id}/cancel", "sessions.cancel", s.handleCancelSession, auth.PermWorkflowWrite)
	s.route(mux, "GET /api/v1/sessions/{id}/runs", "sessions.runs", s.handleSessionRuns, auth.PermRead)

	s.route(mux, "GET /api/v1/escrows/{id}", "escrows.get", s.handleGetEscrow, auth.PermRead)
	s.route(mux, "GET /api/v1/escrows/{id}/verifications", "escrows.verifications", s.handleListVerifications, auth.PermRead)
	s.route(mux, "POST /api/v1/escrows/{id}/verifications", "escrows.verify", s.handleSubmitVerification, auth.PermEscrowOperate)
	s.route(mux, "POST /api/v1/escrows/{id}/funding", "escrows.funding", s.handleFunding, auth.PermEscrowOperate)
	s.route(mux, "POST /api/v1/escrows/{id}/release", "escrows.release", s.handleRelease, auth.PermEscrowOperate)
	s.route(mux, "POST /api/v1/escrows/{id}/refund", "escrows.refund", s.handleRefund, auth.PermEscrowOperate)
	s.route(mux, "POST /api/v1/escrows/{id}/disputes", "escrows.dispute", s.handleDispute, auth.PermEscrowOperate)
	s.route(mux, "POST /api/v1/escrows/{id}/resolution", "escrows.resolution", s.handleResolution, auth.PermEscrowResolve)
	s.route(mux, "POST /api/v1/escrows/{id}/cancel", "escrows.cancel", s.handleCancelEscrow, auth.PermEscrowOperate)
	s.route(mux, "GET /api/v1/escrows/{id}/audit", "escrows.audit", s.handleAudit, auth.PermRead)

	s.route(mux, "GET /api/v1/trust/badges/{subject}", "trust.badges", s.handleBadges, auth.PermRead)
	s.route(mux, "GET /api/v1/anomalies", "anomalies.list", s.handleListAnomalies, auth.PermRead)
	s.route(mux, "POST /api/v1/anomalies/{id}/resolve", "anomalies.resolve", s.handleResolveAnomaly, auth.PermAnomalyResolve)

	mux.Handle("GET /healthz", s.metrics.Instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc, perms ...auth.Permission) {
	protected := s.auth.Middleware(writeError, perms...)(h)
	mux.Handle(pattern, s.metrics.Instrument(name, protected))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := "ok"
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// errorBody 是统一的错误响应。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	detail := errorDetail{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		detail.Message = coded.Message()
		detail.Metadata = coded.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(detail.Code)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// decodeOptionalBody 允许空请求体。
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeBody(w, r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func unavailable(name string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, name+" 未启用")
}

// actorFor 用认证主体覆盖请求体中的 actor。
func actorFor(r *http.Request) string {
	return "api:" + auth.SubjectID(r.Context())
}
