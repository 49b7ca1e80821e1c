package auth

import (
	"log/slog"
	"net/http"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// ErrorWriter 把错误写成响应，由 API 层提供统一的错误格式。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 认证请求并要求 perms 中的全部权限，每个请求都写审计日志。
func (s *Service) Middleware(writeErr ErrorWriter, perms ...Permission) func(http.Handler) http.Handler {
	if writeErr == nil {
		writeErr = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				writeErr(w, r, err)
				s.auditLogger().Warn("请求被拒绝",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", xerrors.HTTPStatusOf(err)),
					slog.String("subject", subjectName(subject)),
					slog.String("error", err.Error()),
				)
				return
			}

			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			s.auditLogger().Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.ID),
			)
		})
	}
}

func (s *Service) auditLogger() *slog.Logger {
	if s == nil || s.audit == nil {
		return slog.Default()
	}
	return s.audit
}

func subjectName(s *Subject) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func plainError(w http.ResponseWriter, _ *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	http.Error(w, http.StatusText(status), status)
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
