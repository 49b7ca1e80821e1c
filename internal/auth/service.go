package auth

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"strings"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"
)

// AnonymousSubject 是关闭认证时所有请求使用的主体。
const AnonymousSubject = "anonymous"

// Service 使用静态令牌表认证请求。令牌只以 SHA-256 摘要保存在内存中。
type Service struct {
	disabled bool
	tokens   map[[sha256.Size]byte]*Subject
	audit    *slog.Logger
}

// Option 调整 Service。
type Option func(*Service)

// WithAuditLogger 替换审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 根据令牌表构造认证服务。
func NewService(tokens []Token, opts ...Option) (*Service, error) {
	svc := &Service{tokens: make(map[[sha256.Size]byte]*Subject, len(tokens)), audit: logger.Audit()}
	for _, opt := range opts {
		opt(svc)
	}
	if len(tokens) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "令牌表为空，如需关闭认证请使用 NewDisabledService")
	}
	for _, tok := range tokens {
		secret := strings.TrimSpace(tok.Token)
		subject := strings.TrimSpace(tok.Subject)
		if secret == "" || subject == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "令牌与主体不能为空")
		}
		for _, perm := range tok.Permissions {
			if !perm.Valid() {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知权限",
					xerrors.WithMetadata("subject", subject),
					xerrors.WithMetadata("permission", string(perm)))
			}
		}
		key := sha256.Sum256([]byte(secret))
		if _, dup := svc.tokens[key]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, "令牌重复", xerrors.WithMetadata("subject", subject))
		}
		svc.tokens[key] = newSubject(subject, tok.Permissions)
	}
	return svc, nil
}

// NewDisabledService 返回放行所有请求的服务，请求以匿名主体执行并拥有全部权限。
func NewDisabledService(opts ...Option) *Service {
	svc := &Service{disabled: true, audit: logger.Audit()}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Disabled 报告认证是否关闭。
func (s *Service) Disabled() bool {
	return s == nil || s.disabled
}

// AuthenticateRequest 解析 Authorization 头并查找令牌。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s.Disabled() {
		return newSubject(AnonymousSubject, Permissions()), nil
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, ok := s.tokens[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject, nil
}
