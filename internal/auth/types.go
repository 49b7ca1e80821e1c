package auth

import (
	"strings"

	xerrors "AgentEscrow/internal/errors"
)

// Permission 是令牌可以携带的操作权限。
type Permission string

const (
	PermWorkflowWrite  Permission = "workflow:write"
	PermEscrowOperate  Permission = "escrow:operate"
	PermEscrowResolve  Permission = "escrow:resolve"
	PermAnomalyResolve Permission = "anomaly:resolve"
	PermRead           Permission = "read"
)

// Permissions 返回全部已知权限。
func Permissions() []Permission {
	return []Permission{PermWorkflowWrite, PermEscrowOperate, PermEscrowResolve, PermAnomalyResolve, PermRead}
}

// Valid 判断权限是否已知。
func (p Permission) Valid() bool {
	for _, known := range Permissions() {
		if p == known {
			return true
		}
	}
	return false
}

// 认证子系统返回的错误。
var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "缺少 Bearer 令牌")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "令牌无效")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "权限不足")
)

// Token 是令牌表中的一行。
type Token struct {
	Token       string
	Subject     string
	Permissions []Permission
}

// Subject 是通过认证的调用方，经由 context 传给处理器。
type Subject struct {
	ID          string
	Permissions []Permission

	permissionsSet map[Permission]struct{}
}

func newSubject(id string, perms []Permission) *Subject {
	s := &Subject{ID: id, Permissions: append([]Permission(nil), perms...)}
	s.normalise()
	return s
}

// normalise 准备权限查找表。
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[Permission]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[Permission(strings.ToLower(strings.TrimSpace(string(perm))))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(perm Permission) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[perm]
	return ok
}

// Authorize 要求主体拥有全部权限。
func (s *Subject) Authorize(perms ...Permission) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(xerrors.CodePermissionDenied, "权限不足",
				xerrors.WithMetadata("subject", s.ID),
				xerrors.WithMetadata("missing", string(perm)))
		}
	}
	return nil
}
