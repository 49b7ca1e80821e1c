package auth

import "context"

type subjectKey struct{}

// WithSubject 将经过认证的主体存入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出经过认证的主体，未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SubjectID 返回主体 ID，未认证时返回空串。
func SubjectID(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil {
		return s.ID
	}
	return ""
}
