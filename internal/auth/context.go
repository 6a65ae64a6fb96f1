// ABOUTME: Carries the authenticated subject through request contexts
// ABOUTME: Set by the HTTP middleware, read by handlers that log or scope by caller

package auth

import "context"

type subjectKey struct{}

// WithSubject returns a new context carrying subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or "" when none is attached.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
