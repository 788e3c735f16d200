package auth

import "context"

type contextKey struct{}

// WithKey stores the validated key on the request context.
func WithKey(ctx context.Context, info *KeyInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the validated key, if any.
func FromContext(ctx context.Context) (*KeyInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(*KeyInfo)
	return info, ok && info != nil
}

// KeyIDFromContext returns the id of the validated key for job attribution.
func KeyIDFromContext(ctx context.Context) *int64 {
	info, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	id := info.ID
	return &id
}
