package httpx

import "context"

// ownerKey is an unexported context key type to avoid collisions across packages.
type ownerKey struct{}

// SetOwnerInContext returns a child context that carries the caller's user id.
// Non-positive ids leave ctx unchanged.
func SetOwnerInContext(ctx context.Context, ownerID int64) context.Context {
	if ownerID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the caller's user id and whether one is present.
func OwnerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ownerKey{}).(int64)
	return id, ok && id > 0
}
