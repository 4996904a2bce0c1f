package storage

import "context"

// actorKey is a private type for the actor context key, preventing
// collisions with other packages.
type actorKey struct{}

// SetActor injects the acting subject into the context. The actor becomes
// the owner of sessions it starts and is stamped on audit entries.
func SetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// GetActor extracts the acting subject from the context.
// Returns an empty string if no actor is set (anonymous mode).
func GetActor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
