package middleware

import (
	"context"
	"net/http"

	"meridian-hq/meridian/pkg/audit"
)

// Headers carrying the acting staff identity. The service trusts the
// fronting gateway to authenticate and set them.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

// Actor extracts the acting identity from request headers into the
// context. Handlers that mutate state reject requests without one.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := audit.Actor{
			ID:   r.Header.Get(ActorIDHeader),
			Role: r.Header.Get(ActorRoleHeader),
		}
		ctx := context.WithValue(r.Context(), ActorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetActor extracts the acting identity from the context. The zero
// Actor means the request carried no identity headers.
func GetActor(ctx context.Context) audit.Actor {
	if actor, ok := ctx.Value(ActorKey).(audit.Actor); ok {
		return actor
	}
	return audit.Actor{}
}
