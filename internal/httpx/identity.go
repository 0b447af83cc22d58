package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

// Identity headers are set by the authentication gateway in front of the API.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type actorKey struct{}

// Identity rejects requests without a known caller and stores the actor in
// the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := orders.Actor{
			ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Role: orders.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))),
		}
		if actor.ID == "" {
			writeError(w, r, apperr.Unauthorized("missing %s header", HeaderUserID))
			return
		}
		switch actor.Role {
		case orders.RoleBuyer, orders.RoleSeller, orders.RoleAdmin:
		default:
			writeError(w, r, apperr.Unauthorized("unknown role %q", actor.Role))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) orders.Actor {
	a, _ := ctx.Value(actorKey{}).(orders.Actor)
	return a
}

func requireRole(actor orders.Actor, roles ...orders.Role) error {
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return apperr.Unauthorized("role %q may not perform this action", actor.Role)
}
