package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/auditkeep/pkg/audit"
)

// Identity headers set by the upstream gateway after authentication
const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserID         = "X-User-ID"
	HeaderPermissions    = "X-Permissions"
)

// ActorMiddleware turns the gateway identity headers into an audit.Actor on the
// request context. Requests without an organization get no actor, and every
// operation downstream refuses them.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(HeaderOrganizationID))
		if orgID == "" {
			next.ServeHTTP(w, r)
			return
		}

		actor := audit.Actor{
			OrganizationID: orgID,
			UserID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Permissions:    parsePermissions(r.Header.Values(HeaderPermissions)),
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}

// ActorFromContext returns the actor set by ActorMiddleware
func ActorFromContext(ctx context.Context) (audit.Actor, bool) {
	return audit.ActorFromContext(ctx)
}

// ActorFromRequest returns the request's actor, or the zero Actor which holds no
// organization and no permissions
func ActorFromRequest(r *http.Request) audit.Actor {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

func parsePermissions(values []string) []audit.Permission {
	var perms []audit.Permission
	for _, v := range values {
		for _, p := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			perms = append(perms, audit.Permission(p))
		}
	}
	return perms
}
