package middleware

import (
	"context"
	"net/http"
	"strings"
)

// APIPrefix is the path prefix of the routes that require a caller identity.
const APIPrefix = "/v1/api/"

// Identity is the caller as established by the upstream authentication layer.
type Identity struct {
	OwnerID     string
	DisplayName string
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity set by AuthMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// AuthMiddleware reads "Authorization: Bearer <owner id>" and the optional
// X-Owner-Name header. API routes without an identity get 401; everything else
// passes through. Browsers cannot set headers on a WebSocket handshake, so
// upgrade requests may pass the owner id as the "token" query parameter.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, APIPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		ownerID := bearerToken(r.Header.Get("Authorization"))
		if ownerID == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			ownerID = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if ownerID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		id := Identity{
			OwnerID:     ownerID,
			DisplayName: strings.TrimSpace(r.Header.Get("X-Owner-Name")),
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
