package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tidylists/listshare/internal/handlers"
)

const (
	userIDHeader    = "X-User-ID"
	userEmailHeader = "X-User-Email"
)

// PrincipalMiddleware trusts the gateway's identity headers and places the
// caller on the request context. The service sits behind an authenticating
// proxy, so a missing or malformed header means an unauthenticated request.
type PrincipalMiddleware struct{}

func NewPrincipalMiddleware() *PrincipalMiddleware {
	return &PrincipalMiddleware{}
}

// Extract adds the principal to context when the headers are present and
// valid. It does not reject unauthenticated requests.
func (m *PrincipalMiddleware) Extract(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := r.Header.Get(userIDHeader)
		email := r.Header.Get(userEmailHeader)
		if rawID == "" || email == "" {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := uuid.Parse(rawID)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := handlers.SetPrincipalInContext(r.Context(), &handlers.Principal{
			UserID: userID,
			Email:  email,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePrincipal rejects requests with no authenticated caller.
func (m *PrincipalMiddleware) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handlers.GetPrincipalFromContext(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
