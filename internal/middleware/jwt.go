package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chatgrid/internal/user"
)

type contextKey string

const identityKey contextKey = "identity"

// Verifier decouples the middleware from the user service.
type Verifier interface {
	VerifyToken(token string) (*user.Identity, error)
}

// IdentityFrom returns the authenticated identity injected by Auth.
func IdentityFrom(ctx context.Context) (*user.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*user.Identity)
	return id, ok
}

type Auth struct {
	verifier Verifier
}

func NewAuth(v Verifier) *Auth {
	return &Auth{verifier: v}
}

// Handle extracts a token from the Authorization header (optional Bearer
// prefix) or the token query parameter and verifies it. Missing tokens and
// the distinct verification failures each get their own rejection message.
func (a *Auth) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""

		if header := r.Header.Get("Authorization"); header != "" {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		identity, err := a.verifier.VerifyToken(token)
		if err != nil {
			http.Error(w, rejectMessage(err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rejectMessage(err error) string {
	switch {
	case errors.Is(err, user.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, user.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
