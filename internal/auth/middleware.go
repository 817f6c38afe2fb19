package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is package-private so no other package can shadow the subject.
type contextKey string

const subjectKey contextKey = "subject"

var errNoToken = errors.New("auth: missing bearer token")

// RequireAuth rejects requests without a valid bearer token with 401 and
// stores the token subject in the request context otherwise. A nil
// TokenService disables the check.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := extractSubject(r, tokens)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="submission-runner"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}` + "\n"))
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the authenticated caller, or ("", false) when
// the request went through without authentication.
func SubjectFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(subjectKey).(string)
	return id, ok && id != ""
}

func extractSubject(r *http.Request, tokens *TokenService) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errNoToken
	}
	return tokens.Validate(strings.TrimSpace(token))
}
