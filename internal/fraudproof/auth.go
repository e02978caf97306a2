package fraudproof

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeySubject contextKey = "fraudproof_subject"

// bearerAuthenticator enforces HS256 bearer-token auth on the admin route,
// a single-operator scaled-down version of the teacher's
// services/otc-gateway/auth.Middleware (role claims and WebAuthn are
// unneeded here: this surface has exactly one mutating operation, gated by
// possession of the shared operator secret).
type bearerAuthenticator struct {
	secret []byte
	issuer string
}

func newBearerAuthenticator(secret []byte, issuer string) *bearerAuthenticator {
	return &bearerAuthenticator{secret: secret, issuer: issuer}
}

// Middleware rejects requests without a valid bearer token signed with the
// operator secret.
func (a *bearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			http.Error(w, "admin endpoint not configured", http.StatusServiceUnavailable)
			return
		}
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
		if a.issuer != "" {
			opts = append(opts, jwt.WithIssuer(a.issuer))
		}
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, opts...)
		if err != nil || !parsed.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		subject, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the operator subject attached by Middleware.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}
