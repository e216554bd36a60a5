package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

const (
	RoleCitizen = "citizen"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// Privileged reports whether the caller may act on other users' records.
func (p Principal) Privileged() bool {
	return p.Role == RoleStaff || p.Role == RoleAdmin
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.UserID != ""
}

const (
	HeaderUserID = "X-User-Id"
	HeaderRole   = "X-Role"
)

// Mode selects how the principal is established.
type Mode string

const (
	// ModeJWT verifies a bearer token.
	ModeJWT Mode = "jwt"
	// ModeHeader trusts identity headers set by the upstream gateway.
	ModeHeader Mode = "header"
)

// Middleware authenticates requests and stores the Principal in the context.
// Unauthenticated requests receive 401 with a JSON error body.
func Middleware(mode Mode, verifier *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			switch mode {
			case ModeHeader:
				p = Principal{
					UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
					Role:   normalizeRole(r.Header.Get(HeaderRole)),
				}
			default:
				raw := bearerToken(r.Header.Get("Authorization"))
				if raw == "" || verifier == nil {
					unauthorized(w)
					return
				}
				claims, err := verifier.Verify(raw)
				if err != nil {
					if logger != nil {
						logger.Debug("token rejected", "err", err)
					}
					unauthorized(w)
					return
				}
				p = Principal{UserID: claims.Subject, Role: normalizeRole(claims.Role)}
			}
			if p.UserID == "" {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func normalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return RoleCitizen
	}
	return role
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"authentication required","code":"unauthenticated"}`))
}
