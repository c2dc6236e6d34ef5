package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"sharedrop/internal/files"
)

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p files.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns the request principal, files.Anonymous if none.
func PrincipalFrom(ctx context.Context) files.Principal {
	if p, ok := ctx.Value(ctxKey{}).(files.Principal); ok && p != nil {
		return p
	}
	return files.Anonymous
}

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Resolve attaches a principal to every request. Requests without
// credentials continue as anonymous; requests with a bad credential are
// rejected with KindUnauthenticated.
func (s *Sessions) Resolve(fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := s.tokenFrom(r)
			if tok == "" {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), files.Anonymous)))
				return
			}
			sub, err := s.Verify(tok)
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("session token rejected")
				fail(w, r, files.Wrap(files.KindUnauthenticated, "auth", err, "invalid or expired session"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), files.User(sub))))
		})
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth(fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !PrincipalFrom(r.Context()).Authenticated() {
				fail(w, r, files.E(files.KindUnauthenticated, "auth", "authentication required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Sessions) tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		// Present but malformed: make it fail verification.
		return h
	}
	if c, err := r.Cookie(s.cookieName); err == nil {
		return c.Value
	}
	return ""
}
