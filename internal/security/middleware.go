package security

import (
	"errors"
	"log/slog"
	"net/http"
)

// Middleware wires authorization checks into HTTP handlers.
type Middleware struct {
	Auth   Authorizer
	Logger *slog.Logger
}

// RequestMemo installs a fresh request memo on every request.
func RequestMemo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithRequestMemo(r.Context())))
	})
}

// RequireAny ensures the current user holds at least one of the abilities.
func (m Middleware) RequireAny(abilities ...string) func(http.Handler) http.Handler {
	return m.require("require any", abilities, func(granted int, required int) bool { return granted > 0 })
}

// RequireAll ensures the current user holds every ability.
func (m Middleware) RequireAll(abilities ...string) func(http.Handler) http.Handler {
	return m.require("require all", abilities, func(granted int, required int) bool { return granted == required })
}

func (m Middleware) require(op string, abilities []string, satisfied func(granted, required int) bool) func(http.Handler) http.Handler {
	normalized := NormalizeAbilities(abilities)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			user, ok := UserFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			granted := 0
			for _, ability := range normalized {
				allowed, err := m.Auth.Check(r.Context(), user, ability, nil)
				if err != nil {
					m.logError(op, err)
					status := http.StatusInternalServerError
					if errors.Is(err, ErrServiceUnavailable) {
						status = http.StatusServiceUnavailable
					}
					http.Error(w, http.StatusText(status), status)
					return
				}
				if allowed {
					granted++
				}
			}
			if satisfied(granted, len(normalized)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) logError(op string, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.Error("security "+op, slog.Any("error", err))
}
