package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-acl/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

// HeaderUserID carries the authenticated user id set by the upstream gateway.
const HeaderUserID = "X-User-ID"

// UserFinder resolves users by id.
type UserFinder interface {
	FindUser(ctx context.Context, id int64) (security.User, error)
}

// IdentityMiddleware resolves the X-User-ID header into a security.User on the
// request context. Requests without the header pass through anonymously.
func IdentityMiddleware(users UserFinder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			user, err := users.FindUser(r.Context(), id)
			if err != nil {
				if errors.Is(err, security.ErrUserNotFound) {
					httpx.RespondError(w, httpx.ErrUnauthorized)
					return
				}
				logger.Error("resolve user", slog.Int64("user_id", id), slog.Any("error", err))
				httpx.RespondError(w, httpx.ErrUnavailable)
				return
			}
			next.ServeHTTP(w, r.WithContext(security.ContextWithUser(r.Context(), user)))
		})
	}
}
