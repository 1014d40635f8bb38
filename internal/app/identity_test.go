package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

type userMap map[int64]security.User

func (m userMap) FindUser(_ context.Context, id int64) (security.User, error) {
	if id == 500 {
		return security.User{}, errors.New("db down")
	}
	u, ok := m[id]
	if !ok {
		return security.User{}, security.ErrUserNotFound
	}
	return u, nil
}

func TestIdentityMiddleware(t *testing.T) {
	tenant := int64(3)
	users := userMap{7: {ID: 7, TenantID: &tenant}}
	var seen *security.User
	h := IdentityMiddleware(users, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := security.UserFromContext(r.Context()); ok {
			seen = &u
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		header string
		status int
		user   bool
	}{
		{"", http.StatusNoContent, false},
		{"7", http.StatusNoContent, true},
		{"abc", http.StatusUnauthorized, false},
		{"-1", http.StatusUnauthorized, false},
		{"8", http.StatusUnauthorized, false},
		{"500", http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set(HeaderUserID, tc.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, tc.status, rr.Code, tc.header)
		require.Equal(t, tc.user, seen != nil, tc.header)
	}
}
