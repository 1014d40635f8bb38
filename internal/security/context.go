package security

import (
	"context"
	"sync"
)

// Meta carries resource facts that cannot be derived from the ability name.
type Meta struct {
	OwnerID *int64
}

// Context is the immutable authorization context passed alongside a check.
type Context struct {
	ResourceID *int64
	TenantID   *int64
	Meta       Meta
}

// NewResourceContext builds a Context for a resource owned by ownerID in tenantID.
// Zero values leave the corresponding field unset.
func NewResourceContext(resourceID, ownerID, tenantID int64) *Context {
	c := &Context{}
	if resourceID != 0 {
		c.ResourceID = &resourceID
	}
	if ownerID != 0 {
		c.Meta.OwnerID = &ownerID
	}
	if tenantID != 0 {
		c.TenantID = &tenantID
	}
	return c
}

// Memo caches decisions for the lifetime of a single logical request.
type Memo struct {
	mu      sync.Mutex
	entries map[int64]map[string]bool
}

// NewMemo returns an empty Memo.
func NewMemo() *Memo {
	return &Memo{entries: make(map[int64]map[string]bool)}
}

func (m *Memo) get(userID int64, ability string) (bool, bool) {
	if m == nil {
		return false, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed, ok := m.entries[userID][ability]
	return allowed, ok
}

func (m *Memo) put(userID int64, ability string, allowed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	abilities, ok := m.entries[userID]
	if !ok {
		abilities = make(map[string]bool)
		m.entries[userID] = abilities
	}
	abilities[ability] = allowed
}

// Forget drops every memoized decision for userID.
func (m *Memo) Forget(userID int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, userID)
	m.mu.Unlock()
}

// Len reports how many decisions are memoized for userID.
func (m *Memo) Len(userID int64) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[userID])
}

type memoContextKey struct{}

// WithRequestMemo attaches a fresh Memo to ctx. The memo lives as long as ctx.
func WithRequestMemo(ctx context.Context) context.Context {
	return context.WithValue(ctx, memoContextKey{}, NewMemo())
}

// MemoFromContext returns the request memo, or nil when none is installed.
func MemoFromContext(ctx context.Context) *Memo {
	memo, _ := ctx.Value(memoContextKey{}).(*Memo)
	return memo
}

type userContextKey struct{}

// ContextWithUser stores the authenticated user in ctx.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext extracts the authenticated user.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey{}).(User)
	return user, ok
}
