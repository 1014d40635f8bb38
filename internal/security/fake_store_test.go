package security

import (
	"context"
	"time"
)

type overrideKey struct {
	userID       int64
	permissionID int64
}

// fakeStore keeps ACL fixtures in memory and answers both the per-call and the
// batch Store methods from the same data.
type fakeStore struct {
	users     map[int64]User
	blocks    map[int64]Block
	perms     map[string]Permission
	roles     map[int64][]int64
	userRoles map[int64][]int64
	overrides map[overrideKey]bool
	limits    map[int64]Limit
	err       error

	calls       int
	grantsCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]User),
		blocks:    make(map[int64]Block),
		perms:     make(map[string]Permission),
		roles:     make(map[int64][]int64),
		userRoles: make(map[int64][]int64),
		overrides: make(map[overrideKey]bool),
		limits:    make(map[int64]Limit),
	}
}

func (s *fakeStore) addPermission(p Permission) Permission {
	s.perms[p.Ability] = p
	return p
}

func (s *fakeStore) addRole(roleID int64, perms ...Permission) {
	for _, p := range perms {
		s.roles[roleID] = append(s.roles[roleID], p.ID)
	}
}

func (s *fakeStore) assign(userID, roleID int64) {
	s.userRoles[userID] = append(s.userRoles[userID], roleID)
}

func (s *fakeStore) override(userID int64, p Permission, allowed bool) {
	s.overrides[overrideKey{userID, p.ID}] = allowed
}

func (s *fakeStore) abilityByID(id int64) (string, bool) {
	for ability, p := range s.perms {
		if p.ID == id {
			return ability, true
		}
	}
	return "", false
}

func (s *fakeStore) FindUser(ctx context.Context, id int64) (User, error) {
	s.calls++
	if s.err != nil {
		return User{}, s.err
	}
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *fakeStore) ActiveBlock(ctx context.Context, userID int64, now time.Time) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	b, ok := s.blocks[userID]
	return ok && b.Active(now), nil
}

func (s *fakeStore) FindPermission(ctx context.Context, ability string) (Permission, bool, error) {
	s.calls++
	if s.err != nil {
		return Permission{}, false, s.err
	}
	p, ok := s.perms[ability]
	return p, ok, nil
}

func (s *fakeStore) FindOverride(ctx context.Context, userID, permissionID int64) (Override, bool, error) {
	s.calls++
	if s.err != nil {
		return Override{}, false, s.err
	}
	allowed, ok := s.overrides[overrideKey{userID, permissionID}]
	if !ok {
		return Override{}, false, nil
	}
	return Override{UserID: userID, PermissionID: permissionID, Allowed: allowed}, true, nil
}

func (s *fakeStore) RoleGrants(ctx context.Context, userID, permissionID int64) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	for _, roleID := range s.userRoles[userID] {
		for _, id := range s.roles[roleID] {
			if id == permissionID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *fakeStore) FindLimit(ctx context.Context, permissionID int64) (Limit, bool, error) {
	s.calls++
	if s.err != nil {
		return Limit{}, false, s.err
	}
	l, ok := s.limits[permissionID]
	return l, ok, nil
}

func (s *fakeStore) LoadGrants(ctx context.Context, userID int64, abilities []string, now time.Time) (Grants, error) {
	s.calls++
	s.grantsCalls++
	if s.err != nil {
		return Grants{}, s.err
	}
	g := NewGrants()
	if b, ok := s.blocks[userID]; ok {
		g.Blocked = b.Active(now)
	}
	for _, roleID := range s.userRoles[userID] {
		for _, id := range s.roles[roleID] {
			if ability, ok := s.abilityByID(id); ok {
				g.RoleAbilities[ability] = struct{}{}
			}
		}
	}
	for key, allowed := range s.overrides {
		if key.userID != userID {
			continue
		}
		if ability, ok := s.abilityByID(key.permissionID); ok {
			g.Overrides[ability] = allowed
		}
	}
	for _, ability := range abilities {
		p, ok := s.perms[ability]
		if !ok {
			continue
		}
		g.Permissions[ability] = p
		if l, ok := s.limits[p.ID]; ok {
			g.Limits[p.ID] = l
		}
	}
	return g, nil
}

type fixedUsage struct {
	count int64
	err   error
	calls int
}

func (u *fixedUsage) Count(ctx context.Context, userID, permissionID int64, periodStart time.Time) (int64, error) {
	u.calls++
	return u.count, u.err
}

func int64Ptr(v int64) *int64 { return &v }
