package memory

import (
	"cmp"
	"context"
	"slices"

	"medrec.org/internal/auth"
)

// Roles implements auth.RoleStore.
type Roles struct {
	s *Store
}

var _ auth.RoleStore = (*Roles)(nil)

func (r *Roles) List(_ context.Context) ([]auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		out = append(out, role)
	}
	slices.SortFunc(out, func(a, b auth.Role) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Roles) FindByID(_ context.Context, id auth.RoleID) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &role, nil
}

func (r *Roles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, role := range r.s.roles {
		if role.Name == name {
			return &role, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *Roles) Create(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.nameTaken(name, 0) {
		return nil, auth.ErrConflict
	}
	id := r.s.nextRoleID + 1
	for {
		if _, ok := r.s.roles[id]; !ok {
			break
		}
		id++
	}
	r.s.nextRoleID = id
	role := auth.Role{ID: id, Name: name, CreatedAt: r.s.now().UTC()}
	r.s.roles[id] = role
	return &role, nil
}

func (r *Roles) Update(_ context.Context, id auth.RoleID, name string) (*auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if r.nameTaken(name, id) {
		return nil, auth.ErrConflict
	}
	role.Name = name
	r.s.roles[id] = role
	return &role, nil
}

func (r *Roles) EnsureDefaults(_ context.Context, defaults []auth.Role) ([]auth.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range defaults {
		if _, ok := r.s.roles[d.ID]; ok {
			continue
		}
		if r.nameTaken(d.Name, d.ID) {
			continue
		}
		r.s.roles[d.ID] = auth.Role{ID: d.ID, Name: d.Name, CreatedAt: r.s.now().UTC()}
		if d.ID > r.s.nextRoleID {
			r.s.nextRoleID = d.ID
		}
	}
	out := make([]auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		out = append(out, role)
	}
	slices.SortFunc(out, func(a, b auth.Role) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Roles) nameTaken(name string, except auth.RoleID) bool {
	for id, role := range r.s.roles {
		if id != except && role.Name == name {
			return true
		}
	}
	return false
}
