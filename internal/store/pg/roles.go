package pg

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"medrec.org/internal/auth"
)

// Roles implements auth.RoleStore.
type Roles struct {
	db *sqlx.DB
}

var _ auth.RoleStore = (*Roles)(nil)

func (r *Roles) List(ctx context.Context) ([]auth.Role, error) {
	out := []auth.Role{}
	if err := r.db.SelectContext(ctx, &out, `select id, name, created_at from roles order by id`); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (r *Roles) FindByID(ctx context.Context, id auth.RoleID) (*auth.Role, error) {
	var role auth.Role
	if err := r.db.GetContext(ctx, &role, `select id, name, created_at from roles where id = $1`, int64(id)); err != nil {
		return nil, mapError(err)
	}
	return &role, nil
}

func (r *Roles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	var role auth.Role
	if err := r.db.GetContext(ctx, &role, `select id, name, created_at from roles where name = $1`, name); err != nil {
		return nil, mapError(err)
	}
	return &role, nil
}

func (r *Roles) Create(ctx context.Context, name string) (*auth.Role, error) {
	var role auth.Role
	err := r.db.GetContext(ctx, &role, `
		insert into roles (name) values ($1)
		returning id, name, created_at
	`, name)
	if err != nil {
		return nil, mapError(err)
	}
	return &role, nil
}

func (r *Roles) Update(ctx context.Context, id auth.RoleID, name string) (*auth.Role, error) {
	var role auth.Role
	err := r.db.GetContext(ctx, &role, `
		update roles set name = $2 where id = $1
		returning id, name, created_at
	`, int64(id), name)
	if err != nil {
		return nil, mapError(err)
	}
	return &role, nil
}

// EnsureDefaults inserts missing roles with their fixed ids and moves the
// identity sequence past them.
func (r *Roles) EnsureDefaults(ctx context.Context, roles []auth.Role) ([]auth.Role, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, name) values ($1, $2)
			on conflict do nothing
		`, int64(role.ID), role.Name); err != nil {
			return nil, fmt.Errorf("insert role %s: %w", role.Name, mapError(err))
		}
	}
	if _, err := tx.ExecContext(ctx, `
		select setval(pg_get_serial_sequence('roles', 'id'), greatest((select max(id) from roles), 1))
	`); err != nil {
		return nil, fmt.Errorf("advance role sequence: %w", err)
	}
	out := []auth.Role{}
	if err := tx.SelectContext(ctx, &out, `select id, name, created_at from roles order by id`); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
