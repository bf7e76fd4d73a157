package pg

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"

	"medrec.org/internal/auth"
)

// Persons implements auth.PersonStore.
type Persons struct {
	db *sqlx.DB
}

var _ auth.PersonStore = (*Persons)(nil)

func (p *Persons) FindByID(ctx context.Context, id int64) (*auth.Person, error) {
	var person auth.Person
	err := p.db.GetContext(ctx, &person, `
		select id, first_name, last_name, coalesce(email, '') as email, active, created_at
		from persons where id = $1
	`, id)
	if err != nil {
		return nil, mapError(err)
	}
	return &person, nil
}

func (p *Persons) Create(ctx context.Context, person *auth.Person) error {
	err := p.db.QueryRowxContext(ctx, `
		insert into persons (first_name, last_name, email, active)
		values ($1, $2, $3, $4)
		returning id, created_at
	`, person.FirstName, person.LastName, nullIfEmpty(person.Email), person.Active).Scan(&person.ID, &person.CreatedAt)
	return mapError(err)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
