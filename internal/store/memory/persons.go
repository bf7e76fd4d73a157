package memory

import (
	"context"

	"medrec.org/internal/auth"
)

// Persons implements auth.PersonStore.
type Persons struct {
	s *Store
}

var _ auth.PersonStore = (*Persons)(nil)

func (p *Persons) FindByID(_ context.Context, id int64) (*auth.Person, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	person, ok := p.s.persons[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &person, nil
}

func (p *Persons) Create(_ context.Context, person *auth.Person) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if person.Email != "" {
		for _, existing := range p.s.persons {
			if existing.Email == person.Email {
				return auth.ErrConflict
			}
		}
	}
	p.s.nextPersonID++
	person.ID = p.s.nextPersonID
	person.CreatedAt = p.s.now().UTC()
	p.s.persons[person.ID] = *person
	return nil
}
