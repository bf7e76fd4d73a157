package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"medrec.org/internal/auth"
)

const sessionSelect = `
	select s.id, s.credential_id, c.username, s.token, s.started_at, s.ended_at
	from sessions s
	join credentials c on c.id = s.credential_id
`

const sessionReturning = `returning id, credential_id, token, started_at, ended_at,
	(select c.username from credentials c where c.id = sessions.credential_id) as username`

// Sessions implements auth.SessionStore.
type Sessions struct {
	db *sqlx.DB
}

var _ auth.SessionStore = (*Sessions)(nil)

func (s *Sessions) Create(ctx context.Context, sess *auth.Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	err := s.db.QueryRowxContext(ctx, `
		insert into sessions (credential_id, token, started_at)
		values ($1, $2, $3)
		returning id
	`, sess.CredentialID, sess.Token, sess.StartedAt.UTC()).Scan(&sess.ID)
	return mapError(err)
}

func (s *Sessions) FindOpenByToken(ctx context.Context, token string) (*auth.Session, error) {
	var sess auth.Session
	if err := s.db.GetContext(ctx, &sess, sessionSelect+`where s.token = $1 and s.ended_at is null`, token); err != nil {
		return nil, mapError(err)
	}
	return &sess, nil
}

func (s *Sessions) FindByID(ctx context.Context, id int64) (*auth.Session, error) {
	var sess auth.Session
	if err := s.db.GetContext(ctx, &sess, sessionSelect+`where s.id = $1`, id); err != nil {
		return nil, mapError(err)
	}
	return &sess, nil
}

func (s *Sessions) CloseByToken(ctx context.Context, token string, at time.Time) (*auth.Session, error) {
	var sess auth.Session
	err := s.db.GetContext(ctx, &sess, `
		update sessions set ended_at = $2
		where token = $1 and ended_at is null
	`+sessionReturning, token, at.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	return &sess, nil
}

func (s *Sessions) CloseByID(ctx context.Context, id int64, at time.Time) (*auth.Session, error) {
	var sess auth.Session
	err := s.db.GetContext(ctx, &sess, `
		update sessions set ended_at = $2
		where id = $1 and ended_at is null
	`+sessionReturning, id, at.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	return &sess, nil
}

func (s *Sessions) CloseAllForCredential(ctx context.Context, credentialID int64, at time.Time) ([]auth.Session, error) {
	out := []auth.Session{}
	err := s.db.SelectContext(ctx, &out, `
		update sessions set ended_at = $2
		where credential_id = $1 and ended_at is null
	`+sessionReturning, credentialID, at.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Sessions) ListOpen(ctx context.Context) ([]auth.Session, error) {
	out := []auth.Session{}
	err := s.db.SelectContext(ctx, &out, sessionSelect+`where s.ended_at is null order by s.started_at desc, s.id desc`)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Sessions) ListByCredential(ctx context.Context, credentialID int64) ([]auth.Session, error) {
	out := []auth.Session{}
	err := s.db.SelectContext(ctx, &out, sessionSelect+`where s.credential_id = $1 order by s.started_at desc, s.id desc`, credentialID)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Sessions) Stats(ctx context.Context, since time.Time) (auth.SessionStats, error) {
	var stats auth.SessionStats
	err := s.db.GetContext(ctx, &stats, `
		select count(*) as total,
		       count(*) filter (where ended_at is null) as open,
		       count(distinct credential_id) filter (where ended_at is null) as credentials
		from sessions
		where started_at >= $1
	`, since.UTC())
	if err != nil {
		return auth.SessionStats{}, mapError(err)
	}
	return stats, nil
}
