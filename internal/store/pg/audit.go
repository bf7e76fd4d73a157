package pg

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"medrec.org/internal/auth"
)

// AuditLog implements auth.AuditStore.
type AuditLog struct {
	db *sqlx.DB
}

var _ auth.AuditStore = (*AuditLog)(nil)

const auditSelect = `
	select id, credential_id, username, action, description, request_id, created_at
	from audit_log
`

func (a *AuditLog) Append(ctx context.Context, entry *auth.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := a.db.QueryRowxContext(ctx, `
		insert into audit_log (credential_id, username, action, description, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6)
		returning id
	`, entry.CredentialID, entry.Username, entry.Action, entry.Description, entry.RequestID, entry.CreatedAt.UTC()).
		Scan(&entry.ID)
	return mapError(err)
}

func (a *AuditLog) List(ctx context.Context, filter auth.AuditFilter) ([]auth.AuditEntry, error) {
	filter = filter.Normalize()
	where, args := auditWhere(filter)
	args = append(args, filter.Limit, filter.Offset())
	n := len(args)
	query := auditSelect + where +
		` order by created_at desc, id desc limit $` + strconv.Itoa(n-1) + ` offset $` + strconv.Itoa(n)

	out := []auth.AuditEntry{}
	if err := a.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (a *AuditLog) FindByID(ctx context.Context, id int64) (*auth.AuditEntry, error) {
	var entry auth.AuditEntry
	if err := a.db.GetContext(ctx, &entry, auditSelect+`where id = $1`, id); err != nil {
		return nil, mapError(err)
	}
	return &entry, nil
}

func (a *AuditLog) Stats(ctx context.Context, dayStart time.Time) (auth.AuditStats, error) {
	var totals struct {
		Total       int `db:"total"`
		Today       int `db:"today"`
		Credentials int `db:"credentials"`
	}
	err := a.db.GetContext(ctx, &totals, `
		select count(*) as total,
		       count(*) filter (where created_at >= $1) as today,
		       count(distinct credential_id) as credentials
		from audit_log
	`, dayStart.UTC())
	if err != nil {
		return auth.AuditStats{}, mapError(err)
	}
	actions := []auth.ActionCount{}
	err = a.db.SelectContext(ctx, &actions, `
		select action, count(*) as count
		from audit_log
		group by action
		order by count desc, action asc
	`)
	if err != nil {
		return auth.AuditStats{}, mapError(err)
	}
	return auth.AuditStats{
		Total:       totals.Total,
		Today:       totals.Today,
		Credentials: totals.Credentials,
		Actions:     actions,
	}, nil
}

func auditWhere(f auth.AuditFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.CredentialID != nil {
		add("credential_id = ?", *f.CredentialID)
	}
	if action := strings.TrimSpace(f.Action); action != "" {
		add("action ilike '%' || ? || '%'", action)
	}
	if f.From != nil {
		add("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		add("created_at <= ?", f.To.UTC())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "where " + strings.Join(clauses, " and "), args
}
