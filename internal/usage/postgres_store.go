package usage

import (
	"context"
	"database/sql"

	"github.com/mbd888/chatgate/internal/pagination"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r *Record) error {
	if r.ProfileID == "" {
		return errMissingProfile
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, profile_id, action, message_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.ProfileID, r.Action, sql.NullString{String: r.MessageRef, Valid: r.MessageRef != ""}, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByProfile(ctx context.Context, profileID string, before *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, profile_id, action, message_ref, created_at
			FROM usage_records
			WHERE profile_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, profileID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, profile_id, action, message_ref, created_at
			FROM usage_records
			WHERE profile_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, profileID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		var ref sql.NullString
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Action, &ref, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.MessageRef = ref.String
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
