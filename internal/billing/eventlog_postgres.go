package billing

import (
	"context"
	"database/sql"
)

// PostgresEventLog keeps seen event ids in the billing_events table.
type PostgresEventLog struct {
	db *sql.DB
}

// NewPostgresEventLog creates a PostgreSQL-backed event log.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

func (p *PostgresEventLog) MarkSeen(ctx context.Context, id, eventType string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, id, eventType)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresEventLog) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE billing_events SET status = 'failed', error = $2, updated_at = NOW()
		WHERE event_id = $1`, id, reason)
	return err
}

var _ EventLog = (*PostgresEventLog)(nil)
