package synclog

import (
	"context"
	"database/sql"
	"time"

	"okrsync/internal/domain"
)

// Writer appends confirmed-delivery records inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind domain.Kind, externalID, remoteID, action string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_log(kind,external_id,remote_id,action,synced_at) VALUES (?,?,?,?,?)`,
		kind, externalID, nullable(remoteID), action, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
