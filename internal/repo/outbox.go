package repo

import (
	"context"
	"database/sql"

	"okrsync/internal/domain"
)

const outboxColumns = `id,kind,external_id,payload_json,status,attempts,last_attempt_at,error_message,created_at`

func scanOutbox(row entityRow) (domain.OutboxRecord, error) {
	var o domain.OutboxRecord
	var lastAttempt, errMsg sql.NullString
	err := row.Scan(&o.ID, &o.Kind, &o.ExternalID, &o.PayloadJSON, &o.Status, &o.Attempts, &lastAttempt, &errMsg, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if lastAttempt.Valid {
		o.LastAttemptAt = lastAttempt.String
	}
	if errMsg.Valid {
		o.ErrorMessage = errMsg.String
	}
	return o, nil
}

// EnqueueTx appends a pending outbox record and returns its id.
func (r Repo) EnqueueTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, externalID, payloadJSON, createdAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO outbox(kind,external_id,payload_json,status,attempts,created_at) VALUES (?,?,?,?,0,?)`,
		kind, externalID, payloadJSON, domain.OutboxPending, createdAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOutbox(ctx context.Context, id int64) (domain.OutboxRecord, error) {
	return scanOutbox(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id=?`, id))
}

// PeekPending returns up to limit pending records, oldest first.
func (r Repo) PeekPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE status=? ORDER BY id ASC LIMIT ?`,
		domain.OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxRecord
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOutbox returns recent records, optionally filtered by status.
func (r Repo) ListOutbox(ctx context.Context, status string, limit int) ([]domain.OutboxRecord, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxRecord
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ClaimOutbox transitions a record pending -> processing as a compare-and-set,
// counting the attempt. Returns false when another run already claimed it.
func (r Repo) ClaimOutbox(ctx context.Context, id int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, attempts=attempts+1, last_attempt_at=? WHERE id=? AND status=?`,
		domain.OutboxProcessing, now, id, domain.OutboxPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishOutboxTx records the terminal status of a claimed record.
func (r Repo) FinishOutboxTx(ctx context.Context, tx *sql.Tx, id int64, status, errorMessage string) error {
	res, err := tx.ExecContext(ctx, `UPDATE outbox SET status=?, error_message=? WHERE id=? AND status=?`,
		status, nullable(errorMessage), id, domain.OutboxProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSyncLog returns confirmed deliveries, newest first.
func (r Repo) ListSyncLog(ctx context.Context, limit int) ([]domain.SyncLogRecord, error) {
	query := `SELECT id,kind,external_id,remote_id,action,synced_at FROM sync_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncLogRecord
	for rows.Next() {
		var rec domain.SyncLogRecord
		var remoteID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.ExternalID, &remoteID, &rec.Action, &rec.SyncedAt); err != nil {
			return nil, err
		}
		if remoteID.Valid {
			rec.RemoteID = remoteID.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
