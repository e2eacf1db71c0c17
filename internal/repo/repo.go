package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"okrsync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const entityColumns = `id,kind,external_id,parent_external_id,scope_id,fields_json,sync_status,deleted_at,created_at,updated_at`

type entityRow interface {
	Scan(dest ...any) error
}

func scanEntity(row entityRow) (domain.Entity, string, error) {
	var e domain.Entity
	var parent, scope, deleted sql.NullString
	var fieldsJSON string
	err := row.Scan(&e.ID, &e.Kind, &e.ExternalID, &parent, &scope, &fieldsJSON, &e.SyncStatus, &deleted, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, "", ErrNotFound
	}
	if err != nil {
		return e, "", err
	}
	if parent.Valid {
		e.ParentID = parent.String
	}
	if scope.Valid {
		e.ScopeID = scope.String
	}
	if deleted.Valid {
		e.DeletedAt = &deleted.String
	}
	return e, fieldsJSON, nil
}

func (r Repo) InsertEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity, fieldsJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.ExternalID, nullable(e.ParentID), nullable(e.ScopeID), fieldsJSON,
		e.SyncStatus, nullableStringPtr(e.DeletedAt), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity, fieldsJSON string) error {
	res, err := tx.ExecContext(ctx, `UPDATE entities SET parent_external_id=?, scope_id=?, fields_json=?, sync_status=?, deleted_at=?, updated_at=? WHERE kind=? AND external_id=?`,
		nullable(e.ParentID), nullable(e.ScopeID), fieldsJSON, e.SyncStatus,
		nullableStringPtr(e.DeletedAt), e.UpdatedAt, e.Kind, e.ExternalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEntity(ctx context.Context, kind domain.Kind, externalID string) (domain.Entity, string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind=? AND external_id=?`, kind, externalID)
	return scanEntity(row)
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, externalID string) (domain.Entity, string, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind=? AND external_id=?`, kind, externalID)
	return scanEntity(row)
}

// SetEntitySyncStatusTx flips the sync flag of a single entity row.
func (r Repo) SetEntitySyncStatusTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, externalID, status, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE entities SET sync_status=?, updated_at=? WHERE kind=? AND external_id=?`,
		status, updatedAt, kind, externalID)
	return err
}

type EntityFilters struct {
	Kind           domain.Kind
	ParentID       string
	SyncStatus     string
	IncludeDeleted bool
	Limit          int
}

// ListEntities returns entities of a kind, newest first. Results carry the
// raw fields JSON alongside each entity so callers can decode once.
func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, []string, error) {
	clauses := []string{"kind=?"}
	args := []any{f.Kind}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_external_id=?")
		args = append(args, f.ParentID)
	}
	if f.SyncStatus != "" {
		clauses = append(clauses, "sync_status=?")
		args = append(args, f.SyncStatus)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	var fields []string
	for rows.Next() {
		e, fj, err := scanEntity(rows)
		if err != nil {
			return nil, nil, err
		}
		res = append(res, e)
		fields = append(fields, fj)
	}
	return res, fields, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
