// Package engine implements the entity write path: the one generic
// create/update routine all nine entity kinds go through. Each write
// validates referenced external ids, resolves declared parents against
// locally known rows, then upserts the entity and appends an outbox record
// inside a single transaction so concurrent writers cannot slip a
// duplicate past the idempotency check.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"okrsync/internal/domain"
	"okrsync/internal/identity"
	"okrsync/internal/payload"
	"okrsync/internal/repo"
)

type Engine struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateOptions are the inputs accepted for any entity kind. ExternalID is
// optional: when absent the id is derived from the natural key, or random
// when no stable key exists.
type CreateOptions struct {
	Kind       domain.Kind
	SourceApp  string
	ExternalID string
	ParentID   string
	ScopeID    string
	Fields     map[string]any
}

// WriteResult reports the outcome of a create or update. Existing is true
// when a create found a prior row for the same external id; no new row or
// outbox record exists in that case.
type WriteResult struct {
	Entity   domain.Entity
	Existing bool
	OutboxID int64
}

func (e Engine) Create(ctx context.Context, opts CreateOptions) (WriteResult, error) {
	spec, ok := domain.Specs[opts.Kind]
	if !ok {
		return WriteResult{}, fmt.Errorf("unknown entity kind %q", opts.Kind)
	}
	draft := domain.Entity{
		Kind:     opts.Kind,
		ParentID: opts.ParentID,
		ScopeID:  opts.ScopeID,
		Fields:   opts.Fields,
	}
	if draft.Fields == nil {
		draft.Fields = map[string]any{}
	}
	if err := validateReferences(spec, draft, opts.ExternalID, false); err != nil {
		return WriteResult{}, err
	}

	extID := opts.ExternalID
	if extID == "" {
		id, err := deriveOrRandom(spec, draft, opts.SourceApp)
		if err != nil {
			return WriteResult{}, err
		}
		extID = id.String()
	}
	draft.ExternalID = extID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, err
	}
	defer tx.Rollback()

	// Idempotency: a prior row for this external id means the create
	// already happened; retries are answered with the existing record.
	existing, fieldsJSON, err := e.Repo.GetEntityTx(ctx, tx, opts.Kind, extID)
	if err == nil {
		if decodeErr := decodeFields(&existing, fieldsJSON); decodeErr != nil {
			return WriteResult{}, decodeErr
		}
		return WriteResult{Entity: existing, Existing: true}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return WriteResult{}, err
	}

	if err := e.checkHierarchy(ctx, tx, spec, draft); err != nil {
		return WriteResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	draft.ID = uuid.New().String()
	draft.SyncStatus = domain.SyncPending
	draft.CreatedAt = now
	draft.UpdatedAt = now
	encoded, err := json.Marshal(draft.Fields)
	if err != nil {
		return WriteResult{}, err
	}
	if err := e.Repo.InsertEntityTx(ctx, tx, draft, string(encoded)); err != nil {
		tx.Rollback()
		return e.existingAfterRace(ctx, opts.Kind, extID, err)
	}

	outboxID, err := e.enqueueTx(ctx, tx, spec, draft, now)
	if err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Entity: draft, OutboxID: outboxID}, nil
}

// UpdateOptions patch an existing entity. Fields are merged over the
// current state; a nil value removes the key.
type UpdateOptions struct {
	Kind       domain.Kind
	ExternalID string
	Fields     map[string]any
}

func (e Engine) Update(ctx context.Context, opts UpdateOptions) (WriteResult, error) {
	spec, ok := domain.Specs[opts.Kind]
	if !ok {
		return WriteResult{}, fmt.Errorf("unknown entity kind %q", opts.Kind)
	}
	if err := identity.ValidateKind(opts.ExternalID, opts.Kind); err != nil {
		return WriteResult{}, InvalidExternalIDError{Field: "external_id", Value: opts.ExternalID, Reason: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, err
	}
	defer tx.Rollback()

	ent, fieldsJSON, err := e.Repo.GetEntityTx(ctx, tx, opts.Kind, opts.ExternalID)
	if errors.Is(err, repo.ErrNotFound) {
		return WriteResult{}, NotFoundError{Kind: opts.Kind, ExternalID: opts.ExternalID}
	}
	if err != nil {
		return WriteResult{}, err
	}
	if err := decodeFields(&ent, fieldsJSON); err != nil {
		return WriteResult{}, err
	}

	for k, v := range opts.Fields {
		if v == nil {
			delete(ent.Fields, k)
			continue
		}
		ent.Fields[k] = v
	}
	// Newly supplied references must be well formed and locally resolvable.
	if err := validateReferences(spec, ent, "", true); err != nil {
		return WriteResult{}, err
	}
	if err := e.checkRefs(ctx, tx, spec, ent, opts.Fields); err != nil {
		return WriteResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	ent.SyncStatus = domain.SyncPending
	ent.UpdatedAt = now
	encoded, err := json.Marshal(ent.Fields)
	if err != nil {
		return WriteResult{}, err
	}
	if err := e.Repo.UpdateEntityTx(ctx, tx, ent, string(encoded)); err != nil {
		return WriteResult{}, err
	}
	// The outbound payload reflects the merged state, not the patch.
	outboxID, err := e.enqueueTx(ctx, tx, spec, ent, now)
	if err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Entity: ent, OutboxID: outboxID}, nil
}

// SoftDelete stamps deleted_at and nothing else. Deletions are not
// propagated: the remote ingest contract has no delete action, so no
// outbox record is appended and the sync flag is left alone.
func (e Engine) SoftDelete(ctx context.Context, kind domain.Kind, externalID string) (domain.Entity, error) {
	if _, ok := domain.Specs[kind]; !ok {
		return domain.Entity{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	ent, fieldsJSON, err := e.Repo.GetEntityTx(ctx, tx, kind, externalID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Entity{}, NotFoundError{Kind: kind, ExternalID: externalID}
	}
	if err != nil {
		return domain.Entity{}, err
	}
	if err := decodeFields(&ent, fieldsJSON); err != nil {
		return domain.Entity{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ent.DeletedAt = &now
	ent.UpdatedAt = now
	if err := e.Repo.UpdateEntityTx(ctx, tx, ent, fieldsJSON); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

// Resubmit re-enqueues a failed outbox record as a fresh pending one built
// from the entity's current state. Failure is otherwise terminal.
func (e Engine) Resubmit(ctx context.Context, outboxID int64) (WriteResult, error) {
	rec, err := e.Repo.GetOutbox(ctx, outboxID)
	if err != nil {
		return WriteResult{}, err
	}
	if rec.Status != domain.OutboxFailed {
		return WriteResult{}, fmt.Errorf("outbox record %d is %s; only failed records can be resubmitted", outboxID, rec.Status)
	}
	spec := domain.Specs[rec.Kind]

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, err
	}
	defer tx.Rollback()

	ent, fieldsJSON, err := e.Repo.GetEntityTx(ctx, tx, rec.Kind, rec.ExternalID)
	if errors.Is(err, repo.ErrNotFound) {
		return WriteResult{}, NotFoundError{Kind: rec.Kind, ExternalID: rec.ExternalID}
	}
	if err != nil {
		return WriteResult{}, err
	}
	if err := decodeFields(&ent, fieldsJSON); err != nil {
		return WriteResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ent.SyncStatus = domain.SyncPending
	ent.UpdatedAt = now
	if err := e.Repo.UpdateEntityTx(ctx, tx, ent, fieldsJSON); err != nil {
		return WriteResult{}, err
	}
	newID, err := e.enqueueTx(ctx, tx, spec, ent, now)
	if err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Entity: ent, OutboxID: newID}, nil
}

// Get returns an entity with its fields decoded.
func (e Engine) Get(ctx context.Context, kind domain.Kind, externalID string) (domain.Entity, error) {
	ent, fieldsJSON, err := e.Repo.GetEntity(ctx, kind, externalID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Entity{}, NotFoundError{Kind: kind, ExternalID: externalID}
	}
	if err != nil {
		return domain.Entity{}, err
	}
	if err := decodeFields(&ent, fieldsJSON); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

// List returns entities of a kind, optionally filtered by parent.
func (e Engine) List(ctx context.Context, f repo.EntityFilters) ([]domain.Entity, error) {
	ents, fields, err := e.Repo.ListEntities(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range ents {
		if err := decodeFields(&ents[i], fields[i]); err != nil {
			return nil, err
		}
	}
	return ents, nil
}

// PendingQueue exposes the outbox listing for the query surface.
func (e Engine) PendingQueue(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	return e.Repo.PeekPending(ctx, limit)
}

func (e Engine) enqueueTx(ctx context.Context, tx *sql.Tx, spec domain.Spec, ent domain.Entity, now string) (int64, error) {
	out, err := payload.Outbound(spec, ent)
	if err != nil {
		return 0, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return 0, err
	}
	return e.Repo.EnqueueTx(ctx, tx, ent.Kind, ent.ExternalID, string(encoded), now)
}

// validateReferences checks id formats: the entity's own id (when given),
// the declared parent, the scope, and any field-carried refs. With
// patchOnly set, required-but-absent checks are skipped so updates only
// validate what they touch.
func validateReferences(spec domain.Spec, e domain.Entity, selfID string, patchOnly bool) error {
	if selfID != "" {
		if err := identity.ValidateKind(selfID, spec.Kind); err != nil {
			return InvalidExternalIDError{Field: "external_id", Value: selfID, Reason: err.Error()}
		}
	}
	if spec.Parent != "" {
		if e.ParentID == "" {
			if !patchOnly {
				return InvalidExternalIDError{Field: "parent_external_id", Reason: fmt.Sprintf("%s reference required", spec.Parent)}
			}
		} else if err := identity.ValidateKind(e.ParentID, spec.Parent); err != nil {
			return InvalidExternalIDError{Field: "parent_external_id", Value: e.ParentID, Reason: err.Error()}
		}
	}
	if spec.Scope != "" {
		if e.ScopeID == "" {
			if !patchOnly {
				return InvalidExternalIDError{Field: "scope_id", Reason: fmt.Sprintf("%s reference required", spec.Scope)}
			}
		} else if err := identity.ValidateKind(e.ScopeID, spec.Scope); err != nil {
			return InvalidExternalIDError{Field: "scope_id", Value: e.ScopeID, Reason: err.Error()}
		}
	}
	for _, ref := range spec.Refs {
		v, _ := e.Fields[ref.Field].(string)
		if v == "" {
			if !ref.Optional && !patchOnly {
				return InvalidExternalIDError{Field: ref.Field, Reason: fmt.Sprintf("%s reference required", ref.Kind)}
			}
			continue
		}
		if err := identity.ValidateKind(v, ref.Kind); err != nil {
			return InvalidExternalIDError{Field: ref.Field, Value: v, Reason: err.Error()}
		}
	}
	return nil
}

// checkHierarchy resolves every declared parent reference against local
// rows. Scope kinds (team, company, user) are remote-owned and only
// format-checked.
func (e Engine) checkHierarchy(ctx context.Context, tx *sql.Tx, spec domain.Spec, ent domain.Entity) error {
	if spec.Parent != "" {
		if _, _, err := e.Repo.GetEntityTx(ctx, tx, spec.Parent, ent.ParentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ParentNotFoundError{Field: "parent_external_id", Kind: spec.Parent, ExternalID: ent.ParentID}
			}
			return err
		}
	}
	for _, ref := range spec.Refs {
		v, _ := ent.Fields[ref.Field].(string)
		if v == "" {
			continue
		}
		if _, _, err := e.Repo.GetEntityTx(ctx, tx, ref.Kind, v); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ParentNotFoundError{Field: ref.Field, Kind: ref.Kind, ExternalID: v}
			}
			return err
		}
	}
	return nil
}

// checkRefs resolves only the refs an update patch actually supplied.
func (e Engine) checkRefs(ctx context.Context, tx *sql.Tx, spec domain.Spec, ent domain.Entity, patch map[string]any) error {
	for _, ref := range spec.Refs {
		if _, touched := patch[ref.Field]; !touched {
			continue
		}
		v, _ := ent.Fields[ref.Field].(string)
		if v == "" {
			continue
		}
		if _, _, err := e.Repo.GetEntityTx(ctx, tx, ref.Kind, v); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ParentNotFoundError{Field: ref.Field, Kind: ref.Kind, ExternalID: v}
			}
			return err
		}
	}
	return nil
}

func deriveOrRandom(spec domain.Spec, draft domain.Entity, sourceApp string) (identity.ID, error) {
	if parts, ok := spec.NaturalKey(draft); ok {
		return identity.Derive(sourceApp, spec.Kind, parts...)
	}
	return identity.Random(sourceApp, spec.Kind)
}

func decodeFields(e *domain.Entity, fieldsJSON string) error {
	if fieldsJSON == "" {
		e.Fields = map[string]any{}
		return nil
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return fmt.Errorf("decode fields for %s %s: %w", e.Kind, e.ExternalID, err)
	}
	return nil
}

// existingAfterRace resolves a failed insert. A unique-index hit means a
// concurrent create with the same external id won the race between the
// idempotency check and the insert; the row it committed is the existing
// record. Any other insert error passes through unchanged.
func (e Engine) existingAfterRace(ctx context.Context, kind domain.Kind, externalID string, insertErr error) (WriteResult, error) {
	if !isUniqueViolation(insertErr) {
		return WriteResult{}, insertErr
	}
	won, fieldsJSON, err := e.Repo.GetEntity(ctx, kind, externalID)
	if err != nil {
		return WriteResult{}, insertErr
	}
	if err := decodeFields(&won, fieldsJSON); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Entity: won, Existing: true}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
