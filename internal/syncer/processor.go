// Package syncer drains the outbox: it claims pending records, hands them
// to the delivery client, and records the outcome. Runs are safe to
// overlap because claiming is a compare-and-set on the record's status.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"okrsync/internal/deliver"
	"okrsync/internal/domain"
	"okrsync/internal/repo"
	"okrsync/internal/synclog"
)

const DefaultBatch = 10

// NotConfiguredError aborts a run outright: with no endpoint or key
// material there is nothing any item could be delivered to.
type NotConfiguredError struct{}

func (NotConfiguredError) Error() string {
	return "sync not configured: no endpoint or key material available"
}

type Processor struct {
	DB      *sql.DB
	Repo    repo.Repo
	SyncLog synclog.Writer
	Client  *deliver.Client
	Now     func() time.Time
}

func New(db *sql.DB) *Processor {
	return &Processor{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		SyncLog: synclog.Writer{DB: db},
		Client:  &deliver.Client{},
		Now:     time.Now,
	}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Options for a single run. An explicit Target wins over the persisted
// singleton; with neither the run fails as NotConfigured.
type Options struct {
	Batch  int
	Target *deliver.Target
}

// Summary counts one run's outcomes. Per-item delivery failures are
// recorded on their outbox records, never raised.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Run drains one batch of pending records sequentially.
func (p *Processor) Run(ctx context.Context, opts Options) (Summary, error) {
	target, err := p.resolveTarget(ctx, opts.Target)
	if err != nil {
		return Summary{}, err
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	records, err := p.Repo.PeekPending(ctx, batch)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, rec := range records {
		claimed, err := p.Repo.ClaimOutbox(ctx, rec.ID, p.now().UTC().Format(time.RFC3339))
		if err != nil {
			return sum, err
		}
		if !claimed {
			// another run took it between peek and claim
			continue
		}
		sum.Processed++
		res, err := p.Client.Deliver(ctx, target, rec.Kind, []byte(rec.PayloadJSON))
		if err != nil {
			if ferr := p.finishFailed(ctx, rec, err.Error()); ferr != nil {
				return sum, ferr
			}
			sum.Failed++
			continue
		}
		if err := p.finishSucceeded(ctx, rec, res); err != nil {
			return sum, err
		}
		sum.Succeeded++
	}
	return sum, nil
}

func (p *Processor) resolveTarget(ctx context.Context, explicit *deliver.Target) (deliver.Target, error) {
	if explicit != nil {
		if explicit.EndpointURL == "" || explicit.SigningSecret == "" {
			return deliver.Target{}, NotConfiguredError{}
		}
		return *explicit, nil
	}
	cfg, err := p.Repo.GetSyncConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return deliver.Target{}, NotConfiguredError{}
	}
	if err != nil {
		return deliver.Target{}, err
	}
	if cfg.EndpointURL == "" || cfg.SigningSecret == "" {
		return deliver.Target{}, NotConfiguredError{}
	}
	return deliver.Target{
		EndpointURL:   cfg.EndpointURL,
		KeyPrefix:     cfg.KeyPrefix,
		SigningSecret: cfg.SigningSecret,
	}, nil
}

// finishSucceeded closes the loop in a single transaction: outbox record
// to success, entity flag to synced, one sync log row.
func (p *Processor) finishSucceeded(ctx context.Context, rec domain.OutboxRecord, res deliver.Result) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.FinishOutboxTx(ctx, tx, rec.ID, domain.OutboxSuccess, ""); err != nil {
		return err
	}
	now := p.now().UTC().Format(time.RFC3339)
	if err := p.Repo.SetEntitySyncStatusTx(ctx, tx, rec.Kind, rec.ExternalID, domain.SyncSynced, now); err != nil {
		return err
	}
	action := res.Action
	if action == "" {
		action = "create"
	}
	if err := p.SyncLog.Append(ctx, tx, rec.Kind, rec.ExternalID, res.RemoteID, action); err != nil {
		return err
	}
	return tx.Commit()
}

// finishFailed records the failure on the outbox record only; the entity
// stays pending so a later resubmission can pick it up.
func (p *Processor) finishFailed(ctx context.Context, rec domain.OutboxRecord, detail string) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.FinishOutboxTx(ctx, tx, rec.ID, domain.OutboxFailed, detail); err != nil {
		return err
	}
	return tx.Commit()
}
