package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"okrsync/internal/db"
	"okrsync/internal/deliver"
	"okrsync/internal/domain"
	"okrsync/internal/engine"
	"okrsync/internal/identity"
	"okrsync/internal/migrate"
	"okrsync/internal/repo"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newTeamID(t *testing.T) string {
	t.Helper()
	id, err := identity.Random("acme", domain.KindTeam)
	if err != nil {
		t.Fatalf("team id: %v", err)
	}
	return id.String()
}

func createObjective(t *testing.T, eng engine.Engine, scopeID, description string) engine.WriteResult {
	t.Helper()
	res, err := eng.Create(context.Background(), engine.CreateOptions{
		Kind:      domain.KindObjective,
		SourceApp: "acme",
		ScopeID:   scopeID,
		Fields:    map[string]any{"description": description},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	return res
}

func okHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		extID, _ := body["external_id"].(string)
		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"externalId": extID,
			"remoteId":   "rem-001",
			"action":     "create",
		})
	}
}

func TestRunDeliverySuccess(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	res := createObjective(t, eng, newTeamID(t), "expand into new markets")

	srv := httptest.NewServer(okHandler(t))
	defer srv.Close()

	p := New(conn)
	sum, err := p.Run(context.Background(), Options{Target: &deliver.Target{
		EndpointURL:   srv.URL,
		KeyPrefix:     "pk_test",
		SigningSecret: "topsecret",
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 1 || sum.Succeeded != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	rec, err := p.Repo.GetOutbox(context.Background(), res.OutboxID)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if rec.Status != domain.OutboxSuccess {
		t.Fatalf("outbox status = %s, want success", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	ent, err := eng.Get(context.Background(), domain.KindObjective, res.Entity.ExternalID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if ent.SyncStatus != domain.SyncSynced {
		t.Fatalf("entity sync status = %s, want synced", ent.SyncStatus)
	}

	logs, err := p.Repo.ListSyncLog(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sync log: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("sync log rows = %d, want 1", len(logs))
	}
	if logs[0].RemoteID != "rem-001" || logs[0].Action != "create" {
		t.Fatalf("sync log row = %+v", logs[0])
	}
	if logs[0].ExternalID != res.Entity.ExternalID {
		t.Fatalf("sync log external id = %s, want %s", logs[0].ExternalID, res.Entity.ExternalID)
	}
}

func TestRunDeliveryFailure(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	res := createObjective(t, eng, newTeamID(t), "reduce churn")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(conn)
	sum, err := p.Run(context.Background(), Options{Target: &deliver.Target{
		EndpointURL:   srv.URL,
		SigningSecret: "topsecret",
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 1 || sum.Succeeded != 0 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	rec, err := p.Repo.GetOutbox(context.Background(), res.OutboxID)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if rec.Status != domain.OutboxFailed {
		t.Fatalf("outbox status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
	if rec.ErrorMessage == "" {
		t.Fatal("expected error message on failed record")
	}

	ent, err := eng.Get(context.Background(), domain.KindObjective, res.Entity.ExternalID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if ent.SyncStatus != domain.SyncPending {
		t.Fatalf("entity sync status = %s, want pending after failed delivery", ent.SyncStatus)
	}
}

func TestRunMixedBatch(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	scope := newTeamID(t)
	createObjective(t, eng, scope, "grow revenue")
	bad := createObjective(t, eng, scope, "reject me")
	createObjective(t, eng, scope, "ship faster")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ExternalID string         `json:"external_id"`
			Fields     map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Fields["description"] == "reject me" {
			http.Error(w, "validation failed", http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"externalId": body.ExternalID,
			"remoteId":   "rem-" + body.ExternalID,
			"action":     "create",
		})
	}))
	defer srv.Close()

	p := New(conn)
	sum, err := p.Run(context.Background(), Options{Target: &deliver.Target{
		EndpointURL:   srv.URL,
		SigningSecret: "topsecret",
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 3 || sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want processed 3, succeeded 2, failed 1", sum)
	}

	rec, err := p.Repo.GetOutbox(context.Background(), bad.OutboxID)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if rec.Status != domain.OutboxFailed {
		t.Fatalf("rejected record status = %s, want failed", rec.Status)
	}

	logs, err := p.Repo.ListSyncLog(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sync log: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("sync log rows = %d, want 2", len(logs))
	}
}

func TestRunNotConfigured(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	res := createObjective(t, eng, newTeamID(t), "left untouched")

	p := New(conn)
	_, err := p.Run(context.Background(), Options{})
	var nc NotConfiguredError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want NotConfiguredError", err)
	}

	rec, err := p.Repo.GetOutbox(context.Background(), res.OutboxID)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if rec.Status != domain.OutboxPending || rec.Attempts != 0 {
		t.Fatalf("record touched by unconfigured run: %+v", rec)
	}
}

func TestRunUsesStoredConfig(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	res := createObjective(t, eng, newTeamID(t), "use the stored endpoint")

	srv := httptest.NewServer(okHandler(t))
	defer srv.Close()

	r := repo.Repo{DB: conn}
	err := r.UpsertSyncConfig(context.Background(), domain.SyncConfig{
		EndpointURL:   srv.URL,
		KeyPrefix:     "pk_test",
		SigningSecret: "topsecret",
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	p := New(conn)
	sum, err := p.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	rec, err := p.Repo.GetOutbox(context.Background(), res.OutboxID)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if rec.Status != domain.OutboxSuccess {
		t.Fatalf("outbox status = %s, want success", rec.Status)
	}
}

func TestRunOverlapSkipsClaimed(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	res := createObjective(t, eng, newTeamID(t), "already claimed elsewhere")

	// Simulate a concurrent run holding the record.
	p := New(conn)
	claimed, err := p.Repo.ClaimOutbox(context.Background(), res.OutboxID, time.Now().UTC().Format(time.RFC3339))
	if err != nil || !claimed {
		t.Fatalf("claim: %v (claimed=%v)", err, claimed)
	}

	srv := httptest.NewServer(okHandler(t))
	defer srv.Close()

	sum, err := p.Run(context.Background(), Options{Target: &deliver.Target{
		EndpointURL:   srv.URL,
		SigningSecret: "topsecret",
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 0 {
		t.Fatalf("processed = %d, want 0 when record is already claimed", sum.Processed)
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	conn := newTestDB(t)
	eng := engine.New(conn)
	res := createObjective(t, eng, newTeamID(t), "synced by the background loop")

	srv := httptest.NewServer(okHandler(t))
	defer srv.Close()

	r := repo.Repo{DB: conn}
	err := r.UpsertSyncConfig(context.Background(), domain.SyncConfig{
		EndpointURL:     srv.URL,
		SigningSecret:   "topsecret",
		AutoSyncEnabled: true,
		SyncIntervalMs:  10,
		UpdatedAt:       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	s := &Scheduler{Processor: New(conn)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ent, err := eng.Get(context.Background(), domain.KindObjective, res.Entity.ExternalID)
		if err != nil {
			t.Fatalf("get entity: %v", err)
		}
		if ent.SyncStatus == domain.SyncSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entity never synced, status = %s", ent.SyncStatus)
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
}
