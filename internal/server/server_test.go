package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"okrsync/internal/db"
	"okrsync/internal/domain"
	"okrsync/internal/engine"
	"okrsync/internal/identity"
	"okrsync/internal/migrate"
	"okrsync/internal/syncer"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{
		Engine:    e,
		Processor: syncer.New(conn),
		SourceApp: "acme",
		BasePath:  "/v1",
		Auth:      auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func teamID(t *testing.T) string {
	t.Helper()
	id, err := identity.Random("acme", domain.KindTeam)
	if err != nil {
		t.Fatalf("team id: %v", err)
	}
	return id.String()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] == "" || body["timestamp"] == "" {
		t.Fatalf("health body = %v", body)
	}
}

func TestCreateEntityIdempotentOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	scope := teamID(t)
	reqBody := map[string]any{
		"scope_id": scope,
		"fields":   map[string]any{"description": "double the trial conversion"},
	}

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/entities/objective", reqBody, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var first writeResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Existing || first.Entity.ExternalID == "" {
		t.Fatalf("first create = %+v", first)
	}

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/entities/objective", reqBody, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("retry: %d %s", res.StatusCode, string(data))
	}
	var second writeResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Existing || second.Entity.ExternalID != first.Entity.ExternalID {
		t.Fatalf("retry = %+v", second)
	}
}

func TestCreateEntityParentNotFound(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	missing, err := identity.Random("acme", domain.KindIndicator)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/entities/indicator_value", map[string]any{
		"parent_external_id": missing.String(),
		"fields":             map[string]any{"timestamp": "2024-06-01T00:00:00Z", "value": 12.5},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "parent_not_found" {
		t.Fatalf("code = %s, body %s", envelope.Error.Code, string(data))
	}
}

func TestUnknownKindRejected(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/entities/gadget", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d %s", res.StatusCode, string(data))
	}
}

func TestGetEntityNotFound(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	id, err := identity.Random("acme", domain.KindObjective)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/entities/objective/"+id.String(), nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestPatchAndQueueListing(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/entities/objective", map[string]any{
		"scope_id": teamID(t),
		"fields":   map[string]any{"description": "open three new regions"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created writeResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	res, data = doJSON(t, ts.client, http.MethodPatch,
		ts.URL+"/v1/entities/objective/"+created.Entity.ExternalID,
		map[string]any{"fields": map[string]any{"description": "open four new regions"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", res.StatusCode, string(data))
	}
	var patched writeResponse
	if err := json.Unmarshal(data, &patched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if patched.Entity.Fields["description"] != "open four new regions" {
		t.Fatalf("patched fields = %v", patched.Entity.Fields)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/queue?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue: %d %s", res.StatusCode, string(data))
	}
	var queue struct {
		Items []domain.OutboxRecord `json:"items"`
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(queue.Items) != 2 {
		t.Fatalf("queue items = %d, want 2 (create + patch)", len(queue.Items))
	}
}

func TestSyncRunNotConfigured(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/sync/run", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_configured" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestAuthEnforcedWhenSecretSet(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	// health stays open
	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/queue", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: %d %s", res.StatusCode, string(data))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/queue", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/queue", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d %s", res.StatusCode, string(data))
	}
}
