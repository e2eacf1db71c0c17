package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `source_app: acme-okr
endpoint:
  url: https://api.example.com
  key_prefix: pk_live
  signing_secret: s3cret
sync:
  auto: true
  interval_ms: 5000
  batch: 25
`

func TestFromYAMLValid(t *testing.T) {
	cfg, err := FromYAML([]byte(validYAML))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.SourceApp != "acme-okr" {
		t.Fatalf("source app = %q", cfg.SourceApp)
	}
	if cfg.Endpoint.URL != "https://api.example.com" || cfg.Endpoint.KeyPrefix != "pk_live" {
		t.Fatalf("endpoint = %+v", cfg.Endpoint)
	}
	if !cfg.Sync.Auto || cfg.Sync.IntervalMs != 5000 || cfg.Sync.Batch != 25 {
		t.Fatalf("sync = %+v", cfg.Sync)
	}
}

func TestValidateRejectsBadSourceApp(t *testing.T) {
	bad := strings.Replace(validYAML, "acme-okr", "Acme OKR!", 1)
	if _, err := FromYAML([]byte(bad)); err == nil {
		t.Fatal("expected error for malformed source app")
	}
}

func TestValidateRequiresEndpoint(t *testing.T) {
	for _, drop := range []string{"url: https://api.example.com", "signing_secret: s3cret"} {
		bad := strings.Replace(validYAML, drop, "", 1)
		if _, err := FromYAML([]byte(bad)); err == nil {
			t.Fatalf("expected error with %q removed", drop)
		}
	}
}

func TestToSyncConfigDefaultsInterval(t *testing.T) {
	cfg, err := FromYAML([]byte(strings.Replace(validYAML, "interval_ms: 5000", "interval_ms: 0", 1)))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	sc := cfg.ToSyncConfig(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if sc.SyncIntervalMs != 60000 {
		t.Fatalf("interval = %d, want default 60000", sc.SyncIntervalMs)
	}
	if sc.UpdatedAt != "2024-03-01T12:00:00Z" {
		t.Fatalf("updated_at = %s", sc.UpdatedAt)
	}
	if sc.SigningSecret != "s3cret" {
		t.Fatalf("secret not carried over")
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for missing file")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "okrsync.yml"), []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SourceApp != "acme-okr" {
		t.Fatalf("source app = %q", cfg.SourceApp)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("acme-okr")))
	if err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
	if cfg.SourceApp != "acme-okr" {
		t.Fatalf("source app = %q", cfg.SourceApp)
	}
}
