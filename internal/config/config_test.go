package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
general:
  host: 0.0.0.0
  port: 6432
  default_pool_size: 20
  min_pool_size: 2

databases:
  app@billing:
    user: app
    database: billing
    password: testpass
    shards:
      - primary:
          host: localhost
          port: 5432
        replicas:
          - host: localhost
            port: 5433
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Port != 6432 {
		t.Errorf("expected port 6432, got %d", cfg.General.Port)
	}
	if cfg.General.DefaultPoolSize != 20 {
		t.Errorf("expected default pool size 20, got %d", cfg.General.DefaultPoolSize)
	}

	db, ok := cfg.Databases["app@billing"]
	if !ok {
		t.Fatal("app@billing not found")
	}
	if db.User != "app" || db.Database != "billing" {
		t.Errorf("unexpected database identity: %+v", db)
	}
	if len(db.Shards) != 1 || db.Shards[0].Primary.Host != "localhost" {
		t.Errorf("unexpected shard config: %+v", db.Shards)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
databases:
  app@billing:
    user: app
    database: billing
    password: ${TEST_DB_PASSWORD}
    shards:
      - primary:
          host: localhost
          port: 5432
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	db := cfg.Databases["app@billing"]
	if db.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", db.Password)
	}
}

func TestLoadPGDOGEnvOverride(t *testing.T) {
	os.Setenv("PGDOG_PORT", "7000")
	defer os.Unsetenv("PGDOG_PORT")

	yaml := `databases: {}`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Port != 7000 {
		t.Errorf("expected PGDOG_PORT override to set port 7000, got %d", cfg.General.Port)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing shards",
			yaml: `
databases:
  app@billing:
    user: app
    database: billing
`,
		},
		{
			name: "missing primary host",
			yaml: `
databases:
  app@billing:
    user: app
    database: billing
    shards:
      - primary:
          port: 5432
`,
		},
		{
			name: "unknown mapping",
			yaml: `
databases:
  app@billing:
    user: app
    database: billing
    shards:
      - primary:
          host: localhost
          port: 5432
    tables:
      - column: tenant_id
        mapping: bogus
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `databases: {}`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Port != 6432 {
		t.Errorf("expected default port 6432, got %d", cfg.General.Port)
	}
	if cfg.General.PoolerMode != PoolerTransaction {
		t.Errorf("expected default pooler mode transaction, got %s", cfg.General.PoolerMode)
	}
	if cfg.General.ReadWriteSplit != SplitExcludePrimary {
		t.Errorf("expected default read/write split exclude_primary, got %s", cfg.General.ReadWriteSplit)
	}
	if cfg.General.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.General.APIPort)
	}
}

func TestDatabaseConfigEffectiveValues(t *testing.T) {
	general := General{
		MinPoolSize:     2,
		DefaultPoolSize: 20,
		CheckoutTimeout: 5 * time.Second,
		PoolerMode:      PoolerTransaction,
	}

	maxPool := 50
	db := DatabaseConfig{MaxPoolSize: &maxPool}

	if db.EffectiveMinPoolSize(general) != 2 {
		t.Error("expected default min pool size")
	}
	if db.EffectiveMaxPoolSize(general) != 50 {
		t.Error("expected overridden max pool size of 50")
	}
	if db.EffectiveCheckoutTimeout(general) != 5*time.Second {
		t.Error("expected default checkout timeout")
	}

	session := PoolerSession
	db.PoolerMode = &session
	if db.EffectivePoolerMode(general) != PoolerSession {
		t.Error("expected overridden pooler mode session")
	}
}

func TestRedacted(t *testing.T) {
	db := DatabaseConfig{User: "app", Database: "billing", Password: "hunter2"}
	r := db.Redacted()
	if r.Password == "hunter2" {
		t.Error("expected password to be redacted")
	}
	if db.Password != "hunter2" {
		t.Error("redaction must not mutate the original")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
