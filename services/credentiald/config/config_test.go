package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sbtgate/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentiald.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(JWTSecretEnv, "from-env")
	cfg, err := Load(writeConfig(t, "state_backend: memory\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8547" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Settlement.Driver != DriverMemory {
		t.Fatalf("unexpected driver %q", cfg.Settlement.Driver)
	}
	if cfg.Settlement.Timeout.Duration != 10*time.Second {
		t.Fatalf("unexpected settlement timeout %s", cfg.Settlement.Timeout.Duration)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("expected jwt secret from environment, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.DataDir != "" {
		t.Fatalf("memory backend should not default a data dir, got %q", cfg.DataDir)
	}
	if len(cfg.Stream.AllowedOrigins) != 1 || cfg.Stream.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.Stream.AllowedOrigins)
	}
}

func TestLoadParsesSections(t *testing.T) {
	custody := crypto.FormatIdentity([20]byte{0x99})
	body := strings.Join([]string{
		"listen: 127.0.0.1:9000",
		"data_dir: /tmp/cred",
		"state_backend: BOLT",
		"settlement:",
		"  driver: sqlite",
		"  dsn: file:cred.db",
		"  timeout: 3s",
		"  custody: " + custody,
		"auth:",
		"  jwt_secret: s3cret",
		"  jwt_issuer: feed",
		"  signature_skew: 30s",
		"rate_limit:",
		"  requests_per_minute: 60",
		"  burst: 5",
		"logging:",
		"  file: /tmp/cred.log",
		"",
	}, "\n")
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateBackend != BackendBolt {
		t.Fatalf("unexpected backend %q", cfg.StateBackend)
	}
	if cfg.Settlement.Timeout.Duration != 3*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Settlement.Timeout.Duration)
	}
	if cfg.Auth.SignatureSkew.Duration != 30*time.Second {
		t.Fatalf("unexpected skew %s", cfg.Auth.SignatureSkew.Duration)
	}
	id, err := cfg.Settlement.CustodyIdentity()
	if err != nil {
		t.Fatalf("custody: %v", err)
	}
	if id != [20]byte{0x99} {
		t.Fatalf("unexpected custody %x", id)
	}
	if cfg.Logging.MaxBackups != 5 {
		t.Fatalf("unexpected max backups %d", cfg.Logging.MaxBackups)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"backend":  "state_backend: rocksdb\n",
		"driver":   "state_backend: memory\nsettlement:\n  driver: mysql\n",
		"dsn":      "state_backend: memory\nsettlement:\n  driver: postgres\n",
		"custody":  "state_backend: memory\nsettlement:\n  custody: cosmos1qqqq\n",
		"duration": "state_backend: memory\nsettlement:\n  timeout: soon\n",
		"unknown":  "state_backend: memory\nbogus: true\n",
		"volatile": "data_dir: /tmp/cred\nsettlement:\n  driver: memory\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadPairsPersistentStateWithDurableSettlement(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeConfig(t, "data_dir: "+dir+"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateBackend != BackendLevelDB {
		t.Fatalf("unexpected backend %q", cfg.StateBackend)
	}
	if cfg.Settlement.Driver != DriverSQLite {
		t.Fatalf("expected sqlite settlement next to leveldb, got %q", cfg.Settlement.Driver)
	}
	if want := "file:" + filepath.Join(dir, "settlement.db"); cfg.Settlement.DSN != want {
		t.Fatalf("unexpected dsn %q, want %q", cfg.Settlement.DSN, want)
	}
}

func TestLoadAllowsVolatileSettlementWhenRequested(t *testing.T) {
	body := "data_dir: /tmp/cred\nsettlement:\n  driver: memory\n  allow_volatile: true\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.Driver != DriverMemory || !cfg.Settlement.AllowVolatile {
		t.Fatalf("unexpected settlement config %+v", cfg.Settlement)
	}
}
