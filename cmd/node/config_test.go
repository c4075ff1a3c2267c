package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a TOML file into a temp dir.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataPath != "./data" || cfg.QUICAddress != ":9000" || cfg.HTTPAddress != ":8080" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	rc := cfg.recoveryConfig()
	if rc.FastPathTimeout != time.Second || rc.MaxConcurrentRecoveries != 10 || rc.Threshold == nil {
		t.Errorf("recovery defaults = %+v", rc)
	}
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	path := writeConfig(t, `
data = "/var/lib/shard"
quic = ":9100"
log_level = "debug"
verify_backing = true

[relay]
id = "`+strings.Repeat("ab", 32)+`"
address = "relay:9500"

[recovery]
fast_path_timeout = "250ms"
chunk_request_timeout = "3s"
max_concurrent = 4

[[validators]]
id = "`+strings.Repeat("01", 32)+`"
address = "v1:9000"

[[validators]]
id = "`+strings.Repeat("02", 32)+`"
address = "v2:9000"
bls_key = "aa"
`)

	cfg, err := loadConfig([]string{"-config", path, "-quic", ":9200", "-no-fast-path"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataPath != "/var/lib/shard" || cfg.LogLevel != "debug" || !cfg.VerifyBacking {
		t.Errorf("file values not applied: %+v", cfg)
	}

	if cfg.QUICAddress != ":9200" {
		t.Errorf("flag should override file, quic = %s", cfg.QUICAddress)
	}

	if cfg.HTTPAddress != ":8080" {
		t.Errorf("unset value should keep its default, http = %s", cfg.HTTPAddress)
	}

	rc := cfg.recoveryConfig()
	if !rc.DisableFastPath || rc.FastPathTimeout != 250*time.Millisecond || rc.ChunkRequestTimeout != 3*time.Second || rc.MaxConcurrentRecoveries != 4 {
		t.Errorf("recovery = %+v", rc)
	}

	if rc.MaxChunkRequests != 50 {
		t.Errorf("max chunk requests = %d, want default 50", rc.MaxChunkRequests)
	}

	if len(cfg.Validators) != 2 || cfg.Validators[1].BLSKey != "aa" {
		t.Errorf("validators = %+v", cfg.Validators)
	}

	id, err := cfg.relayID()
	if err != nil {
		t.Fatalf("relay id: %v", err)
	}

	if id[0] != 0xab || id[31] != 0xab {
		t.Errorf("relay id = %s", id)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}); err == nil {
		t.Error("missing file should fail")
	}

	bad := writeConfig(t, "[recovery]\nfast_path_timeout = \"soon\"\n")
	if _, err := loadConfig([]string{"-config", bad}); err == nil {
		t.Error("invalid duration should fail")
	}

	if _, err := loadConfig([]string{"-unknown"}); err == nil {
		t.Error("unknown flag should fail")
	}
}

func TestParseID(t *testing.T) {
	if _, err := parseID("zz"); err == nil {
		t.Error("non-hex id should fail")
	}

	if _, err := parseID("abcd"); err == nil {
		t.Error("short id should fail")
	}

	id, err := parseID(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if id[0] != 0x0f {
		t.Errorf("id = %s", id)
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !first.Equal(second) {
		t.Error("saved key not reloaded")
	}

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := loadOrGenerateKey(path); err == nil {
		t.Error("truncated key should fail")
	}
}
