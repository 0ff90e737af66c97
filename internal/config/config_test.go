package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	// invalid
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	// Use env expansion for token
	t.Setenv("REPLICATE_TOKEN", "secret123")

	yaml := `
server:
  address: ":0"
  readTimeout: 1s
  writeTimeout: 2s
  idleTimeout: 3s
  maxUploadSize: 1Mi
  storageDir: "` + escapeBackslashes(dir) + `"
  apiKey: "key123"
  shutdownGrace: 5s

gateway:
  provider: "replicate"
  replicate:
    token: "${REPLICATE_TOKEN}"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	// Server assertions
	if cfg.Server.Addr != ":0" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 1*time.Second || cfg.Server.WriteTimeout != 2*time.Second || cfg.Server.IdleTimeout != 3*time.Second {
		t.Fatalf("timeouts not parsed correctly")
	}
	if uint64(cfg.Server.MaxUploadSize) != 1024*1024 {
		t.Fatalf("maxUploadSize not parsed: %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Server.StorageDir != dir {
		t.Fatalf("storageDir = %q", cfg.Server.StorageDir)
	}
	if cfg.Server.APIKey != "key123" {
		t.Fatalf("apiKey mismatch")
	}

	// Gateway
	if cfg.Gateway.Provider != "replicate" {
		t.Fatalf("gateway provider mismatch")
	}
	if cfg.Gateway.Replicate.Token != "secret123" {
		t.Fatalf("env expansion for token failed")
	}
	if cfg.Gateway.Replicate.BaseURL != "https://api.replicate.com" {
		t.Fatalf("replicate base url not defaulted: %q", cfg.Gateway.Replicate.BaseURL)
	}

	// Polling defaults
	if cfg.Gateway.PollInterval != 2*time.Second {
		t.Fatalf("pollInterval not defaulted: %s", cfg.Gateway.PollInterval)
	}
	if cfg.Gateway.PollDeadline != 180*time.Second {
		t.Fatalf("pollDeadline not defaulted: %s", cfg.Gateway.PollDeadline)
	}
	if cfg.Gateway.ArtifactSuffix != ".glb" {
		t.Fatalf("artifactSuffix not defaulted: %q", cfg.Gateway.ArtifactSuffix)
	}

	// Mode defaults
	if cfg.Modes.Quality.Model != "firtoz/trellis" || cfg.Modes.Quality.TextureSize != 1024 {
		t.Fatalf("quality mode defaults mismatch: %+v", cfg.Modes.Quality)
	}
	if cfg.Modes.Speed.Model != "tencent/hunyuan3d-2" || cfg.Modes.Speed.Steps != 20 {
		t.Fatalf("speed mode defaults mismatch: %+v", cfg.Modes.Speed)
	}

	// Archive defaults
	if cfg.Archive.Provider != "local" {
		t.Fatalf("archive provider not defaulted: %q", cfg.Archive.Provider)
	}

	// Validate database path is under storageDir
	matched, _ := regexp.MatchString(`meshforge\.db$`, cfg.Server.DatabasePath)
	if !matched {
		t.Fatalf("databasePath should end with meshforge.db, got %s", cfg.Server.DatabasePath)
	}
}

func TestLoad_ReplicateRequiresToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
gateway:
  provider: "replicate"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for missing replicate token")
	}
}

func TestLoad_S3ArchiveRequiresBucketAndRegion(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
archive:
  provider: "s3"
  s3:
    bucket: "assets"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for missing s3 region")
	}
}

func TestLoad_UnknownProviders(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
gateway:
  provider: "oracle"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for unknown gateway provider")
	}
}

func escapeBackslashes(p string) string {
	// On Windows, YAML literal may require escaping backslashes
	return strings.ReplaceAll(p, `\`, `\\`)
}
