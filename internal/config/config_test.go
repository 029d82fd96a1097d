package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "0.0.0.0:12766" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.Fetch.MaxSize != 256<<20 {
		t.Errorf("max_size = %d", cfg.Fetch.MaxSize)
	}
	if cfg.Image.Filter != "triangle" || cfg.Image.MaxPixels != 2048 || cfg.Image.WebPQuality != 75 {
		t.Errorf("unexpected image defaults: %+v", cfg.Image)
	}
	if cfg.Image.AVIF.Enabled {
		t.Error("AVIF should be disabled by default")
	}
	if cfg.Image.MaxDecodePixels != 100_000_000 || cfg.Image.MaxAnimationPixels != 400_000_000 {
		t.Errorf("decode ceilings = %d, %d", cfg.Image.MaxDecodePixels, cfg.Image.MaxAnimationPixels)
	}
	if len(cfg.Headers()) != 2 {
		t.Fatalf("expected 2 default headers, got %d", len(cfg.Headers()))
	}
	if h := cfg.Headers()[1]; h.Name != "Access-Control-Allow-Origin" || h.Value != "*" {
		t.Errorf("unexpected header %+v", h)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fetch.Timeout != 10*time.Second {
		t.Errorf("timeout = %s", cfg.Fetch.Timeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  bind: 127.0.0.1:9000
fetch:
  timeout: 3s
  max_size: 1048576
image:
  filter: lanczos3
  max_pixels: 1024
  avif:
    enabled: true
security:
  allowed_networks: ["10.1.0.0/16", "192.168.1.5"]
  blocked_networks: ["203.0.113.0/24"]
  blocked_hosts: ["Internal.Example.COM"]
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9000" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.Fetch.Timeout != 3*time.Second {
		t.Errorf("timeout = %s", cfg.Fetch.Timeout)
	}
	if cfg.Fetch.MaxSize != 1<<20 {
		t.Errorf("max_size = %d", cfg.Fetch.MaxSize)
	}
	if cfg.Image.Filter != "lanczos3" || !cfg.Image.AVIF.Enabled {
		t.Errorf("image = %+v", cfg.Image)
	}
	want := []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16"), netip.MustParsePrefix("192.168.1.5/32")}
	if len(cfg.Security.Allowed) != len(want) {
		t.Fatalf("allowed = %v", cfg.Security.Allowed)
	}
	for i := range want {
		if cfg.Security.Allowed[i] != want[i] {
			t.Errorf("allowed[%d] = %v, want %v", i, cfg.Security.Allowed[i], want[i])
		}
	}
	if cfg.Security.BlockedHosts[0] != "internal.example.com" {
		t.Errorf("blocked host not lowercased: %q", cfg.Security.BlockedHosts[0])
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("security:\n  allowed_networks: [\"10.0.0.0/8\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MP_BIND", ":8081")
	t.Setenv("MP_ENCODE_AVIF", "true")
	t.Setenv("MP_WEBP_QUALITY", "90")
	t.Setenv("MP_ALLOWED_NETWORKS", "172.16.0.0/12, 127.0.0.1")
	t.Setenv("MP_BLOCKED_HOSTS", "metadata.google.internal")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != ":8081" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if !cfg.Image.AVIF.Enabled || cfg.Image.WebPQuality != 90 {
		t.Errorf("image = %+v", cfg.Image)
	}
	if len(cfg.Security.Allowed) != 3 {
		t.Errorf("expected env networks appended to file list, got %v", cfg.Security.Allowed)
	}
	if len(cfg.Security.BlockedHosts) != 1 || cfg.Security.BlockedHosts[0] != "metadata.google.internal" {
		t.Errorf("blocked hosts = %v", cfg.Security.BlockedHosts)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
image:
  filter: bicubic
  webp_quality: 150
  max_animation_pixels: -1
security:
  blocked_networks: ["not-a-network"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"image.filter", "webp_quality", "max_animation_pixels", "blocked_networks"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders([]string{
		"X-One:1",
		"X-Two: two words",
		"NoColon",
		":empty-name",
		"X-Empty:",
		"Bad Name:v",
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %+v", got)
	}
	if got[1].Name != "X-Two" || got[1].Value != "two words" {
		t.Errorf("unexpected header %+v", got[1])
	}
}

func TestValidFilter(t *testing.T) {
	for _, f := range []string{"nearest", "triangle", "catmullrom", "gaussian", "lanczos3"} {
		if !ValidFilter(f) {
			t.Errorf("expected %q to be valid", f)
		}
	}
	if ValidFilter("bicubic") || ValidFilter("") {
		t.Error("unexpected valid filter")
	}
}
