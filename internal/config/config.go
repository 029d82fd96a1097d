package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sydlexius/mediaproxy/internal/logging"
)

// Config holds all application configuration. It is built once at startup
// and shared read-only by every request.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Fetch         FetchConfig     `yaml:"fetch"`
	Image         ImageConfig     `yaml:"image"`
	Security      SecurityConfig  `yaml:"security"`
	Workers       WorkersConfig   `yaml:"workers"`
	Fonts         FontsConfig     `yaml:"fonts"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Logging       logging.Config  `yaml:"logging"`
	AppendHeaders []string        `yaml:"append_headers"`
	FallbackImage string          `yaml:"fallback_image"`

	headers []Header
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Bind              string        `yaml:"bind"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// FetchConfig holds outbound request settings.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	MaxSize   int64         `yaml:"max_size"`
	Proxy     string        `yaml:"proxy"`
}

// ImageConfig holds transcoding settings.
type ImageConfig struct {
	Filter          string     `yaml:"filter"`
	MaxPixels       int        `yaml:"max_pixels"`
	WebPQuality     int        `yaml:"webp_quality"`
	AVIF            AVIFConfig `yaml:"avif"`
	MaxFrames       int        `yaml:"max_frames"`
	MaxDecodePixels int64      `yaml:"max_decode_pixels"`

	// MaxAnimationPixels caps the summed frame area an animation may hold
	// in memory at once.
	MaxAnimationPixels int64 `yaml:"max_animation_pixels"`
}

// AVIFConfig controls AVIF output negotiation.
type AVIFConfig struct {
	Enabled bool `yaml:"enabled"`
	Quality int  `yaml:"quality"`
	Speed   int  `yaml:"speed"`
}

// SecurityConfig holds outbound target policy. The string lists are what
// operators write; the parsed prefixes are filled in by Load.
type SecurityConfig struct {
	AllowedNetworks []string `yaml:"allowed_networks"`
	BlockedNetworks []string `yaml:"blocked_networks"`
	BlockedHosts    []string `yaml:"blocked_hosts"`

	Allowed []netip.Prefix `yaml:"-"`
	Blocked []netip.Prefix `yaml:"-"`
}

// WorkersConfig sizes the CPU-bound transcoding pool.
type WorkersConfig struct {
	Concurrency   int   `yaml:"concurrency"`
	QueueSize     int   `yaml:"queue_size"`
	InflightBytes int64 `yaml:"inflight_bytes"`
}

// FontsConfig controls which fonts SVG text rendering may use.
type FontsConfig struct {
	LoadSystem bool     `yaml:"load_system"`
	Dirs       []string `yaml:"dirs"`
}

// RateLimitConfig configures per-client request limiting. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Bind string `yaml:"bind"`
}

// Header is one operator-configured response header.
type Header struct {
	Name  string
	Value string
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:              "0.0.0.0:12766",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:   10 * time.Second,
			UserAgent: "mediaproxy (+https://github.com/sydlexius/mediaproxy)",
			MaxSize:   256 << 20,
		},
		Image: ImageConfig{
			Filter:      "triangle",
			MaxPixels:   2048,
			WebPQuality: 75,
			AVIF: AVIFConfig{
				Quality: 60,
				Speed:   8,
			},
			MaxFrames:       1024,
			MaxDecodePixels:    100_000_000,
			MaxAnimationPixels: 400_000_000,
		},
		Workers: WorkersConfig{
			QueueSize:     256,
			InflightBytes: 1 << 30,
		},
		Fonts: FontsConfig{
			LoadSystem: true,
			Dirs:       []string{"asset/font"},
		},
		Logging: logging.DefaultConfig(),
		AppendHeaders: []string{
			"Content-Security-Policy:default-src 'none'; img-src 'self'; media-src 'self'; style-src 'unsafe-inline'",
			"Access-Control-Allow-Origin:*",
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Headers returns the parsed append_headers list.
func (c *Config) Headers() []Header {
	return c.headers
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("MP_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("MP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Fetch.Timeout = d
		}
	}
	if v := os.Getenv("MP_USER_AGENT"); v != "" {
		c.Fetch.UserAgent = v
	}
	if v := os.Getenv("MP_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Fetch.MaxSize = n
		}
	}
	if v := os.Getenv("MP_PROXY"); v != "" {
		c.Fetch.Proxy = v
	}
	if v := os.Getenv("MP_FILTER"); v != "" {
		c.Image.Filter = v
	}
	if v := os.Getenv("MP_MAX_PIXELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Image.MaxPixels = n
		}
	}
	if v := os.Getenv("MP_WEBP_QUALITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Image.WebPQuality = n
		}
	}
	if v := os.Getenv("MP_ENCODE_AVIF"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Image.AVIF.Enabled = b
		}
	}
	// Network lists extend whatever the file configured.
	c.Security.AllowedNetworks = appendList(c.Security.AllowedNetworks, os.Getenv("MP_ALLOWED_NETWORKS"))
	c.Security.BlockedNetworks = appendList(c.Security.BlockedNetworks, os.Getenv("MP_BLOCKED_NETWORKS"))
	c.Security.BlockedHosts = appendList(c.Security.BlockedHosts, os.Getenv("MP_BLOCKED_HOSTS"))
	if v := os.Getenv("MP_FALLBACK_IMAGE"); v != "" {
		c.FallbackImage = v
	}
	if v := os.Getenv("MP_METRICS_BIND"); v != "" {
		c.Metrics.Bind = v
	}
	if v := os.Getenv("MP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MP_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func appendList(list []string, env string) []string {
	if env == "" {
		return list
	}
	for _, item := range strings.Split(env, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func (c *Config) validate() error {
	var errs []error

	if c.Server.Bind == "" {
		errs = append(errs, errors.New("server.bind is required"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid fetch.timeout: %s", c.Fetch.Timeout))
	}
	if c.Fetch.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid fetch.max_size: %d", c.Fetch.MaxSize))
	}
	if !ValidFilter(c.Image.Filter) {
		errs = append(errs, fmt.Errorf("invalid image.filter: %q", c.Image.Filter))
	}
	if c.Image.MaxPixels < 1 {
		errs = append(errs, fmt.Errorf("invalid image.max_pixels: %d", c.Image.MaxPixels))
	}
	if c.Image.WebPQuality < 0 || c.Image.WebPQuality > 100 {
		errs = append(errs, fmt.Errorf("image.webp_quality must be 0-100, got %d", c.Image.WebPQuality))
	}
	if c.Image.AVIF.Quality < 0 || c.Image.AVIF.Quality > 100 {
		errs = append(errs, fmt.Errorf("image.avif.quality must be 0-100, got %d", c.Image.AVIF.Quality))
	}
	if c.Image.AVIF.Speed < 0 || c.Image.AVIF.Speed > 10 {
		errs = append(errs, fmt.Errorf("image.avif.speed must be 0-10, got %d", c.Image.AVIF.Speed))
	}
	if c.Image.MaxDecodePixels < 0 || c.Image.MaxAnimationPixels < 0 {
		errs = append(errs, errors.New("image.max_decode_pixels and image.max_animation_pixels must not be negative"))
	}
	if c.Image.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("invalid image.max_frames: %d", c.Image.MaxFrames))
	}
	if c.Workers.QueueSize < 0 || c.Workers.Concurrency < 0 {
		errs = append(errs, errors.New("workers.concurrency and workers.queue_size must not be negative"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("invalid rate_limit.requests_per_second: %v", c.RateLimit.RequestsPerSecond))
	}
	if c.Logging.Level != "" && !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid logging.level: %q", c.Logging.Level))
	}
	if c.Logging.Format != "" && !logging.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid logging.format: %q", c.Logging.Format))
	}

	var err error
	if c.Security.Allowed, err = ParsePrefixes(c.Security.AllowedNetworks); err != nil {
		errs = append(errs, fmt.Errorf("security.allowed_networks: %w", err))
	}
	if c.Security.Blocked, err = ParsePrefixes(c.Security.BlockedNetworks); err != nil {
		errs = append(errs, fmt.Errorf("security.blocked_networks: %w", err))
	}
	for i, h := range c.Security.BlockedHosts {
		c.Security.BlockedHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}

	c.headers = ParseHeaders(c.AppendHeaders)

	return errors.Join(errs...)
}

// ParsePrefixes parses CIDR strings. A bare address is treated as a
// single-host prefix.
func ParsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q", s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ParseHeaders splits "Name:Value" lines. Lines without a name or a value
// are skipped.
func ParseHeaders(lines []string) []Header {
	var out []Header
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if name == "" || value == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// ValidFilter reports whether s names a supported resampling filter.
func ValidFilter(s string) bool {
	switch s {
	case "nearest", "triangle", "catmullrom", "gaussian", "lanczos3":
		return true
	}
	return false
}
