// Package config holds the runtime tunables,
// loaded from YAML with environment overrides. There is no package-level
// singleton: every component takes a *Config explicitly at construction,
// the same way rclone's backends take an explicit configmap rather than
// reading a global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of runtime tunables for one usenetsync process.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NNTP      NNTPConfig      `yaml:"nntp"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Engine    EngineConfig    `yaml:"engine"`
	LogLevel  string          `yaml:"log_level"`
}

type StoreConfig struct {
	// Driver selects "sqlite" (embedded, single-file) or "postgres"
	// (networked). DSN is driver-specific.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type NNTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	TLS            bool          `yaml:"tls"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxArticleSize int64         `yaml:"max_article_size"`
}

type SegmenterConfig struct {
	SegmentSize   int64   `yaml:"segment_size"`
	PackThreshold int64   `yaml:"pack_threshold"`
	PackFill      float64 `yaml:"pack_fill"`
	// CompressMinGain is the fraction a segment must shrink by before
	// the compressed form is kept over the plaintext.
	CompressMinGain float64 `yaml:"compress_min_gain"`
}

type EngineConfig struct {
	UploadWorkers   int      `yaml:"upload_workers"`
	DownloadWorkers int      `yaml:"download_workers"`
	Redundancy      int      `yaml:"redundancy"`
	MinRateBytesSec int64    `yaml:"min_rate_bytes_sec"`
	SegmentCacheMiB int64    `yaml:"segment_cache_mib"`
	Newsgroups      []string `yaml:"newsgroups"`
	FromHeader      string   `yaml:"from_header"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "usenetsync.db",
		},
		NNTP: NNTPConfig{
			Port:           563,
			TLS:            true,
			MaxConnections: 10,
			IdleTimeout:    90 * time.Second,
			MaxRetries:     5,
			MaxArticleSize: 768 * 1024,
		},
		Segmenter: SegmenterConfig{
			SegmentSize:     750 * 1024,
			PackThreshold:   50 * 1024,
			PackFill:        0.9,
			CompressMinGain: 0.05,
		},
		Engine: EngineConfig{
			UploadWorkers:   10,
			DownloadWorkers: 10,
			Redundancy:      1,
			SegmentCacheMiB: 256,
			Newsgroups:      []string{"alt.binaries.test"},
			FromHeader:      "usenetsync@example.invalid",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file, applying defaults for anything unset,
// then layers environment overrides for the credentials that should
// never live on disk in plaintext.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("USENETSYNC_NNTP_USERNAME"); v != "" {
		c.NNTP.Username = v
	}
	if v := os.Getenv("USENETSYNC_NNTP_PASSWORD"); v != "" {
		c.NNTP.Password = v
	}
	if v := os.Getenv("USENETSYNC_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
}
