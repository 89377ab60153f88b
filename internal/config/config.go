package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"interceptor/internal/interface/inspector"
)

// Config はプロキシ全体の設定
type Config struct {
	Listen        string        `yaml:"listen"`
	ControlListen string        `yaml:"control_listen"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	Intercept InterceptConfig `yaml:"intercept"`
	CA        CAConfig        `yaml:"ca"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// ScopeFile はブロックリスト(blocked.yaml形式)のパス
	ScopeFile  string           `yaml:"scope_file"`
	Rules      []inspector.Rule `yaml:"rules"`
	Inspectors []string         `yaml:"inspectors"`
}

type UpstreamConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	MaxConnsPerHost    int           `yaml:"max_conns_per_host"`
	MaxWaitersPerHost  int           `yaml:"max_waiters_per_host"`
	WaitTimeout        time.Duration `yaml:"wait_timeout"`
	IdleTTL            time.Duration `yaml:"idle_ttl"`
	RateLimit          float64       `yaml:"rate_limit"`
	Proxy              string        `yaml:"proxy"`
	TLSFingerprint     string        `yaml:"tls_fingerprint"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type InterceptConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Responses bool          `yaml:"responses"`
	Deadline  time.Duration `yaml:"deadline"`
	// DefaultResolution は期限切れ時の動作 ("forward" または "drop")
	DefaultResolution string `yaml:"default_resolution"`
}

type CAConfig struct {
	// Dir が空ならルート証明書はメモリ上にのみ生成する
	Dir          string        `yaml:"dir"`
	LeafValidity time.Duration `yaml:"leaf_validity"`
	RenewBefore  time.Duration `yaml:"renew_before"`
}

type TrafficConfig struct {
	MaxEntries   int   `yaml:"max_entries"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type LoggingConfig struct {
	Dir        string `yaml:"dir"`
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Stderr     bool   `yaml:"stderr"`
}

type MetricsConfig struct {
	File         string        `yaml:"file"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default はデフォルト設定を返す
func Default() Config {
	return Config{
		Listen:        "127.0.0.1:8080",
		ControlListen: "127.0.0.1:8081",
		IdleTimeout:   2 * time.Minute,
		Upstream: UpstreamConfig{
			Timeout:           30 * time.Second,
			DialTimeout:       10 * time.Second,
			MaxConnsPerHost:   8,
			MaxWaitersPerHost: 64,
			WaitTimeout:       10 * time.Second,
			IdleTTL:           90 * time.Second,
		},
		Intercept: InterceptConfig{
			Deadline:          5 * time.Minute,
			DefaultResolution: "forward",
		},
		CA: CAConfig{
			Dir:          "./ca",
			LeafValidity: 30 * 24 * time.Hour,
			RenewBefore:  time.Hour,
		},
		Traffic: TrafficConfig{
			MaxEntries:   10000,
			MaxBodyBytes: 32 << 20,
		},
		Logging: LoggingConfig{
			Dir:        "./logs",
			File:       "interceptor.log",
			Level:      "INFO",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			File:         "./logs/metrics.json",
			SaveInterval: time.Minute,
		},
		Tracing: TracingConfig{
			ServiceName: "interceptor",
			SampleRatio: 1,
		},
		ScopeFile:  "./configs/blocked.yaml",
		Inspectors: append([]string(nil), inspector.Builtin...),
	}
}

// Load はデフォルト、設定ファイル、コマンドライン引数の順に適用した設定を返す.
// 設定ファイルは --config で指定する.
func Load(name string, args []string) (Config, error) {
	cfg := Default()
	var file string

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&file, "config", "", "Path to the YAML configuration file")
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// ファイルの値で上書きした後、明示的に指定された引数を再適用する
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return cfg, err
		}
		for name, value := range changed {
			if err := fs.Set(name, value); err != nil {
				return cfg, fmt.Errorf("flag --%s: %w", name, err)
			}
		}
	}

	return cfg, cfg.Validate()
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Proxy listen address")
	fs.StringVar(&cfg.ControlListen, "control-listen", cfg.ControlListen, "Control API listen address")
	fs.StringVar(&cfg.CA.Dir, "ca-dir", cfg.CA.Dir, "Directory for the root certificate")
	fs.StringVar(&cfg.ScopeFile, "scope-file", cfg.ScopeFile, "Block list file")
	fs.StringVar(&cfg.Logging.Dir, "log-dir", cfg.Logging.Dir, "Log directory")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.BoolVar(&cfg.Logging.Stderr, "log-stderr", cfg.Logging.Stderr, "Also write logs to stderr")
	fs.BoolVar(&cfg.Intercept.Enabled, "intercept", cfg.Intercept.Enabled, "Start with interception enabled")
	fs.BoolVar(&cfg.Intercept.Responses, "intercept-responses", cfg.Intercept.Responses, "Intercept responses too")
	fs.StringVar(&cfg.Upstream.Proxy, "upstream-proxy", cfg.Upstream.Proxy, "SOCKS5 proxy for upstream connections")
	fs.StringVar(&cfg.Upstream.TLSFingerprint, "tls-fingerprint", cfg.Upstream.TLSFingerprint, "Browser TLS fingerprint for upstream handshakes")
	fs.BoolVar(&cfg.Upstream.InsecureSkipVerify, "insecure-skip-verify", cfg.Upstream.InsecureSkipVerify, "Skip upstream certificate verification")
	fs.IntVar(&cfg.Upstream.MaxConnsPerHost, "max-conns-per-host", cfg.Upstream.MaxConnsPerHost, "Maximum upstream connections per host")
	fs.DurationVar(&cfg.Metrics.SaveInterval, "metrics-save-interval", cfg.Metrics.SaveInterval, "Metrics save interval")
	fs.StringVar(&cfg.Tracing.Endpoint, "tracing-endpoint", cfg.Tracing.Endpoint, "OTLP gRPC endpoint for traces")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate は矛盾した設定や不正な値を検出する
func (c Config) Validate() error {
	var errs []error
	for name, addr := range map[string]string{"listen": c.Listen, "control_listen": c.ControlListen} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Listen == c.ControlListen {
		errs = append(errs, errors.New("listen and control_listen must differ"))
	}

	positive := map[string]time.Duration{
		"idle_timeout":          c.IdleTimeout,
		"upstream.timeout":      c.Upstream.Timeout,
		"upstream.dial_timeout": c.Upstream.DialTimeout,
		"upstream.wait_timeout": c.Upstream.WaitTimeout,
		"upstream.idle_ttl":     c.Upstream.IdleTTL,
		"intercept.deadline":    c.Intercept.Deadline,
		"ca.leaf_validity":      c.CA.LeafValidity,
		"metrics.save_interval": c.Metrics.SaveInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.CA.RenewBefore < 0 || c.CA.RenewBefore >= c.CA.LeafValidity {
		errs = append(errs, errors.New("ca.renew_before must be shorter than ca.leaf_validity"))
	}

	if c.Upstream.MaxConnsPerHost <= 0 {
		errs = append(errs, errors.New("upstream.max_conns_per_host must be positive"))
	}
	if c.Upstream.MaxWaitersPerHost < 0 {
		errs = append(errs, errors.New("upstream.max_waiters_per_host must not be negative"))
	}
	if c.Upstream.RateLimit < 0 {
		errs = append(errs, errors.New("upstream.rate_limit must not be negative"))
	}
	if c.Traffic.MaxEntries <= 0 {
		errs = append(errs, errors.New("traffic.max_entries must be positive"))
	}
	if c.Traffic.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("traffic.max_body_bytes must be positive"))
	}
	switch c.Intercept.DefaultResolution {
	case "forward", "drop":
	default:
		errs = append(errs, fmt.Errorf("intercept.default_resolution %q must be forward or drop", c.Intercept.DefaultResolution))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be between 0 and 1"))
	}

	known := map[string]bool{}
	for _, name := range inspector.Builtin {
		known[name] = true
	}
	for _, name := range c.Inspectors {
		if !known[name] {
			errs = append(errs, fmt.Errorf("unknown inspector %q", name))
		}
	}
	return errors.Join(errs...)
}
