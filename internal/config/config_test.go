package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interceptor/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("test", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenFlags(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
upstream:
  timeout: 5s
  max_conns_per_host: 2
intercept:
  enabled: true
  default_resolution: drop
rules:
  - name: ua
    phase: request
    match: "User-Agent: .*"
    replace: "User-Agent: interceptor"
    regex: true
inspectors: [scope, rules]
`)

	cfg, err := Load("test", []string{"--config", path, "--listen", "127.0.0.1:7000", "--intercept=false"})
	require.NoError(t, err)

	// 引数がファイルより優先される
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.False(t, cfg.Intercept.Enabled)

	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 2, cfg.Upstream.MaxConnsPerHost)
	assert.Equal(t, "drop", cfg.Intercept.DefaultResolution)
	assert.Equal(t, []string{"scope", "rules"}, cfg.Inspectors)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, domain.PhaseRequest, cfg.Rules[0].Phase)
	assert.True(t, cfg.Rules[0].Regex)

	// ファイルにない値はデフォルトのまま
	assert.Equal(t, 10*time.Second, cfg.Upstream.DialTimeout)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("test", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	_, err = Load("test", []string{"--config", writeConfig(t, "listen: [unclosed")})
	assert.Error(t, err)

	_, err = Load("test", []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{name: "bad listen", modify: func(c *Config) { c.Listen = "nope" }, want: "listen"},
		{name: "same addresses", modify: func(c *Config) { c.ControlListen = c.Listen }, want: "must differ"},
		{name: "zero timeout", modify: func(c *Config) { c.Upstream.Timeout = 0 }, want: "upstream.timeout"},
		{name: "renew too long", modify: func(c *Config) { c.CA.RenewBefore = c.CA.LeafValidity }, want: "renew_before"},
		{name: "no conns", modify: func(c *Config) { c.Upstream.MaxConnsPerHost = 0 }, want: "max_conns_per_host"},
		{name: "resolution", modify: func(c *Config) { c.Intercept.DefaultResolution = "hold" }, want: "default_resolution"},
		{name: "inspector", modify: func(c *Config) { c.Inspectors = []string{"magic"} }, want: "unknown inspector"},
		{name: "sample ratio", modify: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
