package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/armadaproject/lcg/internal/common/config"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, ValidateLCGConfiguration(Default()))
}

func TestValidateLCGConfiguration(t *testing.T) {
	tests := map[string]func(c *LCGConfiguration){
		"bulk size zero":          func(c *LCGConfiguration) { c.Submission.GliteBulkJobSize = 0 },
		"unknown middleware":      func(c *LCGConfiguration) { c.Middleware.Enabled = []string{"ARC"} },
		"no middleware":           func(c *LCGConfiguration) { c.Middleware.Enabled = nil },
		"missing vo":              func(c *LCGConfiguration) { c.Submission.VirtualOrganisation = "" },
		"bad log handler":         func(c *LCGConfiguration) { c.Submission.JobLogHandler = "FTP" },
		"unknown cache":           func(c *LCGConfiguration) { c.Sandbox.Cache = "dq2" },
		"s3 without bucket":       func(c *LCGConfiguration) { c.Sandbox.Cache = "s3" },
		"local without directory": func(c *LCGConfiguration) { c.Sandbox.Local.Directory = "" },
		"redis without address": func(c *LCGConfiguration) {
			c.Notifier.Type = "redis"
			c.Notifier.Redis.Addr = ""
		},
		"ce both allowed and excluded": func(c *LCGConfiguration) {
			c.Requirements.AllowedCEs = []string{"cern.ch"}
			c.Requirements.ExcludedCEs = []string{"cern.ch"}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			config := Default()
			mutate(&config)
			assert.Error(t, ValidateLCGConfiguration(config))
		})
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
submission:
  virtualOrganisation: atlas
  gliteBulkJobSize: 20
  timeout: 5m
sandbox:
  boundSandboxLimit: 2MB
middleware:
  enabled: GLITE,EDG
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	config := Default()
	v := commonconfig.LoadConfig(&config, dir, nil)
	require.NotNil(t, v)

	assert.Equal(t, "atlas", config.Submission.VirtualOrganisation)
	assert.Equal(t, 20, config.Submission.GliteBulkJobSize)
	assert.Equal(t, 5*time.Minute, config.Submission.Timeout)
	assert.Equal(t, commonconfig.ByteSize(2*1024*1024), config.Sandbox.BoundSandboxLimit)
	assert.Equal(t, []string{"GLITE", "EDG"}, config.Middleware.Enabled)
	// untouched settings keep their defaults
	assert.Equal(t, 10, config.Submission.SubmissionThreads)
	assert.Equal(t, "myproxy.cern.ch", config.Submission.MyProxyServer)
	assert.NoError(t, ValidateLCGConfiguration(config))
}
