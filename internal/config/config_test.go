package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oetiker/logfetcher/internal/config"
)

// loadConfigFromJSON creates a temp config file and loads it using Load().
// This ensures tests use the exact same config loading code as the binary.
func loadConfigFromJSON(t *testing.T, jsonSrc string) config.Config {
	t.Helper()

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "logfetcher.cfg")

	err := os.WriteFile(configFile, []byte(jsonSrc), 0o644)
	require.NoError(t, err, "failed to write temp config file")

	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile})
	require.NoError(t, err, "failed to load config")

	return cfg
}

const minimalValidConfig = `{
	"GENERAL": {},
	"CONSTANTS": {},
	"HOSTS": [
		{
			"name": "web1",
			"sshConnect": ["ssh", "-i", "/keys/web1", "web1.example.com"],
			"logFiles": [
				{
					"globPattern": "/var/log/app/*.log.*.gz",
					"destinationFile": "/archive/%Y/%m/%d/web1.log.gz"
				}
			]
		}
	]
}`

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		check func(t *testing.T, cfg config.Config)
	}{
		{
			name: "minimal config uses all defaults",
			src:  minimalValidConfig,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "info", cfg.General.LogLevel)
				assert.Equal(t, config.DefaultLogCheckInterval, cfg.General.LogCheckInterval)
				assert.Equal(t, config.DefaultStatusLogInterval, cfg.General.StatusLogInterval)
				assert.Equal(t, config.DefaultTimeout, cfg.General.Timeout)
				assert.Equal(t, config.DefaultTransferTaskLimit, cfg.General.TransferTaskLimit)
			},
		},
		{
			name: "general values can be overridden",
			src: `{
				"GENERAL": {
					"logLevel": "debug",
					"logCheckInterval": 5,
					"transferTaskLimit": 0
				},
				"HOSTS": [
					{
						"name": "web1",
						"sshConnect": ["ssh", "web1"],
						"logFiles": [
							{"globPattern": "/var/log/*.gz", "destinationFile": "/archive/x.gz"}
						]
					}
				]
			}`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "debug", cfg.General.LogLevel)
				assert.Equal(t, 5, cfg.General.LogCheckInterval)
				// an explicit 0 means "unlimited", distinct from the field being absent
				assert.Equal(t, 0, cfg.General.TransferTaskLimit)
				assert.Equal(t, config.DefaultStatusLogInterval, cfg.General.StatusLogInterval)
			},
		},
		{
			name: "line comments are ignored",
			src: `{
				// this is a comment before GENERAL
				"GENERAL": {
					"logLevel": "warn" // trailing comment
				},
				"HOSTS": [
					{
						"name": "web1",
						"sshConnect": ["ssh", "web1"],
						"logFiles": [
							{"globPattern": "/var/log/*.gz", "destinationFile": "/archive/x.gz"}
						]
					}
				]
			}`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "warn", cfg.General.LogLevel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfigFromJSON(t, tt.src)
			tt.check(t, cfg)
		})
	}
}

func TestConstantsSubstitution(t *testing.T) {
	src := `{
		"GENERAL": {},
		"CONSTANTS": {
			"ARCHIVE_ROOT": "/archive",
			"APP_NAME": "web1"
		},
		"HOSTS": [
			{
				"name": "web1",
				"sshConnect": ["ssh", "web1"],
				"logFiles": [
					{
						"globPattern": "/var/log/${APP_NAME}/*.log.*.gz",
						"destinationFile": "${ARCHIVE_ROOT}/%Y/%m/${APP_NAME}.log.gz"
					}
				]
			}
		]
	}`

	cfg := loadConfigFromJSON(t, src)
	require.Len(t, cfg.Hosts, 1)
	require.Len(t, cfg.Hosts[0].LogFiles, 1)

	lf := cfg.Hosts[0].LogFiles[0]
	assert.Equal(t, "/var/log/web1/*.log.*.gz", lf.GlobPattern)
	assert.Equal(t, "/archive/%Y/%m/web1.log.gz", lf.DestinationFile)
}

func TestConstantsSubstitutionUnknownKey(t *testing.T) {
	src := `{
		"GENERAL": {},
		"HOSTS": [
			{
				"name": "web1",
				"sshConnect": ["ssh", "web1"],
				"logFiles": [
					{
						"globPattern": "/var/log/${MISSING}/*.gz",
						"destinationFile": "/archive/x.gz"
					}
				]
			}
		]
	}`

	_, err := config.Parse([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	src := `{
		"GENERAL": {
			"logLevel": "noisy"
		},
		"HOSTS": [
			{
				"name": "",
				"sshConnect": [],
				"logFiles": [
					{"globPattern": "", "destinationFile": "", "filterRegexp": "("}
				]
			}
		]
	}`

	_, err := config.Parse([]byte(src))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "logLevel")
	assert.Contains(t, msg, "name is required")
	assert.Contains(t, msg, "sshConnect must not be empty")
	assert.Contains(t, msg, "globPattern is required")
	assert.Contains(t, msg, "destinationFile is required")
	assert.Contains(t, msg, "filterRegexp")
}

func TestValidateRejectsDuplicateHostNames(t *testing.T) {
	src := `{
		"GENERAL": {},
		"HOSTS": [
			{
				"name": "web1",
				"sshConnect": ["ssh", "web1"],
				"logFiles": [{"globPattern": "/var/log/*.gz", "destinationFile": "/archive/a.gz"}]
			},
			{
				"name": "web1",
				"sshConnect": ["ssh", "web1b"],
				"logFiles": [{"globPattern": "/var/log/*.gz", "destinationFile": "/archive/b.gz"}]
			}
		]
	}`

	_, err := config.Parse([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate host name")
}

func TestValidateRequiresAtLeastOneHost(t *testing.T) {
	_, err := config.Parse([]byte(`{"GENERAL": {}, "HOSTS": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one host is required")
}

func TestValidateCompilesFilterRegexp(t *testing.T) {
	src := `{
		"GENERAL": {},
		"HOSTS": [
			{
				"name": "web1",
				"sshConnect": ["ssh", "web1"],
				"logFiles": [
					{
						"globPattern": "/var/log/*.gz",
						"filterRegexp": "^app-(?P<id>\\d+)\\.log\\.(?P<mtime>\\d+)\\.gz$",
						"destinationFile": "/archive/x.gz"
					}
				]
			}
		]
	}`

	cfg := loadConfigFromJSON(t, src)
	lf := cfg.Hosts[0].LogFiles[0]
	require.NotNil(t, lf.FilterRE)
	assert.True(t, lf.FilterRE.MatchString("app-42.log.1700000000.gz"))
}

func TestMinAgeParsedButNeverEnforced(t *testing.T) {
	src := `{
		"GENERAL": {},
		"HOSTS": [
			{
				"name": "web1",
				"sshConnect": ["ssh", "web1"],
				"logFiles": [
					{"globPattern": "/var/log/*.gz", "destinationFile": "/archive/x.gz", "minAge": 300}
				]
			}
		]
	}`

	cfg := loadConfigFromJSON(t, src)
	require.NotNil(t, cfg.Hosts[0].LogFiles[0].MinAge)
	assert.Equal(t, 300, *cfg.Hosts[0].LogFiles[0].MinAge)
}

func TestLoadUsesEnvVarWhenConfigFileUnset(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "logfetcher.cfg")
	require.NoError(t, os.WriteFile(configFile, []byte(minimalValidConfig), 0o644))

	t.Setenv(config.ConfigPathEnvVar, configFile)

	cfg, err := config.Load(config.LoadOptions{})
	require.NoError(t, err)
	assert.Len(t, cfg.Hosts, 1)
}

func TestLoadReportsMissingFile(t *testing.T) {
	_, err := config.Load(config.LoadOptions{ConfigFile: "/nonexistent/logfetcher.cfg"})
	require.Error(t, err)
}

func TestParseReportsSyntaxErrorWithCaret(t *testing.T) {
	_, err := config.Parse([]byte(`{
	"GENERAL": {},
	"HOSTS": [}
}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line")
	assert.Contains(t, err.Error(), "^")
}
