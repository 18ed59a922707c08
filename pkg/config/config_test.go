package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burnengine/burn/pkg/engine"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3*time.Minute, cfg.Elevation.ConnectTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Elevation.ConnectInterval)
	assert.False(t, cfg.Apply.ParallelCacheAndExecute)
	assert.False(t, cfg.Apply.DisableRollback)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Parse([]byte(`
logging:
  level: debug
  format: json
store:
  path: /tmp/burn.db
elevation:
  connect_timeout: 30s
  connect_interval: 250ms
  command: [pkexec]
apply:
  parallel_cache_and_execute: true
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output, "unset fields keep defaults")
	assert.Equal(t, "/tmp/burn.db", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Elevation.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Elevation.ConnectInterval)
	assert.Equal(t, []string{"pkexec"}, cfg.Elevation.Command)
	assert.True(t, cfg.Apply.ParallelCacheAndExecute)
}

func TestParseInvalid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad level", "logging: {level: loud}", "Level"},
		{"interval above timeout", "elevation: {connect_timeout: 1s, connect_interval: 2s}", "ConnectInterval"},
		{"otlp without endpoint", "tracing: {enabled: true, exporter: otlp}", "Endpoint"},
		{"sampling out of range", "tracing: {sampling_rate: 2}", "SamplingRate"},
		{"empty store path", "store: {path: ''}", "Path"},
		{"not yaml", "logging: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogLevelFromEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Parse([]byte("logging: {level: debug}"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	dir := t.TempDir()

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: {path: state.db}"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "state.db", cfg.Store.Path)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err, "an explicit file must exist")

	t.Chdir(dir)
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Store.Path, cfg.Store.Path)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tc := cfg.Telemetry("1.2.3")
	assert.Equal(t, "burn", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, "debug", tc.Logging.Level)
	assert.True(t, tc.Tracing.Enabled)
	assert.Equal(t, "stdout", tc.Tracing.Exporter)
	assert.Equal(t, "burn", tc.Metrics.Namespace)
	require.NoError(t, tc.Validate())
}

func TestLoadSnapshot(t *testing.T) {
	state, err := LoadSnapshot(filepath.Join("testdata", "state.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "example.bundle", state.Registration.ProviderKey)
	assert.True(t, state.Registration.PerMachine)
	require.Len(t, state.Packages, 2)

	runtime := state.Packages[0]
	assert.Equal(t, engine.PackageTypeMsi, runtime.Type())
	assert.Equal(t, "{A0000000-0000-0000-0000-000000000001}", runtime.ProductCode())
	assert.Equal(t, []string{"External"}, runtime.Containers)
	assert.Equal(t, "Core", runtime.RollbackBoundaryForward)
	assert.Equal(t, engine.PackageStateAbsent, runtime.CurrentState)
	require.Len(t, runtime.Providers, 1)
	assert.Equal(t, "example.runtime", runtime.Providers[0].Key)

	setup := state.Packages[1]
	assert.Equal(t, engine.PackageTypeExe, setup.Type())
	assert.False(t, setup.Vital)
	assert.True(t, setup.Cached)
	assert.Equal(t, "/uninstall /quiet", setup.Arguments(engine.ActionStateUninstall))

	require.Len(t, state.RelatedBundles, 1)
	assert.Equal(t, engine.RelationUpgrade, state.RelatedBundles[0].DetectedRelation)

	// The loaded state plans without further input.
	p, err := engine.NewPlanner(nil).Plan(t.Context(), state, engine.ActionInstall)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ExecuteActions)
}

func TestSnapshotRoundTrip(t *testing.T) {
	state, err := LoadSnapshot(filepath.Join("testdata", "state.yaml"))
	require.NoError(t, err)

	data, err := MarshalSnapshot(state)
	require.NoError(t, err)
	again, err := ParseSnapshot(data)
	require.NoError(t, err)

	assert.Equal(t, state, again)
}

func TestSnapshotInvalid(t *testing.T) {
	registration := `
registration:
  bundle_id: "{B}"
  provider_key: example.bundle
`
	tests := []struct {
		name string
		doc  string
	}{
		{"no registration", "packages: []"},
		{"missing details", registration + `
packages:
  - id: A
    type: msi
    current_state: absent
`},
		{"mismatched details", registration + `
packages:
  - id: A
    type: exe
    current_state: absent
    msi: {product_code: "{A}"}
`},
		{"two details", registration + `
packages:
  - id: A
    type: msi
    current_state: absent
    msi: {product_code: "{A}"}
    exe: {}
`},
		{"duplicate id", registration + `
packages:
  - {id: A, type: msu, current_state: absent, msu: {kb: KB1}}
  - {id: A, type: msu, current_state: absent, msu: {kb: KB2}}
`},
		{"unknown type", registration + `
packages:
  - {id: A, type: zip, current_state: absent}
`},
		{"unknown relation", registration + `
related_bundles:
  - {bundle_id: "{R}", relation: sibling}
`},
		{"provider without key", registration + `
packages:
  - id: A
    type: msu
    current_state: absent
    msu: {kb: KB1}
    providers: [{version: "1.0"}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, engine.IsPlanningInput(err), "got %v", err)
		})
	}
}
