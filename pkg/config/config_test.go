package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	for _, key := range []string{"MTAP_HOST", "MTAP_DUT_PORT", "MTAP_RUNS_DIR", "MTAP_LOG_LEVEL", "MTAP_RETRY_MAX", "MTAP_TIMEOUT_S", "MTAP_SN_COUNT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	s := LoadSettings()
	assert.Equal(t, "127.0.0.1", s.Host)
	assert.Equal(t, 9000, s.DutPort)
	assert.Equal(t, "runs", s.RunsDir)
	assert.Equal(t, "INFO", s.LogLevel)
	assert.Equal(t, 2, s.RetryMax)
	assert.Equal(t, 2.0, s.TimeoutS)
	assert.Equal(t, 3, s.SnCount)
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("MTAP_HOST", "10.0.0.5")
	t.Setenv("MTAP_DUT_PORT", "9100")
	t.Setenv("MTAP_TIMEOUT_S", "0.5")

	s := LoadSettings()
	assert.Equal(t, "10.0.0.5", s.Host)
	assert.Equal(t, 9100, s.DutPort)
	assert.Equal(t, 0.5, s.TimeoutS)
}

func TestLoadSettingsIgnoresGarbage(t *testing.T) {
	t.Setenv("MTAP_DUT_PORT", "not-a-port")
	s := LoadSettings()
	assert.Equal(t, 9000, s.DutPort)
}

const dutConfigYAML = `
determinism:
  seed: 1234
default_fault_profile: flaky
device_defaults:
  fw: "2.0.0"
  temp_c: 30.0
fault_profiles:
  flaky:
    default:
      fail:
        p: 0.05
    per_command:
      PING:
        fail:
          p: 0.0
    intermittent_markov:
      enabled: true
      p_good_to_bad: 0.05
      p_bad_to_good: 0.2
      fail_p_bad_state: 0.8
`

func TestLoadDutConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dut.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dutConfigYAML), 0o644))

	cfg := LoadDutConfig(path)
	assert.Equal(t, int64(1234), cfg.Determinism.Seed)
	assert.Equal(t, "flaky", cfg.DefaultFaultProfile)
	// Document values override defaults; untouched defaults survive.
	assert.Equal(t, "2.0.0", cfg.DeviceDefaults.FW)
	assert.Equal(t, 30.0, cfg.DeviceDefaults.TempC)
	assert.Equal(t, 12.0, cfg.DeviceDefaults.VbatV)

	flaky := cfg.Profile("flaky")
	require.NotNil(t, flaky.Default.Fail)
	assert.Equal(t, 0.05, *flaky.Default.Fail.P)
	assert.True(t, flaky.IntermittentMarkov.Enabled)

	// The clean profile is always present.
	_, ok := cfg.FaultProfiles["clean"]
	assert.True(t, ok)
}

func TestLoadDutConfigEnvFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dut.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dutConfigYAML), 0o644))
	t.Setenv("MTAP_DUT_CONFIG", path)

	cfg := LoadDutConfig("")
	assert.Equal(t, int64(1234), cfg.Determinism.Seed)
}

func TestLoadDutConfigAbsentYieldsClean(t *testing.T) {
	t.Setenv("MTAP_DUT_CONFIG", "")
	os.Unsetenv("MTAP_DUT_CONFIG")
	t.Chdir(t.TempDir())

	cfg := LoadDutConfig("")
	assert.Equal(t, "clean", cfg.DefaultFaultProfile)
	clean := cfg.Profile("clean")
	assert.Nil(t, clean.Default.Fail)
	assert.False(t, clean.IntermittentMarkov.Enabled)
}

func TestLoadDutConfigMalformedFallsThrough(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{not yaml: ["), 0o644))
	t.Setenv("MTAP_DUT_CONFIG", "")
	t.Chdir(dir)

	cfg := LoadDutConfig(bad)
	assert.Equal(t, "clean", cfg.DefaultFaultProfile)
}

func TestProfileUnknownResolvesToClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dut.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dutConfigYAML), 0o644))

	cfg := LoadDutConfig(path)
	unknown := cfg.Profile("does_not_exist")
	assert.Nil(t, unknown.Default.Fail)
}
