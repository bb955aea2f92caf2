// Package config holds the two configuration surfaces of MTAP: the runner's
// environment-driven settings and the DUT simulator's YAML document
// (determinism seed, device defaults, named fault profiles).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Settings contains runner-side configuration resolved from MTAP_*
// environment variables.
type Settings struct {
	Host     string
	DutPort  int
	RunsDir  string
	LogLevel string
	RetryMax int
	TimeoutS float64
	SnCount  int
}

// LoadSettings resolves runner settings from the environment, falling back
// to defaults for anything unset.
func LoadSettings() Settings {
	return Settings{
		Host:     envStr("MTAP_HOST", "127.0.0.1"),
		DutPort:  envInt("MTAP_DUT_PORT", 9000),
		RunsDir:  envStr("MTAP_RUNS_DIR", "runs"),
		LogLevel: envStr("MTAP_LOG_LEVEL", "INFO"),
		RetryMax: envInt("MTAP_RETRY_MAX", 2),
		TimeoutS: envFloat("MTAP_TIMEOUT_S", 2.0),
		SnCount:  envInt("MTAP_SN_COUNT", 3),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// DeviceDefaults seeds DeviceState for serial numbers on first reference.
type DeviceDefaults struct {
	FW                 string  `yaml:"fw"`
	Mode               string  `yaml:"mode"`
	TempC              float64 `yaml:"temp_c"`
	VbatV              float64 `yaml:"vbat_v"`
	TempNoiseSigma     float64 `yaml:"temp_noise_sigma"`
	VbatNoiseSigma     float64 `yaml:"vbat_noise_sigma"`
	TempDriftPerCycleC float64 `yaml:"temp_drift_per_cycle_c"`
	VbatDriftPerCycleV float64 `yaml:"vbat_drift_per_cycle_v"`
	SelfTestFailPBase  float64 `yaml:"self_test_fail_p_base"`
	BurnInFailSlope    float64 `yaml:"burn_in_fail_slope"`
}

// TimeoutSpec configures synthetic timeouts. Pointer fields distinguish
// "unset" from zero so per-command overrides merge key-by-key.
type TimeoutSpec struct {
	P      *float64  `yaml:"p"`
	Mode   *string   `yaml:"mode"` // "delay" | "drop"
	DelayS []float64 `yaml:"delay_s"`
}

// FailSpec configures synthetic internal failures.
type FailSpec struct {
	P *float64 `yaml:"p"`
}

// DriftSpec configures cumulative measurement drift per request.
type DriftSpec struct {
	TempOffsetPerCycleC *float64 `yaml:"temp_offset_per_cycle_c"`
	VbatOffsetPerCycleV *float64 `yaml:"vbat_offset_per_cycle_v"`
}

// BurnInSpec scales fault probabilities and drift with accumulated cycles.
type BurnInSpec struct {
	FailPMultiplierPer1kCycles *float64 `yaml:"fail_p_multiplier_per_1k_cycles"`
	DriftMultiplierPer1kCycles *float64 `yaml:"drift_multiplier_per_1k_cycles"`
}

// BusySpec configures rate-limited and probabilistic E_BUSY responses.
type BusySpec struct {
	MinIntervalMs *int     `yaml:"min_interval_ms"`
	P             *float64 `yaml:"p"`
}

// CommandFaults groups the per-section toggles, either as profile defaults
// or as a per-command override.
type CommandFaults struct {
	Timeout *TimeoutSpec `yaml:"timeout"`
	Fail    *FailSpec    `yaml:"fail"`
	Drift   *DriftSpec   `yaml:"drift"`
	BurnIn  *BurnInSpec  `yaml:"burn_in"`
	Busy    *BusySpec    `yaml:"busy"`
}

// MarkovSpec configures the two-state GOOD/BAD intermittent-burst chain.
type MarkovSpec struct {
	Enabled          bool      `yaml:"enabled"`
	PGoodToBad       float64   `yaml:"p_good_to_bad"`
	PBadToGood       float64   `yaml:"p_bad_to_good"`
	FailPBadState    float64   `yaml:"fail_p_bad_state"`
	TimeoutPBadState float64   `yaml:"timeout_p_bad_state"`
	TimeoutDelayS    []float64 `yaml:"timeout_delay_s"`
}

// FaultProfile is one named fault configuration. Profiles are immutable
// after load; merging defaults with per-command overrides happens at
// evaluation time in the injector.
type FaultProfile struct {
	Default            CommandFaults            `yaml:"default"`
	PerCommand         map[string]CommandFaults `yaml:"per_command"`
	IntermittentMarkov MarkovSpec               `yaml:"intermittent_markov"`
}

// DutConfig is the DUT simulator's configuration document.
type DutConfig struct {
	Determinism struct {
		Seed int64 `yaml:"seed"`
	} `yaml:"determinism"`
	DefaultFaultProfile string                  `yaml:"default_fault_profile"`
	DeviceDefaults      DeviceDefaults          `yaml:"device_defaults"`
	FaultProfiles       map[string]FaultProfile `yaml:"fault_profiles"`
}

// DefaultDutConfig returns the built-in configuration: a clean profile with
// all probabilities zero and nominal device defaults.
func DefaultDutConfig() *DutConfig {
	return &DutConfig{
		DefaultFaultProfile: "clean",
		DeviceDefaults: DeviceDefaults{
			FW:                "1.0.0",
			Mode:              "NORMAL",
			TempC:             25.0,
			VbatV:             12.0,
			TempNoiseSigma:    0.05,
			VbatNoiseSigma:    0.02,
			SelfTestFailPBase: 0.01,
			BurnInFailSlope:   0.00005,
		},
		FaultProfiles: map[string]FaultProfile{
			"clean": {},
		},
	}
}

// LoadDutConfig resolves the DUT configuration through the fallback chain:
// explicit path, MTAP_DUT_CONFIG, ./dut/config.yaml, built-in defaults.
// An absent or malformed candidate falls through to the next; complete
// absence yields the built-in clean configuration.
func LoadDutConfig(path string) *DutConfig {
	candidates := []string{}
	if path != "" {
		candidates = append(candidates, path)
	}
	if env := os.Getenv("MTAP_DUT_CONFIG"); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, filepath.Join("dut", "config.yaml"))

	for _, p := range candidates {
		cfg, err := readDutConfig(p)
		if err != nil {
			continue
		}
		return cfg
	}
	return DefaultDutConfig()
}

func readDutConfig(path string) (*DutConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dut config: %w", err)
	}
	cfg := DefaultDutConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse dut config %s: %w", path, err)
	}
	if cfg.FaultProfiles == nil {
		cfg.FaultProfiles = map[string]FaultProfile{}
	}
	if _, ok := cfg.FaultProfiles["clean"]; !ok {
		cfg.FaultProfiles["clean"] = FaultProfile{}
	}
	if cfg.DefaultFaultProfile == "" {
		cfg.DefaultFaultProfile = "clean"
	}
	return cfg, nil
}

// Profile resolves a named fault profile. Unknown names resolve to the
// clean profile.
func (c *DutConfig) Profile(name string) FaultProfile {
	if p, ok := c.FaultProfiles[name]; ok {
		return p
	}
	return c.FaultProfiles["clean"]
}
