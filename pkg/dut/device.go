package dut

import (
	"math/rand"
	"time"

	"github.com/mtap-io/mtap/pkg/config"
)

// Device modes.
const (
	ModeNormal = "NORMAL"
	ModeSafe   = "SAFE"
)

// Physical clamp limits for simulated signals.
const (
	tempMinC = -40.0
	tempMaxC = 125.0
	vbatMinV = 9.0
	vbatMaxV = 16.0
)

// DeviceState is the per-SN simulation state. Created on first reference to
// a serial number; lives until the server process exits.
type DeviceState struct {
	SN   string
	FW   string
	Mode string

	TempC float64
	VbatV float64

	TempNoiseSigma float64
	VbatNoiseSigma float64

	TempDriftPerCycleC float64
	VbatDriftPerCycleV float64

	// Fault-profile-induced offsets, accumulated by the injector's drift
	// engine across requests.
	DriftOffsetC float64
	DriftOffsetV float64

	SelfTestFailPBase float64
	BurnInFailSlope   float64

	Cycles     int
	LastUpdate time.Time
}

// DeviceModel simulates a population of stateful devices with temperature
// and voltage signals plus burn-in drift. All pseudo-random draws come from
// the injected generator, so a fixed seed and identical request trace
// reproduce identical measurements. Not safe for concurrent use; the server
// serialises dispatch.
type DeviceModel struct {
	rng      *rand.Rand
	defaults config.DeviceDefaults
	devices  map[string]*DeviceState
	now      func() time.Time
}

// NewDeviceModel creates a model seeded with per-device defaults.
func NewDeviceModel(rng *rand.Rand, defaults config.DeviceDefaults) *DeviceModel {
	return &DeviceModel{
		rng:      rng,
		defaults: defaults,
		devices:  make(map[string]*DeviceState),
		now:      time.Now,
	}
}

// GetOrCreate resolves the device state for sn, creating it from defaults on
// first reference.
func (m *DeviceModel) GetOrCreate(sn string) *DeviceState {
	if d, ok := m.devices[sn]; ok {
		return d
	}
	mode := m.defaults.Mode
	if mode != ModeNormal && mode != ModeSafe {
		mode = ModeNormal
	}
	d := &DeviceState{
		SN:                 sn,
		FW:                 m.defaults.FW,
		Mode:               mode,
		TempC:              m.defaults.TempC,
		VbatV:              m.defaults.VbatV,
		TempNoiseSigma:     m.defaults.TempNoiseSigma,
		VbatNoiseSigma:     m.defaults.VbatNoiseSigma,
		TempDriftPerCycleC: m.defaults.TempDriftPerCycleC,
		VbatDriftPerCycleV: m.defaults.VbatDriftPerCycleV,
		SelfTestFailPBase:  m.defaults.SelfTestFailPBase,
		BurnInFailSlope:    m.defaults.BurnInFailSlope,
		LastUpdate:         m.now(),
	}
	m.devices[sn] = d
	return d
}

// updateSignals applies the small time-proportional random walk and clamps
// signals to physical limits. SAFE mode halves the walk scale.
func (m *DeviceModel) updateSignals(d *DeviceState) {
	now := m.now()
	dt := now.Sub(d.LastUpdate).Seconds()
	if dt < 0 {
		dt = 0
	}
	d.LastUpdate = now

	wander := 0.01
	vWander := 0.005
	if d.Mode == ModeSafe {
		wander = 0.005
		vWander = 0.0025
	}
	d.TempC += wander * dt * (m.rng.Float64() - 0.5)
	d.VbatV += vWander * dt * (m.rng.Float64() - 0.5)

	d.TempC = clamp(d.TempC, tempMinC, tempMaxC)
	d.VbatV = clamp(d.VbatV, vbatMinV, vbatMaxV)
}

// applyBurnIn advances the cycle counter and shifts the true signals by the
// per-cycle drift constants.
func (m *DeviceModel) applyBurnIn(d *DeviceState) {
	d.Cycles++
	d.TempC += d.TempDriftPerCycleC
	d.VbatV += d.VbatDriftPerCycleV
}

// Ping reports identity and battery voltage without advancing burn-in.
func (m *DeviceModel) Ping(sn string) map[string]any {
	d := m.GetOrCreate(sn)
	m.updateSignals(d)
	return map[string]any{
		"sn":     d.SN,
		"fw":     d.FW,
		"mode":   d.Mode,
		"vbat_v": round4(d.VbatV + d.DriftOffsetV),
	}
}

// ReadTemp returns a noisy temperature/voltage measurement and advances
// burn-in by one cycle.
func (m *DeviceModel) ReadTemp(sn string) map[string]any {
	d := m.GetOrCreate(sn)
	m.applyBurnIn(d)
	m.updateSignals(d)

	tempTrue := d.TempC + d.DriftOffsetC
	vbatTrue := d.VbatV + d.DriftOffsetV

	tempMeas := tempTrue + m.rng.NormFloat64()*d.TempNoiseSigma
	vbatMeas := vbatTrue + m.rng.NormFloat64()*d.VbatNoiseSigma

	return map[string]any{
		"sn":     d.SN,
		"temp_c": round4(tempMeas),
		"vbat_v": round4(vbatMeas),
		"cycles": d.Cycles,
	}
}

// SelfTest runs the built-in self test. Failure probability grows with
// burn-in cycles and shrinks in SAFE mode.
func (m *DeviceModel) SelfTest(sn string) map[string]any {
	d := m.GetOrCreate(sn)
	m.applyBurnIn(d)
	m.updateSignals(d)

	pFail := d.SelfTestFailPBase + d.BurnInFailSlope*float64(d.Cycles)
	if d.Mode == ModeSafe {
		pFail *= 0.7
	}

	failed := m.rng.Float64() < pFail
	return map[string]any{
		"sn":           d.SN,
		"self_test_ok": !failed,
		"p_fail":       round6(pFail),
		"cycles":       d.Cycles,
	}
}

// SetTemp forces the true temperature signal. Range checks are the server's
// responsibility.
func (m *DeviceModel) SetTemp(sn string, tempC float64) map[string]any {
	d := m.GetOrCreate(sn)
	d.TempC = tempC
	return map[string]any{"sn": d.SN, "temp_c": round4(d.TempC)}
}

// SetMode switches NORMAL/SAFE. Unknown modes normalise to NORMAL.
func (m *DeviceModel) SetMode(sn, mode string) map[string]any {
	d := m.GetOrCreate(sn)
	switch mode {
	case ModeNormal, ModeSafe:
		d.Mode = mode
	default:
		d.Mode = ModeNormal
	}
	return map[string]any{"sn": d.SN, "mode": d.Mode}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 { return roundTo(v, 1e4) }
func round6(v float64) float64 { return roundTo(v, 1e6) }

func roundTo(v, scale float64) float64 {
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}
