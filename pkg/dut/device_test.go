package dut

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtap-io/mtap/pkg/config"
)

func testDefaults() config.DeviceDefaults {
	return config.DeviceDefaults{
		FW:                "1.2.3",
		Mode:              "NORMAL",
		TempC:             25.0,
		VbatV:             12.0,
		TempNoiseSigma:    0.05,
		VbatNoiseSigma:    0.02,
		SelfTestFailPBase: 0.01,
		BurnInFailSlope:   0.00005,
	}
}

func TestGetOrCreateIsStable(t *testing.T) {
	m := NewDeviceModel(rand.New(rand.NewSource(1)), testDefaults())
	d1 := m.GetOrCreate("SN0001")
	d2 := m.GetOrCreate("SN0001")
	assert.Same(t, d1, d2)
	assert.Equal(t, "SN0001", d1.SN)
	assert.Equal(t, "1.2.3", d1.FW)
}

func TestUnknownDefaultModeNormalises(t *testing.T) {
	defs := testDefaults()
	defs.Mode = "TURBO"
	m := NewDeviceModel(rand.New(rand.NewSource(1)), defs)
	assert.Equal(t, ModeNormal, m.GetOrCreate("SN1").Mode)
}

func TestPingReportsIdentity(t *testing.T) {
	m := NewDeviceModel(rand.New(rand.NewSource(1)), testDefaults())
	data := m.Ping("SN0001")
	assert.Equal(t, "SN0001", data["sn"])
	assert.Equal(t, "1.2.3", data["fw"])
	assert.Equal(t, ModeNormal, data["mode"])
	assert.InDelta(t, 12.0, data["vbat_v"].(float64), 0.5)
	// PING does not advance burn-in
	assert.Equal(t, 0, m.GetOrCreate("SN0001").Cycles)
}

func TestReadTempAdvancesBurnIn(t *testing.T) {
	m := NewDeviceModel(rand.New(rand.NewSource(1)), testDefaults())
	d1 := m.ReadTemp("SN1")
	d2 := m.ReadTemp("SN1")
	assert.Equal(t, 1, d1["cycles"])
	assert.Equal(t, 2, d2["cycles"])
	assert.InDelta(t, 25.0, d1["temp_c"].(float64), 1.0)
}

func TestBurnInDriftShiftsTrueSignal(t *testing.T) {
	defs := testDefaults()
	defs.TempDriftPerCycleC = 0.5
	m := NewDeviceModel(rand.New(rand.NewSource(1)), defs)
	for range 20 {
		m.ReadTemp("SN1")
	}
	d := m.GetOrCreate("SN1")
	assert.Equal(t, 20, d.Cycles)
	assert.Greater(t, d.TempC, 30.0)
}

func TestSignalsClampToPhysicalLimits(t *testing.T) {
	defs := testDefaults()
	defs.TempDriftPerCycleC = 50.0
	m := NewDeviceModel(rand.New(rand.NewSource(1)), defs)
	for range 10 {
		m.ReadTemp("SN1")
	}
	d := m.GetOrCreate("SN1")
	assert.LessOrEqual(t, d.TempC, tempMaxC)
}

func TestSelfTestProbabilityGrowsWithCycles(t *testing.T) {
	defs := testDefaults()
	defs.BurnInFailSlope = 0.001
	m := NewDeviceModel(rand.New(rand.NewSource(1)), defs)

	first := m.SelfTest("SN1")
	p1 := first["p_fail"].(float64)
	for range 100 {
		m.SelfTest("SN1")
	}
	later := m.SelfTest("SN1")
	p2 := later["p_fail"].(float64)
	assert.Greater(t, p2, p1)
}

func TestSafeModeReducesSelfTestFailures(t *testing.T) {
	m := NewDeviceModel(rand.New(rand.NewSource(1)), testDefaults())
	m.SetMode("SN1", ModeSafe)
	data := m.SelfTest("SN1")
	pSafe := data["p_fail"].(float64)
	// base 0.01 plus one cycle of slope, scaled by 0.7
	assert.InDelta(t, (0.01+0.00005)*0.7, pSafe, 1e-9)
}

func TestSetTempAndSetMode(t *testing.T) {
	m := NewDeviceModel(rand.New(rand.NewSource(1)), testDefaults())

	data := m.SetTemp("SN1", -40.0)
	assert.Equal(t, -40.0, data["temp_c"])

	data = m.SetMode("SN1", ModeSafe)
	assert.Equal(t, ModeSafe, data["mode"])

	data = m.SetMode("SN1", "BOGUS")
	assert.Equal(t, ModeNormal, data["mode"])
}

func TestDeterministicMeasurements(t *testing.T) {
	run := func() []any {
		m := NewDeviceModel(rand.New(rand.NewSource(99)), testDefaults())
		m.now = func() time.Time { return time.Unix(1000, 0) }
		out := []any{}
		for range 5 {
			out = append(out, m.ReadTemp("SN1")["temp_c"])
		}
		return out
	}
	require.Equal(t, run(), run())
}
