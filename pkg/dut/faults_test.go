package dut

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtap-io/mtap/pkg/config"
	"github.com/mtap-io/mtap/pkg/protocol"
)

func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }

func testProfile(failP float64) config.FaultProfile {
	return config.FaultProfile{
		Default: config.CommandFaults{
			Timeout: &config.TimeoutSpec{P: f64(0)},
			Fail:    &config.FailSpec{P: f64(failP)},
			Drift: &config.DriftSpec{
				TempOffsetPerCycleC: f64(0.01),
				VbatOffsetPerCycleV: f64(0.001),
			},
			BurnIn: &config.BurnInSpec{
				FailPMultiplierPer1kCycles: f64(0.2),
				DriftMultiplierPer1kCycles: f64(0.3),
			},
			Busy: &config.BusySpec{MinIntervalMs: i(0), P: f64(0)},
		},
		PerCommand: map[string]config.CommandFaults{
			protocol.CmdPing: {Fail: &config.FailSpec{P: f64(0)}},
		},
	}
}

func TestPerCommandOverrideDisablesFail(t *testing.T) {
	inj := NewFaultInjector(rand.New(rand.NewSource(0)), testProfile(1.0))
	for range 100 {
		assert.False(t, inj.ShouldFail(protocol.CmdPing, "SN1", 0).Should)
	}
}

func TestFailRateIsControlled(t *testing.T) {
	inj := NewFaultInjector(rand.New(rand.NewSource(123)), testProfile(0.03))
	const n = 4000
	fails := 0
	for c := range n {
		if inj.ShouldFail(protocol.CmdReadTemp, "SN1", c).Should {
			fails++
		}
	}
	// Base p is 0.03, scaled up by burn-in as cycles accumulate.
	rate := float64(fails) / n
	assert.GreaterOrEqual(t, rate, 0.02)
	assert.LessOrEqual(t, rate, 0.06)
}

func TestDriftAccumulatesWithBurnIn(t *testing.T) {
	inj := NewFaultInjector(rand.New(rand.NewSource(0)), testProfile(0))

	d := &DeviceState{}
	inj.ApplyDrift(protocol.CmdReadTemp, d)
	t1, v1 := d.DriftOffsetC, d.DriftOffsetV

	d.Cycles = 2000
	inj.ApplyDrift(protocol.CmdReadTemp, d)

	assert.Greater(t, d.DriftOffsetC, t1)
	assert.Greater(t, d.DriftOffsetV, v1)
	// burn-in multiplies the second increment
	assert.Greater(t, d.DriftOffsetC-t1, t1)
}

func TestMarkovBurstsProduceRuns(t *testing.T) {
	prof := testProfile(0)
	prof.IntermittentMarkov = config.MarkovSpec{
		Enabled:       true,
		PGoodToBad:    0.05,
		PBadToGood:    0.2,
		FailPBadState: 0.8,
	}

	found := false
	for seed := int64(0); seed < 10 && !found; seed++ {
		inj := NewFaultInjector(rand.New(rand.NewSource(seed)), prof)
		run, maxRun := 0, 0
		for c := range 250 {
			if inj.ShouldFail(protocol.CmdReadTemp, "SN1", c).Should {
				run++
				if run > maxRun {
					maxRun = run
				}
			} else {
				run = 0
			}
		}
		found = maxRun >= 3
	}
	assert.True(t, found, "expected at least one failure run of length >= 3")
}

func TestBusyRateLimit(t *testing.T) {
	prof := config.FaultProfile{
		Default: config.CommandFaults{
			Busy: &config.BusySpec{MinIntervalMs: i(100)},
		},
	}
	inj := NewFaultInjector(rand.New(rand.NewSource(1)), prof)

	now := time.Unix(1000, 0)
	inj.now = func() time.Time { return now }

	first := inj.Evaluate(protocol.CmdReadTemp, "SN1", 0)
	assert.Equal(t, ActionPass, first.Action)

	now = now.Add(30 * time.Millisecond)
	second := inj.Evaluate(protocol.CmdReadTemp, "SN1", 0)
	require.Equal(t, ActionRespond, second.Action)
	assert.Equal(t, protocol.ErrBusy, second.ErrorCode)

	now = now.Add(200 * time.Millisecond)
	third := inj.Evaluate(protocol.CmdReadTemp, "SN1", 0)
	assert.Equal(t, ActionPass, third.Action)
}

func TestBusyRateLimitIsPerCommand(t *testing.T) {
	prof := config.FaultProfile{
		Default: config.CommandFaults{
			Busy: &config.BusySpec{MinIntervalMs: i(100)},
		},
	}
	inj := NewFaultInjector(rand.New(rand.NewSource(1)), prof)

	now := time.Unix(1000, 0)
	inj.now = func() time.Time { return now }

	assert.Equal(t, ActionPass, inj.Evaluate(protocol.CmdReadTemp, "SN1", 0).Action)
	now = now.Add(10 * time.Millisecond)
	// Different command and different SN each keep their own gate.
	assert.Equal(t, ActionPass, inj.Evaluate(protocol.CmdPing, "SN1", 0).Action)
	assert.Equal(t, ActionPass, inj.Evaluate(protocol.CmdReadTemp, "SN2", 0).Action)
}

func TestEvaluatePrecedenceBusyBeforeFail(t *testing.T) {
	prof := config.FaultProfile{
		Default: config.CommandFaults{
			Busy: &config.BusySpec{P: f64(1.0)},
			Fail: &config.FailSpec{P: f64(1.0)},
		},
	}
	inj := NewFaultInjector(rand.New(rand.NewSource(1)), prof)

	dec := inj.Evaluate(protocol.CmdReadTemp, "SN1", 0)
	require.Equal(t, ActionRespond, dec.Action)
	assert.Equal(t, protocol.ErrBusy, dec.ErrorCode)
}

func TestEvaluateFailBeforeTimeout(t *testing.T) {
	mode := "drop"
	prof := config.FaultProfile{
		Default: config.CommandFaults{
			Fail:    &config.FailSpec{P: f64(1.0)},
			Timeout: &config.TimeoutSpec{P: f64(1.0), Mode: &mode},
		},
	}
	inj := NewFaultInjector(rand.New(rand.NewSource(1)), prof)

	dec := inj.Evaluate(protocol.CmdReadTemp, "SN1", 0)
	require.Equal(t, ActionRespond, dec.Action)
	assert.Equal(t, protocol.ErrInternal, dec.ErrorCode)
}

func TestTimeoutDropAction(t *testing.T) {
	mode := "drop"
	prof := config.FaultProfile{
		Default: config.CommandFaults{
			Timeout: &config.TimeoutSpec{P: f64(1.0), Mode: &mode, DelayS: []float64{0, 0}},
		},
	}
	inj := NewFaultInjector(rand.New(rand.NewSource(1)), prof)

	dec := inj.Evaluate(protocol.CmdReadTemp, "SN1", 0)
	assert.Equal(t, ActionDrop, dec.Action)
}

func TestProfileSwitchKeepsMarkovState(t *testing.T) {
	bursty := testProfile(0)
	bursty.IntermittentMarkov = config.MarkovSpec{
		Enabled:    true,
		PGoodToBad: 1.0,
		PBadToGood: 0.0,
	}
	inj := NewFaultInjector(rand.New(rand.NewSource(1)), bursty)

	inj.ShouldFail(protocol.CmdReadTemp, "SN1", 0)
	assert.Equal(t, markovBad, inj.ctxFor("SN1", protocol.CmdReadTemp).markovState)

	inj.SetProfile(testProfile(0))
	assert.Equal(t, markovBad, inj.ctxFor("SN1", protocol.CmdReadTemp).markovState)
}

func TestDeterministicDecisionSequence(t *testing.T) {
	run := func() []bool {
		inj := NewFaultInjector(rand.New(rand.NewSource(42)), testProfile(0.5))
		out := make([]bool, 0, 50)
		for c := range 50 {
			out = append(out, inj.ShouldFail(protocol.CmdReadTemp, "SN1", c).Should)
		}
		return out
	}
	assert.Equal(t, run(), run())
}
