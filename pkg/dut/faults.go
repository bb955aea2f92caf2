package dut

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/mtap-io/mtap/pkg/config"
	"github.com/mtap-io/mtap/pkg/protocol"
)

// Markov chain states for intermittent bursts.
const (
	markovGood = "GOOD"
	markovBad  = "BAD"
)

// Action is the injector's verdict for one incoming request.
type Action int

const (
	// ActionPass hands the request to the device model.
	ActionPass Action = iota
	// ActionRespond short-circuits with an error response.
	ActionRespond
	// ActionDelay sleeps, then proceeds with the device model.
	ActionDelay
	// ActionDrop sleeps, then closes the connection without replying.
	ActionDrop
)

// Decision is the outcome of one injector evaluation.
type Decision struct {
	Action    Action
	ErrorCode string
	Message   string
	Delay     time.Duration
}

// TimeoutDecision reports whether a synthetic timeout fires and how.
type TimeoutDecision struct {
	Should bool
	Mode   string // "delay" | "drop"
	Delay  time.Duration
}

// FailDecision reports whether a synthetic internal fault fires.
type FailDecision struct {
	Should    bool
	ErrorCode string
	Message   string
}

// BusyDecision reports whether the request is rejected with E_BUSY.
type BusyDecision struct {
	Should    bool
	ErrorCode string
	Message   string
}

// faultContext is per-(sn, command) injector state. It survives profile
// switches.
type faultContext struct {
	markovState string
	lastCmd     time.Time
}

// commandConfig is the fully merged fault configuration for one command:
// profile defaults overlaid with per-command overrides, unset keys resolved
// to their zero-probability defaults.
type commandConfig struct {
	timeoutP    float64
	timeoutMode string
	delayLo     float64
	delayHi     float64

	failP float64

	driftTempPerCycle float64
	driftVbatPerCycle float64

	burnFailMultPer1k  float64
	burnDriftMultPer1k float64

	busyMinInterval time.Duration
	busyP           float64
}

// FaultInjector decides, per incoming (command, sn), whether to pass the
// request through, delay it, drop the connection, or answer with a
// synthetic error. Profiles are immutable; switching profiles swaps the
// pointer and keeps all fault contexts (including Markov state) intact.
// Not safe for concurrent use; the server serialises dispatch.
type FaultInjector struct {
	rng     *rand.Rand
	profile config.FaultProfile
	ctx     map[[2]string]*faultContext
	now     func() time.Time
}

// NewFaultInjector creates an injector for the given profile.
func NewFaultInjector(rng *rand.Rand, profile config.FaultProfile) *FaultInjector {
	return &FaultInjector{
		rng:     rng,
		profile: profile,
		ctx:     make(map[[2]string]*faultContext),
		now:     time.Now,
	}
}

// SetProfile switches the active profile. Existing fault contexts survive.
func (f *FaultInjector) SetProfile(profile config.FaultProfile) {
	f.profile = profile
}

func (f *FaultInjector) ctxFor(sn, cmd string) *faultContext {
	key := [2]string{sn, cmd}
	c, ok := f.ctx[key]
	if !ok {
		c = &faultContext{markovState: markovGood}
		f.ctx[key] = c
	}
	return c
}

func (f *FaultInjector) cfgFor(cmd string) commandConfig {
	base := f.profile.Default
	over := f.profile.PerCommand[cmd]

	cfg := commandConfig{timeoutMode: "delay"}

	// timeout
	if t := base.Timeout; t != nil {
		applyTimeout(&cfg, t)
	}
	if t := over.Timeout; t != nil {
		applyTimeout(&cfg, t)
	}
	// fail
	if s := base.Fail; s != nil && s.P != nil {
		cfg.failP = *s.P
	}
	if s := over.Fail; s != nil && s.P != nil {
		cfg.failP = *s.P
	}
	// drift
	if s := base.Drift; s != nil {
		applyDriftSpec(&cfg, s)
	}
	if s := over.Drift; s != nil {
		applyDriftSpec(&cfg, s)
	}
	// burn_in
	if s := base.BurnIn; s != nil {
		applyBurnInSpec(&cfg, s)
	}
	if s := over.BurnIn; s != nil {
		applyBurnInSpec(&cfg, s)
	}
	// busy
	if s := base.Busy; s != nil {
		applyBusySpec(&cfg, s)
	}
	if s := over.Busy; s != nil {
		applyBusySpec(&cfg, s)
	}
	return cfg
}

func applyTimeout(cfg *commandConfig, t *config.TimeoutSpec) {
	if t.P != nil {
		cfg.timeoutP = *t.P
	}
	if t.Mode != nil {
		cfg.timeoutMode = *t.Mode
	}
	if len(t.DelayS) == 2 {
		cfg.delayLo, cfg.delayHi = t.DelayS[0], t.DelayS[1]
	}
}

func applyDriftSpec(cfg *commandConfig, s *config.DriftSpec) {
	if s.TempOffsetPerCycleC != nil {
		cfg.driftTempPerCycle = *s.TempOffsetPerCycleC
	}
	if s.VbatOffsetPerCycleV != nil {
		cfg.driftVbatPerCycle = *s.VbatOffsetPerCycleV
	}
}

func applyBurnInSpec(cfg *commandConfig, s *config.BurnInSpec) {
	if s.FailPMultiplierPer1kCycles != nil {
		cfg.burnFailMultPer1k = *s.FailPMultiplierPer1kCycles
	}
	if s.DriftMultiplierPer1kCycles != nil {
		cfg.burnDriftMultPer1k = *s.DriftMultiplierPer1kCycles
	}
}

func applyBusySpec(cfg *commandConfig, s *config.BusySpec) {
	if s.MinIntervalMs != nil {
		cfg.busyMinInterval = time.Duration(*s.MinIntervalMs) * time.Millisecond
	}
	if s.P != nil {
		cfg.busyP = *s.P
	}
}

// markovStep advances the per-(sn, cmd) chain by one transition and returns
// the post-transition state. Disabled chains stay GOOD and consume no draw.
func (f *FaultInjector) markovStep(cmd, sn string) string {
	m := f.profile.IntermittentMarkov
	if !m.Enabled {
		return markovGood
	}
	ctx := f.ctxFor(sn, cmd)
	switch ctx.markovState {
	case markovGood:
		if f.rng.Float64() < m.PGoodToBad {
			ctx.markovState = markovBad
		}
	case markovBad:
		if f.rng.Float64() < m.PBadToGood {
			ctx.markovState = markovGood
		}
	}
	return ctx.markovState
}

// burnInEffect scales fault probability and drift with accumulated cycles.
func (f *FaultInjector) burnInEffect(cfg commandConfig, cycles int) (failMult, driftMult float64) {
	k := float64(cycles) / 1000.0
	failMult = 1.0 + cfg.burnFailMultPer1k*k
	driftMult = 1.0 + cfg.burnDriftMultPer1k*k
	if failMult < 0 {
		failMult = 0
	}
	if driftMult < 0 {
		driftMult = 0
	}
	return failMult, driftMult
}

func (f *FaultInjector) failDecision(cfg commandConfig, markovState string, cycles int) FailDecision {
	p := cfg.failP
	failMult, _ := f.burnInEffect(cfg, cycles)
	p *= failMult
	if markovState == markovBad {
		p += f.profile.IntermittentMarkov.FailPBadState
	}
	if p > 1 {
		p = 1
	}
	if f.rng.Float64() < p {
		return FailDecision{Should: true, ErrorCode: protocol.ErrInternal, Message: "Simulated intermittent/internal fault"}
	}
	return FailDecision{}
}

func (f *FaultInjector) timeoutDecision(cfg commandConfig, markovState string) TimeoutDecision {
	p := cfg.timeoutP
	var delay time.Duration
	if cfg.delayHi > 0 {
		delay = secondsToDuration(cfg.delayLo + f.rng.Float64()*(cfg.delayHi-cfg.delayLo))
	}
	if markovState == markovBad {
		m := f.profile.IntermittentMarkov
		p += m.TimeoutPBadState
		if len(m.TimeoutDelayS) == 2 && m.TimeoutDelayS[1] > 0 {
			lo, hi := m.TimeoutDelayS[0], m.TimeoutDelayS[1]
			delay = secondsToDuration(lo + f.rng.Float64()*(hi-lo))
		}
	}
	if p > 1 {
		p = 1
	}
	return TimeoutDecision{Should: f.rng.Float64() < p, Mode: cfg.timeoutMode, Delay: delay}
}

// ShouldFail evaluates the synthetic-failure branch alone, stepping the
// Markov chain once.
func (f *FaultInjector) ShouldFail(cmd, sn string, cycles int) FailDecision {
	return f.failDecision(f.cfgFor(cmd), f.markovStep(cmd, sn), cycles)
}

// ShouldTimeout evaluates the timeout branch alone, stepping the Markov
// chain once.
func (f *FaultInjector) ShouldTimeout(cmd, sn string, cycles int) TimeoutDecision {
	return f.timeoutDecision(f.cfgFor(cmd), f.markovStep(cmd, sn))
}

// ShouldBusy evaluates the BUSY gates alone. The rate-limit gate compares
// against the previous request arrival and records the current one.
func (f *FaultInjector) ShouldBusy(cmd, sn string) BusyDecision {
	ctx := f.ctxFor(sn, cmd)
	now := f.now()
	prev := ctx.lastCmd
	ctx.lastCmd = now
	return f.busyDecision(f.cfgFor(cmd), now, prev)
}

func (f *FaultInjector) busyDecision(cfg commandConfig, now, prev time.Time) BusyDecision {
	if cfg.busyMinInterval > 0 && !prev.IsZero() && now.Sub(prev) < cfg.busyMinInterval {
		return BusyDecision{
			Should:    true,
			ErrorCode: protocol.ErrBusy,
			Message:   fmt.Sprintf("Rate-limited: min_interval_ms=%d", cfg.busyMinInterval.Milliseconds()),
		}
	}
	if cfg.busyP > 0 && f.rng.Float64() < cfg.busyP {
		return BusyDecision{Should: true, ErrorCode: protocol.ErrBusy, Message: "Simulated resource contention (BUSY)"}
	}
	return BusyDecision{}
}

// ApplyDrift accumulates the profile's per-request drift, scaled by the
// burn-in drift multiplier, into the device's fault-induced offsets.
func (f *FaultInjector) ApplyDrift(cmd string, d *DeviceState) {
	cfg := f.cfgFor(cmd)
	_, driftMult := f.burnInEffect(cfg, d.Cycles)
	d.DriftOffsetC += cfg.driftTempPerCycle * driftMult
	d.DriftOffsetV += cfg.driftVbatPerCycle * driftMult
}

// Evaluate runs the full action cascade for one request, in precedence
// order: BUSY rate limit, probabilistic BUSY, synthetic fail, timeout,
// pass. The request arrival timestamp is recorded on entry; the Markov
// chain is stepped exactly once and both the fail and timeout branches
// observe the same post-transition state.
func (f *FaultInjector) Evaluate(cmd, sn string, cycles int) Decision {
	cfg := f.cfgFor(cmd)
	ctx := f.ctxFor(sn, cmd)

	now := f.now()
	prev := ctx.lastCmd
	ctx.lastCmd = now

	markovState := f.markovStep(cmd, sn)

	if busy := f.busyDecision(cfg, now, prev); busy.Should {
		return Decision{Action: ActionRespond, ErrorCode: busy.ErrorCode, Message: busy.Message}
	}
	if fail := f.failDecision(cfg, markovState, cycles); fail.Should {
		return Decision{Action: ActionRespond, ErrorCode: fail.ErrorCode, Message: fail.Message}
	}
	if to := f.timeoutDecision(cfg, markovState); to.Should {
		if to.Mode == "drop" {
			return Decision{Action: ActionDrop, Delay: to.Delay}
		}
		return Decision{Action: ActionDelay, Delay: to.Delay}
	}
	return Decision{Action: ActionPass}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
