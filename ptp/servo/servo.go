/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package servo converts received master timestamps into the offset and
// mean path delay that drive the local clock, and turns that offset into
// either a step or a PI frequency trim on the clock adjuster.
package servo

import (
	"container/ring"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openptpd/ptpd/ptp/dataset"
	"github.com/openptpd/ptpd/ptp/ptptime"
)

// NumPathDelaySamples is the depth of the path-delay ring buffer, per
// §4.4's NUM_PATH_DELAY.
const NumPathDelaySamples = 5

// IDiv and PDiv are the fixed PI gains §4.4 specifies; this servo doesn't
// expose the teacher's configurable multi-profile kp/ki machinery because
// the spec pins these to constants.
const (
	IDiv = 1000.0
	PDiv = 30.0
)

// LargeOffsetThreshold is the |offset| above which sync_received steps
// the clock instead of disciplining it.
const LargeOffsetThreshold = 10 * time.Millisecond

// HugeDeltaSeconds is the |seconds| above which a sync sample is treated
// as a clock discontinuity: step immediately, update no PI state.
const HugeDeltaSeconds = 1000

// State reports what the most recent sync sample did to the servo.
type State uint8

const (
	StateInit State = iota
	StateJump
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Adjuster is the clock steering primitive the servo drives. It is
// consumed, not implemented, here — see ptp/clockadj for the Linux
// clock_adjtime-backed implementation.
type Adjuster interface {
	// Step moves the clock immediately by delta.
	Step(delta time.Duration) error
	// AdjustFrequency requests a frequency trim in parts-per-billion and
	// returns the adjuster's current tolerance (the previous one, per
	// §6, since tolerance does not change as a side effect of a
	// within-tolerance request).
	AdjustFrequency(ppb float64) (tolerancePPB float64, err error)
	// AdjustTick nudges the kernel tick by delta, used to walk the
	// oscillator back into the adjuster's frequency range after a
	// tolerance overrun.
	AdjustTick(delta int64) error
}

// Servo holds the PI disciplining state for the local clock; the engine
// shares one Servo across all of its ports. It is not
// safe for concurrent use; the event loop calls it from a single
// goroutine.
type Servo struct {
	adjuster Adjuster

	// OnStep, when non-nil, is called after every successful clock step,
	// so the owner can count steps without wrapping the adjuster.
	OnStep func()

	offsetIntegral  float64
	haveLastMaster  bool
	lastMasterTime  ptptime.Timestamp
	delayRingOrigin *ring.Ring // the slot the very first sample was written to
	delayRing       *ring.Ring // the slot the next sample will be written to
	delayRingFilled int
}

// New builds a Servo driving adjuster.
func New(adjuster Adjuster) *Servo {
	r := ring.New(NumPathDelaySamples)
	return &Servo{
		adjuster:        adjuster,
		delayRingOrigin: r,
		delayRing:       r,
	}
}

// SyncReceived implements the §4.4 sync_received contract: masterTime is
// the master's origin (or precise-origin) timestamp already corrected for
// residence and asymmetry; slaveArrival is this clock's own arrival
// timestamp for the same event. current.MeanPathDelay must already hold
// the most recent delay estimate; SyncReceived updates
// current.OffsetFromMaster and, via the PI trim, the adjuster's
// frequency.
func (s *Servo) SyncReceived(masterTime, slaveArrival ptptime.Timestamp, current *dataset.CurrentDataSet) State {
	// The wide check must run before Diff: a never-set clock against a
	// live master is an epoch-scale gap, outside Diff's 2^-16ns range.
	wide := ptptime.DiffDuration(slaveArrival, masterTime)
	if wide > HugeDeltaSeconds*time.Second || wide < -HugeDeltaSeconds*time.Second {
		s.step(wide, "huge offset")
		s.reset()
		return StateJump
	}

	delta := ptptime.Diff(slaveArrival, masterTime)
	offset := delta - current.MeanPathDelay
	current.OffsetFromMaster = offset

	if offset.Abs().Duration() > LargeOffsetThreshold {
		s.step(offset.Duration(), "offset")
		s.reset()
		return StateJump
	}

	return s.trim(masterTime, offset)
}

func (s *Servo) step(delta time.Duration, reason string) {
	if err := s.adjuster.Step(delta); err != nil {
		log.Warnf("servo: step failed for %s: %v", reason, err)
		return
	}
	if s.OnStep != nil {
		s.OnStep()
	}
}

func (s *Servo) reset() {
	s.haveLastMaster = false
	s.offsetIntegral = 0
}

// trim applies the PI control law: an integral term scaled by the
// observed sync spacing plus a proportional term, submitted to the
// adjuster as a frequency offset in ppb. The first sample after a reset
// seeds lastMasterTime and can't compute a spacing yet, so it only
// records the offset.
func (s *Servo) trim(masterTime ptptime.Timestamp, offset ptptime.Correction) State {
	if !s.haveLastMaster {
		s.lastMasterTime = masterTime
		s.haveLastMaster = true
		return StateInit
	}

	controlSpace := ptptime.Diff(masterTime, s.lastMasterTime).Duration()
	s.lastMasterTime = masterTime
	if controlSpace <= 0 {
		log.Warn("servo: non-positive sync spacing, skipping PI trim this round")
		return StateLocked
	}
	spaceCorr := float64(time.Second) / float64(controlSpace)

	offsetNs := float64(offset.Duration())
	s.offsetIntegral += -(offsetNs / IDiv) * spaceCorr
	pTrim := -(offsetNs / PDiv) * spaceCorr
	trimPPB := pTrim + s.offsetIntegral

	tolerance, err := s.adjuster.AdjustFrequency(trimPPB)
	if err != nil {
		log.Warnf("servo: adjust frequency failed: %v", err)
		return StateLocked
	}

	if trimPPB > tolerance {
		s.overrunTick(1)
	} else if trimPPB < -tolerance {
		s.overrunTick(-1)
	}
	return StateLocked
}

func (s *Servo) overrunTick(direction int64) {
	if err := s.adjuster.AdjustTick(direction); err != nil {
		log.Warnf("servo: adjust tick failed: %v", err)
	}
	if _, err := s.adjuster.AdjustFrequency(0); err != nil {
		log.Warnf("servo: resetting frequency to 0 failed: %v", err)
	}
	s.offsetIntegral = 0
}

// DelayReceived implements the §4.4 delay_received contract: slaveSend is
// this port's own Delay_Req departure timestamp (corrected for
// asymmetry); masterReceive is the receive timestamp the master echoed
// back in Delay_Resp. A negative or absurdly large round trip is
// discarded without touching current.MeanPathDelay.
func (s *Servo) DelayReceived(slaveSend, masterReceive ptptime.Timestamp, current *dataset.CurrentDataSet) {
	wide := ptptime.DiffDuration(masterReceive, slaveSend)
	if wide < 0 {
		log.Debug("servo: discarding negative-sign path delay sample")
		return
	}
	if wide > HugeDeltaSeconds*time.Second {
		log.Debug("servo: discarding absurdly large path delay sample")
		return
	}

	delta := ptptime.Diff(masterReceive, slaveSend)
	s.delayRing.Value = delta.Abs()
	s.delayRing = s.delayRing.Next()
	if s.delayRingFilled < NumPathDelaySamples {
		s.delayRingFilled++
	}

	current.MeanPathDelay = s.cascadedMean()
}

// cascadedMean recomputes the mean path delay as a cascaded pairwise
// running average over the ring's contents in oldest-to-newest order:
// seed from the two oldest samples, then fold in each remaining sample
// one at a time. This weights newer samples more heavily than older ones
// (geometric decay) while staying trivial to compute incrementally.
//
// Until the ring has filled once, the oldest sample is wherever writing
// started (delayRingOrigin); once full, the write cursor and the oldest
// slot coincide (the classic single-pointer ring-buffer invariant), so
// delayRing itself marks the start of the oldest-to-newest walk.
func (s *Servo) cascadedMean() ptptime.Correction {
	if s.delayRingFilled == 0 {
		return 0
	}

	start := s.delayRingOrigin
	if s.delayRingFilled == NumPathDelaySamples {
		start = s.delayRing
	}

	samples := make([]ptptime.Correction, 0, s.delayRingFilled)
	cur := start
	for i := 0; i < s.delayRingFilled; i++ {
		samples = append(samples, cur.Value.(ptptime.Correction))
		cur = cur.Next()
	}

	if len(samples) == 1 {
		return samples[0]
	}

	seed := (samples[0] + samples[1]) / 2
	for _, v := range samples[2:] {
		seed = (seed + v) / 2
	}
	return seed
}
