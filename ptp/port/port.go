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

// Package port implements the per-port PTP state machine: the nine
// states, their timers, and the receive dispatch rules that drive the
// foreign-master table and the slave servo.
package port

import (
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openptpd/ptpd/ptp/bmc"
	"github.com/openptpd/ptpd/ptp/dataset"
	"github.com/openptpd/ptpd/ptp/foreignmaster"
	"github.com/openptpd/ptpd/ptp/ptptime"
	"github.com/openptpd/ptpd/ptp/servo"
	"github.com/openptpd/ptpd/ptp/wire"
)

// Transmitter is the outbound send capability a Port needs. Declared
// locally so this package has no import-time dependency on the socket
// layer; ptp/transport satisfies it structurally.
type Transmitter interface {
	Send(kind wire.MessageType, b []byte) error
}

// timer is an armable one-shot deadline expressed in protocol time.
type timer struct {
	deadline ptptime.Timestamp
	armed    bool
}

func (t *timer) arm(now ptptime.Timestamp, d time.Duration) {
	t.deadline = now.Add(d)
	t.armed = true
}

func (t *timer) stop() {
	t.armed = false
}

func (t *timer) expired(now ptptime.Timestamp) bool {
	return t.armed && !now.Before(t.deadline)
}

// Port is one PTP port's state machine, foreign-master table and servo
// binding. It is not safe for concurrent use; the owning engine drives it
// from a single goroutine.
type Port struct {
	Identity wire.PortIdentity
	Domain   uint8
	Dataset  dataset.PortDataSet
	Foreign  *foreignmaster.Table
	Servo    *servo.Servo

	dds       *dataset.DefaultDataSet
	current   *dataset.CurrentDataSet
	parent    *dataset.ParentDataSet
	timeProps *dataset.TimePropertiesDataSet

	tx                  Transmitter
	rnd                 *rand.Rand
	asymmetryCorrection ptptime.Correction

	currentMaster     wire.ClockIdentity
	haveCurrentMaster bool

	syncSeqID     uint16
	delayReqSeqID uint16
	announceSeqID uint16

	announceSendTimer timer // also doubles as the PRE_MASTER qualification timer
	syncSendTimer     timer
	delayReqSendTimer timer
	announceRecvTimer timer

	pendingSyncValid      bool
	pendingSyncSeqID      uint16
	pendingSyncCorrection ptptime.Correction
	pendingSyncArrival    ptptime.Timestamp

	delayReqSendTime ptptime.Timestamp
	delayRespCount   int

	log *log.Entry
}

// New builds a Port in the INITIALIZING state. dds/current/parent/
// timeProps are the clock-wide datasets shared by every port on this
// clock; New does not take ownership of them beyond holding the pointers
// BMC and the receive path write through.
func New(
	identity wire.PortIdentity,
	domain uint8,
	cfg dataset.Configuration,
	dds *dataset.DefaultDataSet,
	current *dataset.CurrentDataSet,
	parent *dataset.ParentDataSet,
	timeProps *dataset.TimePropertiesDataSet,
	sv *servo.Servo,
	tx Transmitter,
	asymmetryCorrection ptptime.Correction,
) *Port {
	return &Port{
		Identity:            identity,
		Domain:              domain,
		Dataset:             dataset.NewPortDataSet(identity, cfg),
		Foreign:             &foreignmaster.Table{},
		Servo:               sv,
		dds:                 dds,
		current:             current,
		parent:              parent,
		timeProps:           timeProps,
		tx:                  tx,
		rnd:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		asymmetryCorrection: asymmetryCorrection,
		log:                 log.WithField("port", identity.PortNumber),
	}
}

// Tick runs this port's per-state timer-driven actions for the current
// iteration and returns the earliest future deadline across its armed
// timers.
func (p *Port) Tick(now ptptime.Timestamp) ptptime.Timestamp {
	switch p.Dataset.PortState {
	case wire.PortStateInitializing:
		p.transition(wire.PortStateListening, now)
	case wire.PortStatePreMaster:
		if p.announceSendTimer.expired(now) {
			p.log.Debug("qualification timeout expired")
			p.transitionToMaster(now)
		}
	case wire.PortStateMaster:
		p.tickMaster(now)
	case wire.PortStateUncalibrated, wire.PortStateSlave:
		if p.delayReqSendTimer.expired(now) {
			p.doSendDelayReq(now)
		}
	}
	return p.nextDeadline(now)
}

// transition moves the port to a new state and runs its on-entry action,
// for the states whose entry action is nothing more than arming or
// stopping the announce-receive timer.
func (p *Port) transition(to wire.PortState, now ptptime.Timestamp) {
	from := p.Dataset.PortState
	if from == to {
		return
	}
	p.log.Infof("%s -> %s", from, to)
	p.Dataset.PortState = to
	switch to {
	case wire.PortStateFaulty, wire.PortStateDisabled, wire.PortStateInitializing:
		p.announceRecvTimer.stop()
	case wire.PortStateListening, wire.PortStatePassive, wire.PortStateSlave:
		if from == wire.PortStateInitializing {
			p.Dataset.DelayMechanism = dataset.DelayMechanismE2E
		}
		p.restartAnnounceRecvTimer(now)
	}
}

// enterPreMaster arms the qualification delay (N announce intervals) per
// M1/M2 (N=1) or M3 (N=steps_removed+1).
func (p *Port) enterPreMaster(now ptptime.Timestamp, n uint16) {
	p.log.Infof("%s -> PRE_MASTER (N=%d)", p.Dataset.PortState, n)
	p.Dataset.PortState = wire.PortStatePreMaster
	p.announceRecvTimer.stop()
	interval := time.Duration(n) * p.Dataset.LogAnnounceInterval.Duration()
	p.announceSendTimer.arm(now, interval)
}

// transitionToMaster fires when the PRE_MASTER qualification timer
// expires: reset sequence counters, stop the announce-receive timer, and
// send the first Sync and Announce immediately.
func (p *Port) transitionToMaster(now ptptime.Timestamp) {
	p.log.Info("PRE_MASTER -> MASTER")
	p.Dataset.PortState = wire.PortStateMaster
	p.syncSeqID = 0
	p.delayReqSeqID = 0
	p.announceRecvTimer.stop()
	p.doSendSync(now)
	p.doSendAnnounce(now)
}

func (p *Port) tickMaster(now ptptime.Timestamp) {
	if p.syncSendTimer.expired(now) {
		p.doSendSync(now)
	}
	if p.announceSendTimer.expired(now) {
		p.doSendAnnounce(now)
	}
}

// enterUncalibrated resets sequence counters, restarts the
// announce-receive timer, and sends the first Delay_Req immediately; the
// C source notes this send is skipped when entering from UNCALIBRATED
// into SLAVE because SLAVE inherits an already-running delay_req cadence.
func (p *Port) enterUncalibrated(now ptptime.Timestamp) {
	p.log.Infof("%s -> UNCALIBRATED", p.Dataset.PortState)
	p.Dataset.PortState = wire.PortStateUncalibrated
	p.syncSeqID = 0
	p.delayReqSeqID = 0
	p.delayRespCount = 0
	p.restartAnnounceRecvTimer(now)
	p.doSendDelayReq(now)
}

// PromoteToSlave implements the externally commanded
// PTP_MASTER_CLOCK_SELECTED transition from UNCALIBRATED to SLAVE. The
// calibration criterion (how many Delay_Resp round trips, how long to
// wait) is a caller decision; §4.3 only specifies that the transition is
// commanded externally.
func (p *Port) PromoteToSlave(now ptptime.Timestamp) {
	if p.Dataset.PortState != wire.PortStateUncalibrated {
		return
	}
	p.log.Info("UNCALIBRATED -> SLAVE")
	p.transition(wire.PortStateSlave, now)
}

func (p *Port) restartAnnounceRecvTimer(now ptptime.Timestamp) {
	interval := p.Dataset.LogAnnounceInterval.Duration()
	base := time.Duration(p.Dataset.AnnounceReceiptTimeout) * interval
	jitter := time.Duration(0)
	if interval > 0 {
		jitter = time.Duration(p.rnd.Int63n(int64(interval) + 1))
	}
	p.announceRecvTimer.arm(now, base+jitter)
}

// armDelayReqRandom arms the delay_req send timer for a random interval
// in [2^log_min_mean_delay_req_interval, 2^(log_min_mean_delay_req_interval+1)).
func (p *Port) armDelayReqRandom(now ptptime.Timestamp) {
	lo := p.Dataset.LogMinDelayReqInterval.Duration()
	span := lo // 2^(n+1) - 2^n == 2^n
	d := lo
	if span > 0 {
		d = lo + time.Duration(p.rnd.Int63n(int64(span)))
	}
	p.delayReqSendTimer.arm(now, d)
}

func (p *Port) nextDeadline(now ptptime.Timestamp) ptptime.Timestamp {
	deadline := now.Add(120 * time.Second)
	timers := []*timer{&p.announceSendTimer, &p.syncSendTimer, &p.delayReqSendTimer, &p.announceRecvTimer}
	for _, t := range timers {
		if t.armed && t.deadline.Before(deadline) {
			deadline = t.deadline
		}
	}
	return deadline
}

// AnnounceReceiptExpired reports whether this port's announce-receive
// timer has expired, the signal BMC needs to know whether a LISTENING
// port with no Erbest may still be elevated by M3.
func (p *Port) AnnounceReceiptExpired(now ptptime.Timestamp) bool {
	return p.announceRecvTimer.expired(now)
}

// AgeForeignMasters reaps foreign-master entries with no arrival inside
// the announce window, per §4.2.
func (p *Port) AgeForeignMasters(now ptptime.Timestamp) {
	window := time.Duration(p.Dataset.AnnounceReceiptTimeout) * p.Dataset.LogAnnounceInterval.Duration()
	foreignmaster.Age(p.Foreign, now, window)
}

// BMCInput builds this port's bmc.PortInput for the current iteration.
func (p *Port) BMCInput(now ptptime.Timestamp) bmc.PortInput {
	input := bmc.PortInput{
		PortIdentity:                p.Identity,
		State:                       p.Dataset.PortState,
		AnnounceReceiptTimerExpired: p.AnnounceReceiptExpired(now),
	}
	if cand, _, ok := bmc.BestForeignMaster(p.Foreign, p.Identity); ok {
		input.Erbest = &cand
	}
	return input
}

// ApplyDecision applies one iteration's BMC outcome to the port, per the
// §4.3 dataset-effects table, and reports whether the port actually
// changed state. BMC re-emits the same decision every iteration while
// nothing on the network changes, so a decision whose target state the
// port already occupies is a no-op: a mastering port must not be knocked
// back to PRE_MASTER, and a repeated S1 from the same master must not
// re-enter UNCALIBRATED.
func (p *Port) ApplyDecision(now ptptime.Timestamp, outcome bmc.Outcome) bool {
	switch outcome.Decision {
	case bmc.M1, bmc.M2:
		if p.mastering() {
			return false
		}
		*p.parent = dataset.SelfParentDataSet(*p.dds, p.Identity)
		p.current.StepsRemoved = 0
		p.current.OffsetFromMaster = 0
		p.current.MeanPathDelay = 0
		p.haveCurrentMaster = false
		p.enterPreMaster(now, 1)
		return true
	case bmc.M3:
		if outcome.Winner == nil || p.mastering() {
			return false
		}
		p.enterPreMaster(now, outcome.Winner.StepsRemoved+1)
		return true
	case bmc.P1, bmc.P2:
		if p.Dataset.PortState == wire.PortStatePassive {
			return false
		}
		p.transition(wire.PortStatePassive, now)
		return true
	case bmc.S1:
		return p.applyS1(now, outcome.Winner)
	default:
		return false
	}
}

func (p *Port) mastering() bool {
	return p.Dataset.PortState == wire.PortStatePreMaster || p.Dataset.PortState == wire.PortStateMaster
}

// applyS1 refreshes the parent/time-properties/current datasets from the
// winning Announce on every S1, but only transitions to UNCALIBRATED
// when the master is new or the port wasn't already tracking one.
func (p *Port) applyS1(now ptptime.Timestamp, winner *bmc.Candidate) bool {
	if winner == nil {
		return false
	}
	entry := p.foreignEntryFor(winner.SourcePortIdentity)
	if entry == nil {
		p.log.Warn("S1 decision but the winning foreign entry is gone")
		return false
	}
	ann := entry.Announce
	sameMaster := p.haveCurrentMaster && ann.SourcePortIdentity.ClockIdentity == p.currentMaster

	p.parent.ParentPortIdentity = ann.SourcePortIdentity
	p.parent.GrandmasterIdentity = ann.GrandmasterIdentity
	p.parent.GrandmasterClockQuality = ann.GrandmasterClockQuality
	p.parent.GrandmasterPriority1 = ann.GrandmasterPriority1
	p.parent.GrandmasterPriority2 = ann.GrandmasterPriority2
	*p.timeProps = dataset.FromAnnounceFlags(ann.FlagField, ann.CurrentUTCOffset, ann.TimeSource)
	p.current.StepsRemoved = uint32(ann.StepsRemoved) + 1
	p.currentMaster = ann.SourcePortIdentity.ClockIdentity
	p.haveCurrentMaster = true

	switch p.Dataset.PortState {
	case wire.PortStateSlave, wire.PortStateUncalibrated:
		if sameMaster {
			return false
		}
	}
	p.enterUncalibrated(now)
	return true
}

func (p *Port) foreignEntryFor(src wire.PortIdentity) *foreignmaster.Entry {
	for _, e := range p.Foreign.Entries() {
		if e.SrcPortIdentity == src {
			return e
		}
	}
	return nil
}

func (p *Port) fromCurrentMaster(src wire.PortIdentity) bool {
	return p.haveCurrentMaster && src.ClockIdentity == p.currentMaster
}

// --- outbound message construction ---

func (p *Port) doSendSync(now ptptime.Timestamp) {
	if err := p.sendSync(now); err != nil {
		p.log.Warnf("send sync failed: %v", err)
		return
	}
	p.syncSeqID++
	p.syncSendTimer.arm(now, p.Dataset.LogSyncInterval.Duration())
}

func (p *Port) sendSync(now ptptime.Timestamp) error {
	var flags uint16
	if p.dds.TwoStep {
		flags |= wire.FlagTwoStep
	}
	h, err := wire.NewHeader(wire.MessageSync, p.Domain, p.Identity, p.syncSeqID, p.Dataset.LogSyncInterval, 0, flags)
	if err != nil {
		return err
	}
	msg := &wire.SyncMessage{Header: h, OriginTimestamp: now}
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.tx.Send(wire.MessageSync, b); err != nil {
		return err
	}
	if !p.dds.TwoStep {
		return nil
	}
	fh, err := wire.NewHeader(wire.MessageFollowUp, p.Domain, p.Identity, p.syncSeqID, p.Dataset.LogSyncInterval, 0, 0)
	if err != nil {
		return err
	}
	fm := &wire.FollowUpMessage{Header: fh, PreciseOriginTimestamp: now}
	fb, err := fm.MarshalBinary()
	if err != nil {
		return err
	}
	return p.tx.Send(wire.MessageFollowUp, fb)
}

func (p *Port) doSendAnnounce(now ptptime.Timestamp) {
	if err := p.sendAnnounce(now); err != nil {
		p.log.Warnf("send announce failed: %v", err)
		return
	}
	p.announceSeqID++
	p.announceSendTimer.arm(now, p.Dataset.LogAnnounceInterval.Duration())
}

func (p *Port) sendAnnounce(now ptptime.Timestamp) error {
	h, err := wire.NewHeader(wire.MessageAnnounce, p.Domain, p.Identity, p.announceSeqID, p.Dataset.LogAnnounceInterval, 0, p.timeProps.Flags())
	if err != nil {
		return err
	}
	msg := &wire.AnnounceMessage{
		Header:                  h,
		OriginTimestamp:         now,
		CurrentUTCOffset:        p.timeProps.CurrentUTCOffset,
		GrandmasterPriority1:    p.parent.GrandmasterPriority1,
		GrandmasterClockQuality: p.parent.GrandmasterClockQuality,
		GrandmasterPriority2:    p.parent.GrandmasterPriority2,
		GrandmasterIdentity:     p.parent.GrandmasterIdentity,
		StepsRemoved:            uint16(p.current.StepsRemoved),
		TimeSource:              p.timeProps.TimeSource,
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return p.tx.Send(wire.MessageAnnounce, b)
}

func (p *Port) doSendDelayReq(now ptptime.Timestamp) {
	if err := p.sendDelayReq(now); err != nil {
		p.log.Warnf("send delay_req failed: %v", err)
		return
	}
	p.delayReqSeqID++
	p.armDelayReqRandom(now)
}

func (p *Port) sendDelayReq(now ptptime.Timestamp) error {
	h, err := wire.NewHeader(wire.MessageDelayReq, p.Domain, p.Identity, p.delayReqSeqID, p.Dataset.LogMinDelayReqInterval, 0, 0)
	if err != nil {
		return err
	}
	msg := &wire.SyncMessage{Header: h}
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.tx.Send(wire.MessageDelayReq, b); err != nil {
		return err
	}
	p.delayReqSendTime = now
	return nil
}

func (p *Port) sendDelayResp(arrival ptptime.Timestamp, req wire.Header) error {
	correctedArrival := arrival.AddCorrection(p.asymmetryCorrection)
	h, err := wire.NewHeader(wire.MessageDelayResp, p.Domain, p.Identity, req.SequenceID, p.Dataset.LogMinDelayReqInterval, req.CorrectionField, 0)
	if err != nil {
		return err
	}
	msg := &wire.DelayRespMessage{
		Header:                 h,
		ReceiveTimestamp:       correctedArrival,
		RequestingPortIdentity: req.SourcePortIdentity,
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return p.tx.Send(wire.MessageDelayResp, b)
}

// --- receive dispatch ---

func messageHeader(msg interface{}) (wire.Header, bool) {
	switch m := msg.(type) {
	case *wire.SyncMessage:
		return m.Header, true
	case *wire.FollowUpMessage:
		return m.Header, true
	case *wire.DelayRespMessage:
		return m.Header, true
	case *wire.AnnounceMessage:
		return m.Header, true
	default:
		return wire.Header{}, false
	}
}

// HandleReceive dispatches one decoded message, per §4.2's receive
// rules. It silently drops messages from the wrong domain, and messages
// received while INITIALIZING/DISABLED/FAULTY.
func (p *Port) HandleReceive(kind wire.MessageType, msg interface{}, arrival ptptime.Timestamp) error {
	h, ok := messageHeader(msg)
	if !ok {
		return nil
	}
	// Multicast loopback is enabled so sends complete through the
	// receive path; an own frame marks that completion and must not be
	// dispatched (a mastering port would otherwise observe itself as a
	// foreign master).
	if h.SourcePortIdentity.ClockIdentity == p.Identity.ClockIdentity {
		return nil
	}
	if h.DomainNumber != p.Domain {
		return nil
	}
	switch p.Dataset.PortState {
	case wire.PortStateInitializing, wire.PortStateDisabled, wire.PortStateFaulty:
		return nil
	}

	switch kind {
	case wire.MessageSync:
		return p.handleSync(msg.(*wire.SyncMessage), arrival)
	case wire.MessageFollowUp:
		return p.handleFollowUp(msg.(*wire.FollowUpMessage))
	case wire.MessageAnnounce:
		return p.handleAnnounce(msg.(*wire.AnnounceMessage), arrival)
	case wire.MessageDelayReq:
		return p.handleDelayReq(msg.(*wire.SyncMessage), arrival)
	case wire.MessageDelayResp:
		return p.handleDelayResp(msg.(*wire.DelayRespMessage))
	default:
		return nil
	}
}

func (p *Port) handleSync(m *wire.SyncMessage, arrival ptptime.Timestamp) error {
	if p.Dataset.PortState != wire.PortStateSlave && p.Dataset.PortState != wire.PortStateUncalibrated {
		return nil
	}
	if !p.fromCurrentMaster(m.SourcePortIdentity) {
		return nil
	}
	if m.FlagField&wire.FlagTwoStep == 0 {
		masterTime := m.OriginTimestamp.AddCorrection(m.CorrectionField + p.asymmetryCorrection)
		p.Servo.SyncReceived(masterTime, arrival, p.current)
		return nil
	}
	p.pendingSyncValid = true
	p.pendingSyncSeqID = m.SequenceID
	p.pendingSyncCorrection = m.CorrectionField
	p.pendingSyncArrival = arrival
	return nil
}

func (p *Port) handleFollowUp(m *wire.FollowUpMessage) error {
	if p.Dataset.PortState != wire.PortStateSlave && p.Dataset.PortState != wire.PortStateUncalibrated {
		return nil
	}
	if !p.fromCurrentMaster(m.SourcePortIdentity) {
		return nil
	}
	if !p.pendingSyncValid || p.pendingSyncSeqID != m.SequenceID {
		return fmt.Errorf("port: follow_up from current master, seq_id mismatch: have %d want %d", m.SequenceID, p.pendingSyncSeqID)
	}
	masterTime := m.PreciseOriginTimestamp.AddCorrection(p.pendingSyncCorrection + m.CorrectionField + p.asymmetryCorrection)
	p.Servo.SyncReceived(masterTime, p.pendingSyncArrival, p.current)
	p.pendingSyncValid = false
	return nil
}

func (p *Port) handleAnnounce(m *wire.AnnounceMessage, arrival ptptime.Timestamp) error {
	if m.FlagField&wire.FlagAlternateMaster != 0 {
		return nil
	}

	switch p.Dataset.PortState {
	case wire.PortStateUncalibrated, wire.PortStateSlave, wire.PortStatePassive:
		if p.fromCurrentMaster(m.SourcePortIdentity) {
			p.restartAnnounceRecvTimer(arrival)
		}
	}

	p.Foreign.Observe(m.SourcePortIdentity, p.Identity, arrival, *m)
	return nil
}

func (p *Port) handleDelayReq(m *wire.SyncMessage, arrival ptptime.Timestamp) error {
	if p.Dataset.PortState != wire.PortStateMaster {
		return nil
	}
	return p.sendDelayResp(arrival, m.Header)
}

func (p *Port) handleDelayResp(m *wire.DelayRespMessage) error {
	if p.Dataset.PortState != wire.PortStateSlave && p.Dataset.PortState != wire.PortStateUncalibrated {
		return nil
	}
	if !p.fromCurrentMaster(m.SourcePortIdentity) {
		return nil
	}
	if m.SequenceID != p.delayReqSeqID-1 {
		return nil
	}
	slaveSend := p.delayReqSendTime.AddCorrection(m.CorrectionField - p.asymmetryCorrection)
	p.Servo.DelayReceived(slaveSend, m.ReceiveTimestamp, p.current)
	p.delayRespCount++
	return nil
}

// Reset forces the port back to INITIALIZING and stops every timer,
// per §4.5's monotonic clock-step handling: the engine calls this on
// every port when the system clock is observed to have moved backwards.
func (p *Port) Reset(now ptptime.Timestamp) {
	p.log.Warn("forced reset -> INITIALIZING")
	p.Dataset.PortState = wire.PortStateInitializing
	p.announceSendTimer.stop()
	p.syncSendTimer.stop()
	p.delayReqSendTimer.stop()
	p.announceRecvTimer.stop()
	p.pendingSyncValid = false
	p.haveCurrentMaster = false
	p.delayRespCount = 0
}

// DelayRespCount reports how many Delay_Resp round trips this port has
// completed with its current master. The engine uses this as the
// calibration criterion for the externally commanded UNCALIBRATED ->
// SLAVE transition (§4.2, §4.3's S1 note): §4.3 leaves the exact
// criterion to the caller, so this core requires at least one completed
// round trip before promoting.
func (p *Port) DelayRespCount() int {
	return p.delayRespCount
}
