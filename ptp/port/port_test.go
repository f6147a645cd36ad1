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

package port

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openptpd/ptpd/ptp/bmc"
	"github.com/openptpd/ptpd/ptp/clockadj"
	"github.com/openptpd/ptpd/ptp/dataset"
	"github.com/openptpd/ptpd/ptp/ptptime"
	"github.com/openptpd/ptpd/ptp/servo"
	"github.com/openptpd/ptpd/ptp/wire"
)

// fakeTransmitter records every frame sent on it, keyed by message type.
type fakeTransmitter struct {
	sent map[wire.MessageType][][]byte
}

func newFakeTransmitter() *fakeTransmitter {
	return &fakeTransmitter{sent: map[wire.MessageType][][]byte{}}
}

func (f *fakeTransmitter) Send(kind wire.MessageType, b []byte) error {
	f.sent[kind] = append(f.sent[kind], b)
	return nil
}

func (f *fakeTransmitter) count(kind wire.MessageType) int {
	return len(f.sent[kind])
}

func testIdentity(n uint16) wire.PortIdentity {
	return wire.PortIdentity{ClockIdentity: wire.ClockIdentity(0x0011223344556677), PortNumber: n}
}

// foreignIdentity is a port on a different clock, for frames that must
// not be mistaken for looped-back own traffic.
func foreignIdentity(n uint16) wire.PortIdentity {
	return wire.PortIdentity{ClockIdentity: wire.ClockIdentity(0x8899aabbccddeeff), PortNumber: n}
}

func testConfig() dataset.Configuration {
	logInterval, _ := wire.NewLogInterval(time.Second)
	return dataset.Configuration{
		ClockQuality:        wire.ClockQuality{ClockClass: 248},
		Priority1:           128,
		Priority2:           128,
		Domain:              0,
		LogAnnounceInterval: logInterval,
		LogSyncInterval:     logInterval,
		LogDelayReqInterval: logInterval,
	}
}

func newTestPort(t *testing.T) (*Port, *fakeTransmitter) {
	t.Helper()
	identity := testIdentity(1)
	cfg := testConfig()
	dds := dataset.NewDefaultDataSet(cfg, identity.ClockIdentity, 1)
	current := &dataset.CurrentDataSet{}
	parent := &dataset.ParentDataSet{}
	timeProps := &dataset.TimePropertiesDataSet{}
	sv := servo.New(clockadj.New())
	tx := newFakeTransmitter()
	p := New(identity, cfg.Domain, cfg, &dds, current, parent, timeProps, sv, tx, 0)
	return p, tx
}

func TestInitializingAdvancesToListeningOnFirstTick(t *testing.T) {
	p, _ := newTestPort(t)
	require.Equal(t, wire.PortStateInitializing, p.Dataset.PortState)
	now := ptptime.FromTime(time.Now())
	p.Tick(now)
	require.Equal(t, wire.PortStateListening, p.Dataset.PortState)
}

func TestPreMasterQualifiesToMasterAndSendsImmediately(t *testing.T) {
	p, tx := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.ApplyDecision(now, bmc.Outcome{Decision: bmc.M1})
	require.Equal(t, wire.PortStatePreMaster, p.Dataset.PortState)

	later := now.Add(2 * time.Second)
	p.Tick(later)
	require.Equal(t, wire.PortStateMaster, p.Dataset.PortState)
	require.Equal(t, 1, tx.count(wire.MessageSync))
	require.Equal(t, 1, tx.count(wire.MessageFollowUp))
	require.Equal(t, 1, tx.count(wire.MessageAnnounce))
}

func TestRepeatedM1DoesNotKnockMasterBackToPreMaster(t *testing.T) {
	p, tx := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	require.True(t, p.ApplyDecision(now, bmc.Outcome{Decision: bmc.M1}))
	p.Tick(now.Add(2 * time.Second))
	require.Equal(t, wire.PortStateMaster, p.Dataset.PortState)
	sentSyncs := tx.count(wire.MessageSync)

	// BMC keeps emitting M1 every iteration while the port masters.
	require.False(t, p.ApplyDecision(now.Add(3*time.Second), bmc.Outcome{Decision: bmc.M1}))
	require.Equal(t, wire.PortStateMaster, p.Dataset.PortState)
	require.Equal(t, sentSyncs, tx.count(wire.MessageSync))
}

func TestRepeatedS1FromSameMasterStaysPutAndRefreshesDatasets(t *testing.T) {
	p, tx := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // -> LISTENING

	src := foreignIdentity(2)
	ann := wire.AnnounceMessage{
		Header:       wire.Header{DomainNumber: 0, SourcePortIdentity: src},
		StepsRemoved: 0,
	}
	p.Foreign.Observe(src, p.Identity, now, ann)
	cand := bmc.Candidate{SourcePortIdentity: src, DestinationPortIdentity: &p.Identity}
	require.True(t, p.ApplyDecision(now, bmc.Outcome{Decision: bmc.S1, Winner: &cand}))
	require.Equal(t, wire.PortStateUncalibrated, p.Dataset.PortState)
	sentReqs := tx.count(wire.MessageDelayReq)

	// The master's next Announce bumps its steps_removed; a repeated S1
	// must pick that up without re-entering UNCALIBRATED.
	ann.StepsRemoved = 3
	p.Foreign.Observe(src, p.Identity, now.Add(time.Second), ann)
	require.False(t, p.ApplyDecision(now.Add(time.Second), bmc.Outcome{Decision: bmc.S1, Winner: &cand}))
	require.Equal(t, wire.PortStateUncalibrated, p.Dataset.PortState)
	require.Equal(t, uint32(4), p.current.StepsRemoved)
	require.Equal(t, sentReqs, tx.count(wire.MessageDelayReq))
}

func TestAlternateMasterAnnounceIsRejected(t *testing.T) {
	p, _ := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // -> LISTENING
	ann := &wire.AnnounceMessage{
		Header: wire.Header{
			DomainNumber:       0,
			FlagField:          wire.FlagAlternateMaster,
			SourcePortIdentity: foreignIdentity(2),
		},
	}
	err := p.HandleReceive(wire.MessageAnnounce, ann, now)
	require.NoError(t, err)
	require.Equal(t, 0, p.Foreign.Len())
}

func TestLoopedBackOwnFrameIsNotDispatched(t *testing.T) {
	p, _ := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // -> LISTENING

	// Multicast loopback delivers the port's own Announce back to it; it
	// must not become a foreign-master entry.
	ann := &wire.AnnounceMessage{
		Header: wire.Header{DomainNumber: 0, SourcePortIdentity: testIdentity(1)},
	}
	require.NoError(t, p.HandleReceive(wire.MessageAnnounce, ann, now))
	require.Equal(t, 0, p.Foreign.Len())
}

func TestAnnounceFromForeignMasterIsRecorded(t *testing.T) {
	p, _ := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // -> LISTENING
	ann := &wire.AnnounceMessage{
		Header: wire.Header{
			DomainNumber:       0,
			SourcePortIdentity: foreignIdentity(2),
		},
		GrandmasterIdentity: wire.ClockIdentity(0xaabbccddeeff0011),
	}
	err := p.HandleReceive(wire.MessageAnnounce, ann, now)
	require.NoError(t, err)
	require.Equal(t, 1, p.Foreign.Len())
}

func TestWrongDomainMessageIsSilentlyDropped(t *testing.T) {
	p, _ := newTestPort(t)
	p.Tick(ptptime.FromTime(time.Now())) // -> LISTENING
	now := ptptime.FromTime(time.Now())
	ann := &wire.AnnounceMessage{
		Header: wire.Header{
			DomainNumber:       7,
			SourcePortIdentity: foreignIdentity(2),
		},
	}
	err := p.HandleReceive(wire.MessageAnnounce, ann, now)
	require.NoError(t, err)
	require.Equal(t, 0, p.Foreign.Len())
}

func TestMasterAnswersDelayReq(t *testing.T) {
	p, tx := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.ApplyDecision(now, bmc.Outcome{Decision: bmc.M1})
	p.Tick(now.Add(2 * time.Second))
	require.Equal(t, wire.PortStateMaster, p.Dataset.PortState)

	req := &wire.SyncMessage{
		Header: wire.Header{
			DomainNumber:       0,
			SourcePortIdentity: foreignIdentity(9),
			SequenceID:         42,
		},
	}
	err := p.HandleReceive(wire.MessageDelayReq, req, now.Add(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, tx.count(wire.MessageDelayResp))
}

func TestListeningPortIgnoresDelayReq(t *testing.T) {
	p, tx := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now)
	require.Equal(t, wire.PortStateListening, p.Dataset.PortState)

	req := &wire.SyncMessage{Header: wire.Header{DomainNumber: 0, SourcePortIdentity: foreignIdentity(9)}}
	err := p.HandleReceive(wire.MessageDelayReq, req, now)
	require.NoError(t, err)
	require.Equal(t, 0, tx.count(wire.MessageDelayResp))
}

func TestS1AppliesParentDatasetAndEntersUncalibrated(t *testing.T) {
	p, tx := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // -> LISTENING

	src := foreignIdentity(2)
	ann := wire.AnnounceMessage{
		Header:              wire.Header{DomainNumber: 0, SourcePortIdentity: src},
		GrandmasterIdentity: wire.ClockIdentity(0x1234),
		StepsRemoved:        0,
	}
	p.Foreign.Observe(src, p.Identity, now, ann)

	cand := bmc.Candidate{
		GrandmasterIdentity:     ann.GrandmasterIdentity,
		SourcePortIdentity:      src,
		DestinationPortIdentity: &p.Identity,
	}
	p.ApplyDecision(now, bmc.Outcome{Decision: bmc.S1, Winner: &cand})

	require.Equal(t, wire.PortStateUncalibrated, p.Dataset.PortState)
	require.Equal(t, ann.GrandmasterIdentity, p.parent.GrandmasterIdentity)
	require.Equal(t, uint32(1), p.current.StepsRemoved)
	require.Equal(t, 1, tx.count(wire.MessageDelayReq))
}

func TestPromoteToSlaveOnlyFromUncalibrated(t *testing.T) {
	p, _ := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // LISTENING

	p.PromoteToSlave(now)
	require.Equal(t, wire.PortStateListening, p.Dataset.PortState, "promotion from a non-UNCALIBRATED state must be a no-op")

	src := foreignIdentity(2)
	ann := wire.AnnounceMessage{Header: wire.Header{DomainNumber: 0, SourcePortIdentity: src}}
	p.Foreign.Observe(src, p.Identity, now, ann)
	cand := bmc.Candidate{SourcePortIdentity: src, DestinationPortIdentity: &p.Identity}
	p.ApplyDecision(now, bmc.Outcome{Decision: bmc.S1, Winner: &cand})
	require.Equal(t, wire.PortStateUncalibrated, p.Dataset.PortState)

	p.PromoteToSlave(now)
	require.Equal(t, wire.PortStateSlave, p.Dataset.PortState)
}

func TestTwoStepSyncWaitsForMatchingFollowUp(t *testing.T) {
	p, _ := newTestPort(t)
	now := ptptime.FromTime(time.Now())
	p.Tick(now) // LISTENING

	src := foreignIdentity(2)
	ann := wire.AnnounceMessage{Header: wire.Header{DomainNumber: 0, SourcePortIdentity: src}}
	p.Foreign.Observe(src, p.Identity, now, ann)
	cand := bmc.Candidate{SourcePortIdentity: src, DestinationPortIdentity: &p.Identity}
	p.ApplyDecision(now, bmc.Outcome{Decision: bmc.S1, Winner: &cand})
	require.Equal(t, wire.PortStateUncalibrated, p.Dataset.PortState)

	sync := &wire.SyncMessage{
		Header: wire.Header{
			DomainNumber:       0,
			SourcePortIdentity: src,
			SequenceID:         5,
			FlagField:          wire.FlagTwoStep,
		},
	}
	require.NoError(t, p.HandleReceive(wire.MessageSync, sync, now))
	require.True(t, p.pendingSyncValid)

	mismatched := &wire.FollowUpMessage{Header: wire.Header{DomainNumber: 0, SourcePortIdentity: src, SequenceID: 6}}
	require.Error(t, p.HandleReceive(wire.MessageFollowUp, mismatched, now))

	matching := &wire.FollowUpMessage{
		Header:                 wire.Header{DomainNumber: 0, SourcePortIdentity: src, SequenceID: 5},
		PreciseOriginTimestamp: now,
	}
	require.NoError(t, p.HandleReceive(wire.MessageFollowUp, matching, now))
	require.False(t, p.pendingSyncValid)
}
