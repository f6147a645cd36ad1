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

// Package dataset holds the clock- and port-level PTP datasets: the
// by-value records the event loop reads and the BMC engine mutates.
package dataset

import (
	"github.com/openptpd/ptpd/ptp/ptptime"
	"github.com/openptpd/ptpd/ptp/wire"
)

// DefaultDataSet describes the local clock's own identity and quality.
// It is initialized once from Configuration and the first port's
// identity, and rebuilt whenever the daemon reconfigures.
type DefaultDataSet struct {
	TwoStep       bool
	ClockIdentity wire.ClockIdentity
	NumPorts      uint16
	ClockQuality  wire.ClockQuality
	Priority1     uint8
	Priority2     uint8
	Domain        uint8
	SlaveOnly     bool
}

// NewDefaultDataSet builds the DefaultDataSet from a loaded Configuration
// and the ClockIdentity derived from the first usable interface.
func NewDefaultDataSet(cfg Configuration, id wire.ClockIdentity, numPorts uint16) DefaultDataSet {
	return DefaultDataSet{
		TwoStep:       !cfg.OneStepClock,
		ClockIdentity: id,
		NumPorts:      numPorts,
		ClockQuality:  cfg.ClockQuality,
		Priority1:     cfg.Priority1,
		Priority2:     cfg.Priority2,
		Domain:        cfg.Domain,
		SlaveOnly:     cfg.SlaveOnly,
	}
}

// CurrentDataSet tracks how far the local clock is from the grandmaster
// and how well disciplined it currently is. The BMC engine writes
// StepsRemoved; the servo writes OffsetFromMaster and MeanPathDelay.
type CurrentDataSet struct {
	StepsRemoved     uint32
	OffsetFromMaster ptptime.Correction
	MeanPathDelay    ptptime.Correction
}

// ParentDataSet identifies the port and clock this instance is
// synchronizing from, and the grandmaster at the root of that chain.
// When the local clock is mastering, ParentPortIdentity and
// GrandmasterIdentity both equal the local clock's own identity.
type ParentDataSet struct {
	ParentPortIdentity      wire.PortIdentity
	GrandmasterIdentity     wire.ClockIdentity
	GrandmasterClockQuality wire.ClockQuality
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
}

// SelfParentDataSet returns the ParentDataSet a clock presents when it is
// its own grandmaster (BMC decisions M1/M2).
func SelfParentDataSet(dds DefaultDataSet, localPort wire.PortIdentity) ParentDataSet {
	return ParentDataSet{
		ParentPortIdentity:      localPort,
		GrandmasterIdentity:     dds.ClockIdentity,
		GrandmasterClockQuality: dds.ClockQuality,
		GrandmasterPriority1:    dds.Priority1,
		GrandmasterPriority2:    dds.Priority2,
	}
}

// TimePropertiesDataSet describes the character of the time being
// distributed: its relationship to UTC, whether it is traceable to a
// primary reference, and where it ultimately comes from.
type TimePropertiesDataSet struct {
	CurrentUTCOffset      int16
	CurrentUTCOffsetValid bool
	Leap59                bool
	Leap61                bool
	TimeTraceable         bool
	FrequencyTraceable    bool
	PTPTimescale          bool
	TimeSource            wire.TimeSource
}

// FromAnnounceFlags copies the time properties carried by a winning Announce,
// per the S1 dataset effects: the slave inherits its notion of UTC
// offset and traceability from whichever grandmaster it follows.
func FromAnnounceFlags(flags uint16, utcOffset int16, timeSource wire.TimeSource) TimePropertiesDataSet {
	return TimePropertiesDataSet{
		CurrentUTCOffset:      utcOffset,
		CurrentUTCOffsetValid: flags&wire.FlagUTCOffsetValid != 0,
		Leap59:                flags&wire.FlagLeap59 != 0,
		Leap61:                flags&wire.FlagLeap61 != 0,
		TimeTraceable:         flags&wire.FlagTimeTraceable != 0,
		FrequencyTraceable:    flags&wire.FlagFrequencyTraceable != 0,
		PTPTimescale:          flags&wire.FlagPTPTimescale != 0,
		TimeSource:            timeSource,
	}
}

// Flags packs the dataset back into an Announce flagField, for a port
// that is itself mastering (M1/M2).
func (tp TimePropertiesDataSet) Flags() uint16 {
	var f uint16
	if tp.CurrentUTCOffsetValid {
		f |= wire.FlagUTCOffsetValid
	}
	if tp.Leap59 {
		f |= wire.FlagLeap59
	}
	if tp.Leap61 {
		f |= wire.FlagLeap61
	}
	if tp.TimeTraceable {
		f |= wire.FlagTimeTraceable
	}
	if tp.FrequencyTraceable {
		f |= wire.FlagFrequencyTraceable
	}
	if tp.PTPTimescale {
		f |= wire.FlagPTPTimescale
	}
	return f
}

// DelayMechanism identifies which delay-measurement mechanism a port
// uses. Only End-to-end is implemented; Peer-to-peer is a Non-goal.
type DelayMechanism uint8

const (
	DelayMechanismE2E DelayMechanism = iota
	DelayMechanismDisabled
)

// PortDataSet is the per-port configuration and negotiated state that
// the standard exposes as the PTP "portDS" managed object.
type PortDataSet struct {
	PortState                PortState
	PortIdentity             wire.PortIdentity
	VersionNumber            uint8
	LogAnnounceInterval      wire.LogInterval
	LogSyncInterval          wire.LogInterval
	LogMinDelayReqInterval   wire.LogInterval
	AnnounceReceiptTimeout   uint8
	PeerMeanPathDelay        ptptime.Correction
	DelayMechanism           DelayMechanism
}

// PortState mirrors wire.PortState; kept as its own name in this package
// so callers read "dataset.PortState" rather than reaching into wire for
// a concept that belongs to the port's dataset.
type PortState = wire.PortState

// NewPortDataSet builds the dataset for a freshly enumerated port. It
// starts DISABLED for the delay mechanism (E2E is enabled explicitly once
// the port activates) and INITIALIZING for port state, per §4.2.
func NewPortDataSet(identity wire.PortIdentity, cfg Configuration) PortDataSet {
	return PortDataSet{
		PortState:              wire.PortStateInitializing,
		PortIdentity:           identity,
		VersionNumber:          wire.VersionPTP,
		LogAnnounceInterval:    cfg.LogAnnounceInterval,
		LogSyncInterval:        cfg.LogSyncInterval,
		LogMinDelayReqInterval: cfg.LogDelayReqInterval,
		AnnounceReceiptTimeout: 4,
		DelayMechanism:         DelayMechanismDisabled,
	}
}
