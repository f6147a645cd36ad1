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

package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openptpd/ptpd/ptp/wire"
)

func testConfig() Configuration {
	return Configuration{
		Priority1:    128,
		Priority2:    128,
		Domain:       0,
		OneStepClock: false,
		ClockQuality: wire.ClockQuality{
			ClockClass:    wire.ClockClassDefault,
			ClockAccuracy: wire.ClockAccuracyUnknown,
		},
	}
}

func TestNewDefaultDataSetCopiesConfigAndIdentity(t *testing.T) {
	id := wire.ClockIdentity(0x001122fffe334455)
	dds := NewDefaultDataSet(testConfig(), id, 2)

	require.Equal(t, id, dds.ClockIdentity)
	require.Equal(t, uint16(2), dds.NumPorts)
	require.True(t, dds.TwoStep)
	require.Equal(t, uint8(128), dds.Priority1)
}

func TestNewDefaultDataSetOneStepClockIsNotTwoStep(t *testing.T) {
	cfg := testConfig()
	cfg.OneStepClock = true
	dds := NewDefaultDataSet(cfg, wire.ClockIdentity(1), 1)
	require.False(t, dds.TwoStep)
}

func TestSelfParentDataSetPointsAtOwnClock(t *testing.T) {
	id := wire.ClockIdentity(0x001122fffe334455)
	dds := NewDefaultDataSet(testConfig(), id, 1)
	port := wire.PortIdentity{ClockIdentity: id, PortNumber: 1}

	pds := SelfParentDataSet(dds, port)
	require.Equal(t, port, pds.ParentPortIdentity)
	require.Equal(t, id, pds.GrandmasterIdentity)
	require.Equal(t, dds.ClockQuality, pds.GrandmasterClockQuality)
}

func TestFromAnnounceFlagsRoundTripsThroughFlags(t *testing.T) {
	want := TimePropertiesDataSet{
		CurrentUTCOffsetValid: true,
		Leap59:                true,
		TimeTraceable:         true,
		PTPTimescale:          true,
		TimeSource:            wire.TimeSourceGNSS,
	}
	got := FromAnnounceFlags(want.Flags(), 0, wire.TimeSourceGNSS)
	got.TimeSource = wire.TimeSourceGNSS
	require.Equal(t, want.CurrentUTCOffsetValid, got.CurrentUTCOffsetValid)
	require.Equal(t, want.Leap59, got.Leap59)
	require.False(t, got.Leap61)
	require.Equal(t, want.TimeTraceable, got.TimeTraceable)
	require.False(t, got.FrequencyTraceable)
	require.Equal(t, want.PTPTimescale, got.PTPTimescale)
}

func TestNewPortDataSetStartsInitializing(t *testing.T) {
	identity := wire.PortIdentity{ClockIdentity: 1, PortNumber: 1}
	pds := NewPortDataSet(identity, testConfig())

	require.Equal(t, wire.PortStateInitializing, pds.PortState)
	require.Equal(t, DelayMechanismDisabled, pds.DelayMechanism)
	require.Equal(t, uint8(4), pds.AnnounceReceiptTimeout)
	require.Equal(t, identity, pds.PortIdentity)
}
