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

package foreignmaster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openptpd/ptpd/ptp/ptptime"
	"github.com/openptpd/ptpd/ptp/wire"
)

func src(n uint16) wire.PortIdentity {
	return wire.PortIdentity{ClockIdentity: wire.ClockIdentity(n), PortNumber: 1}
}

func dst() wire.PortIdentity {
	return wire.PortIdentity{ClockIdentity: 0xff, PortNumber: 1}
}

func TestObserveInsertsNewEntry(t *testing.T) {
	var tbl Table
	h, ok := tbl.Observe(src(1), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	require.True(t, ok)
	require.Equal(t, 1, tbl.Len())

	e, ok := tbl.Get(h)
	require.True(t, ok)
	require.Equal(t, src(1), e.SrcPortIdentity)
}

func TestObserveUpdatesExistingEntryInPlace(t *testing.T) {
	var tbl Table
	h1, _ := tbl.Observe(src(1), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	h2, ok := tbl.Observe(src(1), dst(), ptptime.New(1, 0), wire.AnnounceMessage{})
	require.True(t, ok)
	require.Equal(t, h1, h2)
	require.Equal(t, 1, tbl.Len())
}

func TestTableNeverExceedsCapacity(t *testing.T) {
	var tbl Table
	for i := 0; i < MaxEntries; i++ {
		_, ok := tbl.Observe(src(uint16(i+1)), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
		require.True(t, ok)
	}
	require.Equal(t, MaxEntries, tbl.Len())

	_, ok := tbl.Observe(src(999), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	require.False(t, ok)
	require.Equal(t, MaxEntries, tbl.Len())
}

func TestFreedSlotAcceptsNewEntry(t *testing.T) {
	var tbl Table
	for i := 0; i < MaxEntries; i++ {
		tbl.Observe(src(uint16(i+1)), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	}
	Age(&tbl, ptptime.New(100, 0), 2*time.Second)
	require.Equal(t, 0, tbl.Len())

	_, ok := tbl.Observe(src(42), dst(), ptptime.New(100, 0), wire.AnnounceMessage{})
	require.True(t, ok)
	require.Equal(t, 1, tbl.Len())
}

func TestHandleInvalidatedAfterSlotReused(t *testing.T) {
	var tbl Table
	h, _ := tbl.Observe(src(1), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	Age(&tbl, ptptime.New(100, 0), time.Second)
	require.Equal(t, 0, tbl.Len())

	_, ok := tbl.Get(h)
	require.False(t, ok)

	tbl.Observe(src(2), dst(), ptptime.New(100, 0), wire.AnnounceMessage{})
	_, ok = tbl.Get(h)
	require.False(t, ok)
}

// TestAnnounceWindowExpiry: a single entry receives four Announces at
// t=0,1,2,3 and none thereafter. With announce_receipt_timeout=4 and a
// 2s announce period the window is 8s, so the last arrival (t=3) ages
// out once now-window passes it: still alive at t=10, freed at t=12.
func TestAnnounceWindowExpiry(t *testing.T) {
	var tbl Table
	window := 4 * wire.LogInterval(1).Duration()
	for s := 0; s < 4; s++ {
		tbl.Observe(src(1), dst(), ptptime.New(uint64(s), 0), wire.AnnounceMessage{})
	}
	require.Equal(t, 1, tbl.Len())

	Age(&tbl, ptptime.New(10, 0), window)
	require.Equal(t, 1, tbl.Len(), "arrivals at t=2,3 are still inside [2,10]")

	Age(&tbl, ptptime.New(12, 0), window)
	require.Equal(t, 0, tbl.Len())
}

func TestAgeKeepsEntryWithRecentArrival(t *testing.T) {
	var tbl Table
	tbl.Observe(src(1), dst(), ptptime.New(5, 0), wire.AnnounceMessage{})
	Age(&tbl, ptptime.New(6, 0), 2*time.Second)
	require.Equal(t, 1, tbl.Len())
}

func TestEntriesReturnsOnlyOccupiedSlots(t *testing.T) {
	var tbl Table
	tbl.Observe(src(1), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	tbl.Observe(src(2), dst(), ptptime.New(0, 0), wire.AnnounceMessage{})
	require.Len(t, tbl.Entries(), 2)
}
