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

// Package foreignmaster maintains, per port, the set of candidate master
// clocks observed via Announce messages. It is modeled as an owned,
// fixed-capacity vector with a generational index rather than the
// source's pointer-linked list, since the table never holds more than a
// handful of entries and never needs to be iterated by anything but the
// owning port.
package foreignmaster

import (
	"time"

	"github.com/openptpd/ptpd/ptp/ptptime"
	"github.com/openptpd/ptpd/ptp/wire"
)

// MaxEntries is the maximum number of distinct foreign masters a single
// port tracks at once.
const MaxEntries = 5

// WindowSize is the number of most recent Announce arrival timestamps
// kept per entry.
const WindowSize = 4

// Handle identifies a slot in a Table across mutations, guarding against
// use-after-free by pairing a slot index with the generation it was
// issued in.
type Handle struct {
	index      int
	generation uint64
}

// Entry is one candidate master as observed on a single port.
type Entry struct {
	SrcPortIdentity wire.PortIdentity
	DstPortIdentity wire.PortIdentity
	Announce        wire.AnnounceMessage

	window     [WindowSize]ptptime.Timestamp
	writeIndex int
	numWritten int
}

// Table is the fixed-capacity, owned foreign-master list for one port.
type Table struct {
	slots      [MaxEntries]Entry
	occupied   [MaxEntries]bool
	generation [MaxEntries]uint64
}

// find returns the slot index of the entry for src, or -1.
func (t *Table) find(src wire.PortIdentity) int {
	for i := range t.slots {
		if t.occupied[i] && t.slots[i].SrcPortIdentity == src {
			return i
		}
	}
	return -1
}

func (t *Table) firstFree() int {
	for i := range t.occupied {
		if !t.occupied[i] {
			return i
		}
	}
	return -1
}

// Observe records an Announce arrival from src, received on dst at
// arrival. If src is already tracked, its window and stored Announce are
// updated in place. If src is new and the table has a free slot, a new
// entry is created. If src is new and the table is full, the Announce is
// dropped and ok is false — the table never evicts a live entry to make
// room for an unseen one.
func (t *Table) Observe(src, dst wire.PortIdentity, arrival ptptime.Timestamp, ann wire.AnnounceMessage) (Handle, bool) {
	if i := t.find(src); i != -1 {
		t.recordArrival(i, arrival, ann)
		return Handle{index: i, generation: t.generation[i]}, true
	}
	i := t.firstFree()
	if i == -1 {
		return Handle{}, false
	}
	t.generation[i]++
	t.occupied[i] = true
	t.slots[i] = Entry{SrcPortIdentity: src, DstPortIdentity: dst}
	t.recordArrival(i, arrival, ann)
	return Handle{index: i, generation: t.generation[i]}, true
}

func (t *Table) recordArrival(i int, arrival ptptime.Timestamp, ann wire.AnnounceMessage) {
	e := &t.slots[i]
	e.window[e.writeIndex] = arrival
	e.writeIndex = (e.writeIndex + 1) % WindowSize
	if e.numWritten < WindowSize {
		e.numWritten++
	}
	e.Announce = ann
}

// Get returns the entry for h, and whether h is still valid (the slot
// hasn't been freed and reused since h was issued).
func (t *Table) Get(h Handle) (*Entry, bool) {
	if h.index < 0 || h.index >= MaxEntries {
		return nil, false
	}
	if !t.occupied[h.index] || t.generation[h.index] != h.generation {
		return nil, false
	}
	return &t.slots[h.index], true
}

// Entries returns the occupied entries, for BMC's best-of-port scan.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, MaxEntries)
	for i := range t.slots {
		if t.occupied[i] {
			out = append(out, &t.slots[i])
		}
	}
	return out
}

// Len reports how many entries are currently tracked.
func (t *Table) Len() int {
	n := 0
	for _, occ := range t.occupied {
		if occ {
			n++
		}
	}
	return n
}

// Age recomputes how many of each entry's stored arrival timestamps fall
// within [now-window, now], per §4.2's announce_window calculation, and
// frees any entry whose count has dropped to zero.
func Age(t *Table, now ptptime.Timestamp, window time.Duration) {
	for i := range t.slots {
		if !t.occupied[i] {
			continue
		}
		e := &t.slots[i]
		valid := 0
		for j := 0; j < e.numWritten; j++ {
			ts := e.window[j]
			delta := ptptime.Diff(now, ts)
			if delta.Sign() >= 0 && delta.Duration() <= window {
				valid++
			}
		}
		if valid == 0 {
			t.occupied[i] = false
			t.slots[i] = Entry{}
		}
	}
}
