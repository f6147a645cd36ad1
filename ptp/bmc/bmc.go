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

package bmc

import (
	"github.com/openptpd/ptpd/ptp/foreignmaster"
	"github.com/openptpd/ptpd/ptp/wire"
)

// Decision is the outcome of the per-port BMC procedure. DecisionNone
// means the port takes no BMC action this iteration (it stays LISTENING,
// waiting on its announce-receipt timer).
type Decision int

const (
	DecisionNone Decision = iota
	M1
	M2
	M3
	P1
	P2
	S1
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case M1:
		return "M1"
	case M2:
		return "M2"
	case M3:
		return "M3"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case S1:
		return "S1"
	default:
		return "unknown"
	}
}

// BestForeignMaster scans a port's foreign-master table and returns the
// candidate whose Announce compares best under Compare, along with the
// entry it came from. ok is false if the table holds nothing.
func BestForeignMaster(tbl *foreignmaster.Table, localPort wire.PortIdentity) (Candidate, *foreignmaster.Entry, bool) {
	entries := tbl.Entries()
	if len(entries) == 0 {
		return Candidate{}, nil, false
	}
	best := entries[0]
	bestCand := FromAnnounce(best.Announce, localPort)
	for _, e := range entries[1:] {
		cand := FromAnnounce(e.Announce, localPort)
		if Compare(cand, bestCand).Better() {
			best = e
			bestCand = cand
		}
	}
	return bestCand, best, true
}

// PortInput is what Run needs from a single participating port. Erbest is
// nil when the port is DISABLED, FAULTY, or simply has no foreign master
// entries yet.
type PortInput struct {
	PortIdentity                wire.PortIdentity
	State                       wire.PortState
	Erbest                      *Candidate
	AnnounceReceiptTimerExpired bool
}

// Outcome is one port's BMC result. Winner is the foreign candidate whose
// dataset effects apply (Erbest for P1/P2/M3, Ebest for S1); it is nil for
// M1/M2/DecisionNone, none of which adopt a foreign candidate's
// parent/grandmaster fields.
type Outcome struct {
	Decision Decision
	Winner   *Candidate
}

// Run implements the §4.3 per-port decision procedure. Callers are
// expected to skip invoking Run entirely while any port is INITIALIZING;
// parentClockClass and syncedToForeign describe the clock's state as of
// the previous iteration — the clock_class of whatever it currently
// considers its grandmaster, and whether it is presently locked to a
// foreign master rather than free-running as its own master.
func Run(d0 Candidate, ports []PortInput, parentClockClass wire.ClockClass, syncedToForeign bool) map[wire.PortIdentity]Outcome {
	outcomes := make(map[wire.PortIdentity]Outcome, len(ports))

	var ebest *Candidate
	var ebestPort wire.PortIdentity
	for _, p := range ports {
		if p.State == wire.PortStateDisabled || p.State == wire.PortStateFaulty {
			continue
		}
		if p.Erbest == nil {
			continue
		}
		if ebest == nil || Compare(*p.Erbest, *ebest).Better() {
			c := *p.Erbest
			ebest = &c
			ebestPort = p.PortIdentity
		}
	}

	qualifiesForM1P1 := parentClockClass >= 1 && parentClockClass <= 127 && !syncedToForeign

	for _, p := range ports {
		if p.Erbest == nil && p.State == wire.PortStateListening && !p.AnnounceReceiptTimerExpired {
			outcomes[p.PortIdentity] = Outcome{Decision: DecisionNone}
			continue
		}

		if qualifiesForM1P1 {
			if compareAgainstOrNone(d0, p.Erbest).Better() {
				outcomes[p.PortIdentity] = Outcome{Decision: M1}
			} else {
				outcomes[p.PortIdentity] = Outcome{Decision: P1, Winner: p.Erbest}
			}
			continue
		}

		if compareAgainstOrNone(d0, ebest).Better() {
			outcomes[p.PortIdentity] = Outcome{Decision: M2}
			continue
		}
		if ebest != nil && ebestPort == p.PortIdentity {
			outcomes[p.PortIdentity] = Outcome{Decision: S1, Winner: ebest}
			continue
		}
		if ebest != nil && p.Erbest != nil && Compare(*ebest, *p.Erbest) == ABetterByTopology {
			outcomes[p.PortIdentity] = Outcome{Decision: P2, Winner: p.Erbest}
			continue
		}
		outcomes[p.PortIdentity] = Outcome{Decision: M3, Winner: p.Erbest}
	}

	return outcomes
}

// compareAgainstOrNone treats a nil candidate as automatically lost: D0
// always beats "nothing to compare against".
func compareAgainstOrNone(d0 Candidate, cand *Candidate) Result {
	if cand == nil {
		return ABetter
	}
	return Compare(d0, *cand)
}
