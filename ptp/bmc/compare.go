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

// Package bmc implements the Best Master Clock selection and
// dataset-update algorithm: the Announce comparison function and the
// per-port M1/M2/M3/P1/P2/S1 decision procedure.
package bmc

import "github.com/openptpd/ptpd/ptp/wire"

// Candidate is everything the comparison function needs from an
// Announce: its grandmaster claim, its topological distance, and the
// identities of who sent and who received it. DestinationPortIdentity is
// nil for the synthetic D0 candidate, which has no receiving port.
type Candidate struct {
	GrandmasterIdentity     wire.ClockIdentity
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
	GrandmasterClockQuality wire.ClockQuality
	StepsRemoved            uint16
	SourcePortIdentity      wire.PortIdentity
	DestinationPortIdentity *wire.PortIdentity
}

// FromAnnounce builds a Candidate from a received Announce and the port
// it arrived on.
func FromAnnounce(ann wire.AnnounceMessage, dst wire.PortIdentity) Candidate {
	d := dst
	return Candidate{
		GrandmasterIdentity:     ann.GrandmasterIdentity,
		GrandmasterPriority1:    ann.GrandmasterPriority1,
		GrandmasterPriority2:    ann.GrandmasterPriority2,
		GrandmasterClockQuality: ann.GrandmasterClockQuality,
		StepsRemoved:            ann.StepsRemoved,
		SourcePortIdentity:      ann.SourcePortIdentity,
		DestinationPortIdentity: &d,
	}
}

// D0 builds the synthetic candidate representing "the local clock, were
// it mastering on this port". It carries no destination port identity:
// there is no receiver, because it was never received.
func D0(dds DefaultDataSetView, localPort wire.PortIdentity) Candidate {
	return Candidate{
		GrandmasterIdentity:     dds.ClockIdentity,
		GrandmasterPriority1:    dds.Priority1,
		GrandmasterPriority2:    dds.Priority2,
		GrandmasterClockQuality: dds.ClockQuality,
		StepsRemoved:            0,
		SourcePortIdentity:      localPort,
		DestinationPortIdentity: nil,
	}
}

// DefaultDataSetView is the subset of dataset.DefaultDataSet the D0
// candidate needs. Declared locally to avoid bmc depending on dataset,
// which would create an import cycle once dataset starts consuming BMC
// decisions.
type DefaultDataSetView struct {
	ClockIdentity wire.ClockIdentity
	Priority1     uint8
	Priority2     uint8
	ClockQuality  wire.ClockQuality
}

// Result is the outcome of comparing two candidates.
type Result int

const (
	// ABetter means A is strictly better than B by grandmaster quality,
	// or by a clean topology margin.
	ABetter Result = iota
	// ABetterByTopology means A wins only via the topology tie-break
	// ladder (equal steps, or a one-step difference resolved by the
	// receiver/sender identity comparison).
	ABetterByTopology
	BBetter
	BBetterByTopology
)

// Better reports whether r favors A.
func (r Result) Better() bool {
	return r == ABetter || r == ABetterByTopology
}

func compareClockID(a, b wire.ClockIdentity) int {
	return a.Compare(b)
}

// Compare implements the Announce comparison from §4.3: when the
// candidates' grandmasters differ, the better grandmaster (by
// priority1/class/accuracy/variance/priority2, smaller wins) decides
// outright. When the grandmasters match, topology (steps_removed) and,
// on a tie or near-tie, the receiver-vs-sender clock identity comparison
// of the side with more steps decides. A side with no destination port
// (D0) gets the topology outcome where its receiver identity would be
// needed: with one more step it loses by topology, and on equal steps
// with an equal sender it loses the destination-port tie-break.
func Compare(a, b Candidate) Result {
	if a.GrandmasterIdentity != b.GrandmasterIdentity {
		return compareGrandmasters(a, b)
	}
	return compareTopology(a, b)
}

func compareGrandmasters(a, b Candidate) Result {
	if a.GrandmasterPriority1 != b.GrandmasterPriority1 {
		if a.GrandmasterPriority1 < b.GrandmasterPriority1 {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockClass != b.GrandmasterClockQuality.ClockClass {
		if a.GrandmasterClockQuality.ClockClass < b.GrandmasterClockQuality.ClockClass {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy != b.GrandmasterClockQuality.ClockAccuracy {
		if a.GrandmasterClockQuality.ClockAccuracy < b.GrandmasterClockQuality.ClockAccuracy {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance != b.GrandmasterClockQuality.OffsetScaledLogVariance {
		if a.GrandmasterClockQuality.OffsetScaledLogVariance < b.GrandmasterClockQuality.OffsetScaledLogVariance {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterPriority2 != b.GrandmasterPriority2 {
		if a.GrandmasterPriority2 < b.GrandmasterPriority2 {
			return ABetter
		}
		return BBetter
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return ABetter
	}
	return BBetter
}

func compareTopology(a, b Candidate) Result {
	stepsA, stepsB := int(a.StepsRemoved), int(b.StepsRemoved)

	switch {
	case stepsA > stepsB+1:
		return BBetter
	case stepsA+1 < stepsB:
		return ABetter
	case stepsA > stepsB:
		// A has exactly one more step than B; the smaller-steps side (B)
		// wins either way, but whether it's a plain win or a
		// topology-tagged one depends on A's receiver-vs-sender
		// comparison. A D0 side (no receiver) can't make that
		// comparison and defaults to the topology-tagged win.
		if a.DestinationPortIdentity == nil {
			return BBetterByTopology
		}
		switch compareClockID(a.DestinationPortIdentity.ClockIdentity, a.SourcePortIdentity.ClockIdentity) {
		case -1: // receiver < sender
			return BBetter
		case 1: // receiver > sender
			return BBetterByTopology
		default: // receiver == sender: degenerate tie, resolved as a topology win
			return BBetterByTopology
		}
	case stepsA < stepsB:
		if b.DestinationPortIdentity == nil {
			return ABetterByTopology
		}
		switch compareClockID(b.DestinationPortIdentity.ClockIdentity, b.SourcePortIdentity.ClockIdentity) {
		case -1: // receiver < sender
			return ABetter
		case 1: // receiver > sender
			return ABetterByTopology
		default:
			return ABetterByTopology
		}
	default:
		return compareEqualSteps(a, b)
	}
}

func compareEqualSteps(a, b Candidate) Result {
	switch compareClockID(a.SourcePortIdentity.ClockIdentity, b.SourcePortIdentity.ClockIdentity) {
	case -1:
		return ABetterByTopology
	case 1:
		return BBetterByTopology
	}

	// Equal source clock identity: fall back to destination port number.
	// A D0 side (nil destination) loses this final tie-break outright,
	// per the implementation-defined extension adopted in place of the
	// source's error return.
	switch {
	case a.DestinationPortIdentity == nil && b.DestinationPortIdentity == nil:
		return BBetterByTopology
	case a.DestinationPortIdentity == nil:
		return BBetterByTopology
	case b.DestinationPortIdentity == nil:
		return ABetterByTopology
	}
	if a.DestinationPortIdentity.PortNumber < b.DestinationPortIdentity.PortNumber {
		return ABetterByTopology
	}
	if a.DestinationPortIdentity.PortNumber > b.DestinationPortIdentity.PortNumber {
		return BBetterByTopology
	}
	// Fully equal: implementation-defined extension (§9) — fall back to
	// destination clock identity instead of returning an error.
	if compareClockID(a.DestinationPortIdentity.ClockIdentity, b.DestinationPortIdentity.ClockIdentity) <= 0 {
		return ABetterByTopology
	}
	return BBetterByTopology
}
