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

// Package ptptime implements the fixed-point timestamp arithmetic used
// throughout the protocol: a 48-bit seconds field, a nanoseconds field
// always held in [0, 1e9), and a 2^-16ns fractional residue carried for
// sub-nanosecond precision in correction fields.
package ptptime

import "time"

const nsPerSecond = 1_000_000_000

// subSecondUnits is the number of 2^-16ns ticks in one second.
const subSecondUnits = int64(nsPerSecond) << 16

// Correction is a signed offset in units of 2^-16 nanoseconds, matching
// the scale of the protocol's correctionField.
type Correction int64

// DurationToCorrection converts a time.Duration to a Correction.
func DurationToCorrection(d time.Duration) Correction {
	return Correction(int64(d) << 16)
}

// Duration truncates a Correction down to nanosecond resolution.
func (c Correction) Duration() time.Duration {
	return time.Duration(int64(c) >> 16)
}

// Sign reports the sign of c as -1, 0 or +1.
func (c Correction) Sign() int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	default:
		return 0
	}
}

// Abs returns the absolute value of c.
func (c Correction) Abs() Correction {
	if c < 0 {
		return -c
	}
	return c
}

// Timestamp is a point in time as carried on the wire: whole seconds
// (48 bits of range, stored widened to 64), nanoseconds within the
// second, and a 2^-16ns fractional residue used only internally for
// servo and correction-field arithmetic.
//
// Invariant: Nanoseconds is always in [0, 1e9).
type Timestamp struct {
	Seconds         uint64
	Nanoseconds     uint32
	FracNanoseconds uint16
}

// New builds a Timestamp from whole seconds and nanoseconds. nanoseconds
// may be given out of range; it is normalized into Seconds.
func New(seconds uint64, nanoseconds uint32) Timestamp {
	extraSeconds := nanoseconds / nsPerSecond
	return Timestamp{
		Seconds:     seconds + uint64(extraSeconds),
		Nanoseconds: nanoseconds % nsPerSecond,
	}
}

// FromTime converts a standard library time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return New(uint64(t.Unix()), uint32(t.Nanosecond()))
}

// Time converts a Timestamp back to a standard library time.Time, in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Seconds), int64(t.Nanoseconds)).UTC()
}

// Copy returns an independent copy of t. Timestamp has value semantics
// already; this exists for call sites that want to make the copy
// explicit, e.g. before mutating a stored "best" candidate in place.
func (t Timestamp) Copy() Timestamp {
	return t
}

func (t Timestamp) subSecondTicks() int64 {
	return int64(t.Nanoseconds)<<16 | int64(t.FracNanoseconds)
}

// AddCorrection returns t shifted by c, carrying or borrowing across the
// seconds boundary as needed. A negative c that exceeds the current
// sub-second residue borrows from Seconds rather than underflowing
// Nanoseconds, so the [0, 1e9) invariant always holds on return.
func (t Timestamp) AddCorrection(c Correction) Timestamp {
	total := t.subSecondTicks() + int64(c)

	q := total / subSecondUnits
	r := total % subSecondUnits
	if r < 0 {
		r += subSecondUnits
		q--
	}

	return Timestamp{
		Seconds:         uint64(int64(t.Seconds) + q),
		Nanoseconds:     uint32(r >> 16),
		FracNanoseconds: uint16(r & 0xFFFF),
	}
}

// Add advances t by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t.AddCorrection(DurationToCorrection(d))
}

// Sub moves t back by d.
func (t Timestamp) Sub(d time.Duration) Timestamp {
	return t.AddCorrection(-DurationToCorrection(d))
}

// MulSmall scales t by a small non-negative integer, used to turn a
// single interval into a multi-interval window (e.g. announceReceiptTimeout
// announce intervals).
func (t Timestamp) MulSmall(n uint32) Timestamp {
	subTotal := t.subSecondTicks() * int64(n)
	extraSeconds := subTotal / subSecondUnits
	rem := subTotal % subSecondUnits
	if rem < 0 {
		rem += subSecondUnits
		extraSeconds--
	}
	return Timestamp{
		Seconds:         t.Seconds*uint64(n) + uint64(extraSeconds),
		Nanoseconds:     uint32(rem >> 16),
		FracNanoseconds: uint16(rem & 0xFFFF),
	}
}

// Compare returns -1, 0 or +1 as t is before, equal to, or after other.
// Ties on Seconds and Nanoseconds fall through to FracNanoseconds, so a
// smaller fractional residue compares as older.
func Compare(t, other Timestamp) int {
	switch {
	case t.Seconds != other.Seconds:
		if t.Seconds < other.Seconds {
			return -1
		}
		return 1
	case t.Nanoseconds != other.Nanoseconds:
		if t.Nanoseconds < other.Nanoseconds {
			return -1
		}
		return 1
	case t.FracNanoseconds != other.FracNanoseconds:
		if t.FracNanoseconds < other.FracNanoseconds {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return Compare(t, other) < 0 }

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool { return Compare(t, other) > 0 }

// Diff returns the signed difference t - other as a Correction. The
// 2^-16ns scale caps the representable difference at about 1.6 days;
// callers that may see wider gaps (a never-set clock against a live
// master) must range-check with DiffDuration first.
func Diff(t, other Timestamp) Correction {
	secDelta := int64(t.Seconds) - int64(other.Seconds)
	return Correction(secDelta*subSecondUnits) + Correction(t.subSecondTicks()-other.subSecondTicks())
}

// DiffDuration returns t - other truncated to nanosecond resolution.
// Unlike Diff it covers the full wall-clock range two clocks can
// disagree by, at the cost of dropping the fractional residue.
func DiffDuration(t, other Timestamp) time.Duration {
	secDelta := int64(t.Seconds) - int64(other.Seconds)
	nsDelta := int64(t.Nanoseconds) - int64(other.Nanoseconds)
	return time.Duration(secDelta)*time.Second + time.Duration(nsDelta)
}

// Power2 returns 2^log seconds as a Duration, the scale used to expand a
// logMessageInterval into a wall-clock period.
func Power2(log int8) time.Duration {
	if log >= 0 {
		return time.Second << uint(log)
	}
	return time.Second >> uint(-log)
}
