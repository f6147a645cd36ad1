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

package ptptime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNormalizesOverflowingNanoseconds(t *testing.T) {
	ts := New(10, 2_500_000_000)
	require.Equal(t, uint64(12), ts.Seconds)
	require.Equal(t, uint32(500_000_000), ts.Nanoseconds)
	require.True(t, ts.Nanoseconds < nsPerSecond)
}

func TestAddCorrectionCarriesForward(t *testing.T) {
	ts := New(5, 999_999_900)
	out := ts.AddCorrection(DurationToCorrection(200 * time.Nanosecond))
	require.Equal(t, uint64(6), out.Seconds)
	require.Equal(t, uint32(100), out.Nanoseconds)
	require.True(t, out.Nanoseconds < nsPerSecond)
}

func TestAddCorrectionBorrowsBackward(t *testing.T) {
	ts := New(5, 100)
	out := ts.AddCorrection(DurationToCorrection(-200 * time.Nanosecond))
	require.Equal(t, uint64(4), out.Seconds)
	require.Equal(t, uint32(999_999_900), out.Nanoseconds)
	require.True(t, out.Nanoseconds < nsPerSecond)
}

func TestAddCorrectionBorrowsAcrossMultipleSeconds(t *testing.T) {
	ts := New(10, 0)
	out := ts.AddCorrection(DurationToCorrection(-2*time.Second - 500*time.Millisecond))
	require.Equal(t, uint64(7), out.Seconds)
	require.Equal(t, uint32(500_000_000), out.Nanoseconds)
}

func TestAddCorrectionHandlesSubNanosecondResidue(t *testing.T) {
	ts := Timestamp{Seconds: 1, Nanoseconds: 0, FracNanoseconds: 10}
	out := ts.AddCorrection(-20)
	require.Equal(t, uint64(0), out.Seconds)
	require.Equal(t, uint32(999_999_999), out.Nanoseconds)
	require.Equal(t, uint16(65526), out.FracNanoseconds)
	require.True(t, out.Nanoseconds < nsPerSecond)
}

func TestCompareOrdersBySecondsThenNanosThenFrac(t *testing.T) {
	a := Timestamp{Seconds: 1, Nanoseconds: 0, FracNanoseconds: 0}
	b := Timestamp{Seconds: 2, Nanoseconds: 0, FracNanoseconds: 0}
	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(b, a))
	require.Equal(t, 0, Compare(a, a))

	c := Timestamp{Seconds: 1, Nanoseconds: 5, FracNanoseconds: 0}
	require.True(t, a.Before(c))
	require.True(t, c.After(a))
}

func TestCompareFracNanosecondsTieBreakSmallerIsOlder(t *testing.T) {
	older := Timestamp{Seconds: 1, Nanoseconds: 500, FracNanoseconds: 3}
	newer := Timestamp{Seconds: 1, Nanoseconds: 500, FracNanoseconds: 9}
	require.True(t, older.Before(newer))
	require.Equal(t, -1, Compare(older, newer))
}

func TestDiffSignedDifference(t *testing.T) {
	a := New(100, 0)
	b := New(99, 500_000_000)

	d := Diff(a, b)
	require.Equal(t, 1, d.Sign())
	require.Equal(t, DurationToCorrection(500*time.Millisecond), d)

	d2 := Diff(b, a)
	require.Equal(t, -1, d2.Sign())
	require.Equal(t, d.Abs(), d2.Abs())
}

func TestDiffDurationCoversEpochScaleGaps(t *testing.T) {
	// A delta this wide overflows Diff's 2^-16ns scale; DiffDuration
	// must still report it correctly.
	live := New(1_700_000_000, 250_000_000)
	unset := New(0, 0)
	require.Equal(t, 1_700_000_000*time.Second+250*time.Millisecond, DiffDuration(live, unset))
	require.Equal(t, -(1_700_000_000*time.Second + 250*time.Millisecond), DiffDuration(unset, live))
}

func TestDiffZeroHasZeroSign(t *testing.T) {
	a := New(42, 123)
	require.Equal(t, 0, Diff(a, a).Sign())
}

func TestMulSmallScalesSubSecondAndCarries(t *testing.T) {
	ts := New(1, 800_000_000)
	out := ts.MulSmall(3)
	// 1.8s * 3 = 5.4s
	require.Equal(t, uint64(5), out.Seconds)
	require.Equal(t, uint32(400_000_000), out.Nanoseconds)
}

func TestMulSmallByZero(t *testing.T) {
	ts := New(7, 123)
	out := ts.MulSmall(0)
	require.Equal(t, Timestamp{}, out)
}

func TestAddAndSubRoundTrip(t *testing.T) {
	ts := New(1000, 0)
	advanced := ts.Add(90 * time.Millisecond)
	back := advanced.Sub(90 * time.Millisecond)
	require.Equal(t, ts, back)
}

func TestPower2(t *testing.T) {
	require.Equal(t, time.Second, Power2(0))
	require.Equal(t, 2*time.Second, Power2(1))
	require.Equal(t, 8*time.Second, Power2(3))
	require.Equal(t, 500*time.Millisecond, Power2(-1))
	require.Equal(t, 125*time.Millisecond, Power2(-3))
}

func TestFromTimeAndTimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	ts := FromTime(now)
	require.Equal(t, now, ts.Time())
}

func TestCopyIsIndependent(t *testing.T) {
	a := New(1, 1)
	b := a.Copy()
	b = b.Add(time.Second)
	require.NotEqual(t, a, b)
	require.Equal(t, New(1, 1), a)
}
