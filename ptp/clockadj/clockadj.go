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

// Package clockadj implements the clock adjuster primitive the servo
// consumes (get/set time, frequency trim, tick adjust) against the
// system clock via the Linux clock_adjtime(2) syscall.
package clockadj

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openptpd/ptpd/ptp/ptptime"
)

// ppbToTimexPPM converts parts-per-billion to the ppm-with-16-bit-fraction
// unit struct timex uses for Freq/Tolerance, per clock_adjtime(2).
const ppbToTimexPPM = 65.536

// clock_adjtime modes, from linux/timex.h. Only the subset this package
// uses are named.
const (
	adjFrequency uint32 = 0x0002
	adjSetOffset uint32 = 0x0100
	adjNano      uint32 = 0x2000
	adjTick      uint32 = 0x4000
)

// Adjuster steers unix.CLOCK_REALTIME. It implements servo.Adjuster by
// structural typing, not an import: clockadj has no reason to depend on
// the servo package, and servo has no reason to depend on the syscall
// layer.
type Adjuster struct {
	clockID int32
}

// New returns an Adjuster for the system realtime clock.
func New() *Adjuster {
	return &Adjuster{clockID: unix.CLOCK_REALTIME}
}

func adjtime(clockID int32, buf *unix.Timex) (int, error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockID), uintptr(unsafe.Pointer(buf)), 0)
	if errno != 0 {
		return int(r0), errno
	}
	return int(r0), nil
}

// Now returns the current system time as a Timestamp.
func (a *Adjuster) Now() ptptime.Timestamp {
	return ptptime.FromTime(time.Now())
}

// Step moves the clock immediately by delta, per §6's "set-time stepping
// the clock to an absolute Timestamp" — expressed here as a relative
// step since that's what clock_adjtime's ADJ_SETOFFSET takes.
func (a *Adjuster) Step(delta time.Duration) error {
	sign := int64(1)
	if delta < 0 {
		sign = -1
		delta = -delta
	}

	tx := &unix.Timex{Modes: adjSetOffset | adjNano}
	sec := sign * int64(delta/time.Second)
	nsec := sign * int64(delta%time.Second)
	tx.Time.Sec = sec
	tx.Time.Usec = nsec
	// struct timeval's tv_usec (here nanoseconds, per ADJ_NANO) must be
	// non-negative; the whole offset's sign lives in tv_sec.
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += int64(time.Second)
	}
	_, err := adjtime(a.clockID, tx)
	return err
}

// AdjustFrequency requests a frequency trim in ppb and returns the
// adjuster's tolerance, also in ppb, as observed before this call (Linux
// does not expose an atomic read-tolerance-then-set-frequency operation,
// so this reads the current timex state, which clock_adjtime already
// does on every call per its man page).
func (a *Adjuster) AdjustFrequency(ppb float64) (float64, error) {
	tx := &unix.Timex{}
	tx.Freq = int64(ppb * ppbToTimexPPM)
	tx.Modes = adjFrequency
	if _, err := adjtime(a.clockID, tx); err != nil {
		return 0, fmt.Errorf("clockadj: adjust frequency: %w", err)
	}
	tolerance := float64(tx.Tolerance) / ppbToTimexPPM
	if tolerance == 0 {
		tolerance = 500000
	}
	return tolerance, nil
}

// AdjustTick nudges the kernel tick length by delta microseconds, used
// to walk the oscillator back into range after a tolerance overrun.
// ADJ_TICK takes the absolute tick value, so the current value is read
// first and delta applied to it.
func (a *Adjuster) AdjustTick(delta int64) error {
	cur := &unix.Timex{}
	if _, err := adjtime(a.clockID, cur); err != nil {
		return err
	}
	tx := &unix.Timex{Modes: adjTick, Tick: cur.Tick + delta}
	_, err := adjtime(a.clockID, tx)
	return err
}

// Frequency reads the clock's current frequency offset in ppb without
// changing it.
func (a *Adjuster) Frequency() (float64, error) {
	tx := &unix.Timex{}
	_, err := adjtime(a.clockID, tx)
	if err != nil {
		return 0, err
	}
	return float64(tx.Freq) / ppbToTimexPPM, nil
}
