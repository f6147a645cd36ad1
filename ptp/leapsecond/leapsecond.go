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

// Package leapsecond reads the upcoming leap-second schedule from the
// system timezone database, so a mastering clock can set LI_61/LI_59 in
// its TimePropertiesDataSet from the system's own leap-second table
// instead of always announcing none.
package leapsecond

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"
)

const tzifPath = "/usr/share/zoneinfo/right/UTC"

var errBadData = errors.New("leapsecond: malformed TZif data")
var errBadVersion = errors.New("leapsecond: unsupported TZif version")

// Event is one leap-second insertion or deletion recorded in the TZif
// leap-second table.
type Event struct {
	// Tleap is the transition time, in seconds since the TAI epoch as
	// encoded in the file (seconds since 1970-01-01 plus the cumulative
	// leap count in effect).
	Tleap uint64
	// Nleap is the total number of leap seconds in effect after Tleap.
	Nleap int32
}

// Time returns the UTC instant the leap second occurs at.
func (e Event) Time() time.Time {
	return time.Unix(int64(e.Tleap-uint64(e.Nleap))+1, 0).UTC()
}

// Load reads the leap-second table from the system's tzdata.
func Load() ([]Event, error) {
	f, err := os.Open(tzifPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

// Pending reports whether a leap second falls within the 24 hours
// following now, and if so whether it inserts (true) or deletes (false)
// a second — the distinction between the FlagLeap61 and FlagLeap59
// announce bits.
func Pending(events []Event, now time.Time) (insert bool, have bool) {
	horizon := now.Add(24 * time.Hour)
	for i, e := range events {
		t := e.Time()
		if t.Before(now) || t.After(horizon) {
			continue
		}
		prev := int32(0)
		if i > 0 {
			prev = events[i-1].Nleap
		}
		return e.Nleap > prev, true
	}
	return false, false
}

// parse decodes the TZif leap-second table. TZif files ship either one
// (version 0) or two (version 2/3, a 32-bit body followed by a 64-bit
// one) copies of the data; only the later, wider copy is kept when both
// are present, since its transition times don't truncate at 2038.
func parse(r io.Reader) ([]Event, error) {
	var events []Event
	for pass := 0; pass < 2; pass++ {
		magic := make([]byte, 4)
		if _, err := io.ReadFull(r, magic); err != nil {
			return nil, err
		}
		if string(magic) != "TZif" {
			return nil, errBadData
		}

		header := make([]byte, 16)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, err
		}
		version := header[0]
		if version != 0 && version != '2' && version != '3' {
			return nil, errBadVersion
		}
		if pass > 0 && version == 0 {
			return nil, errBadData
		}

		var counts [6]uint32
		for i := range counts {
			if err := binary.Read(r, binary.BigEndian, &counts[i]); err != nil {
				return nil, err
			}
		}
		const (
			nUTCLocal = iota
			nStdWall
			nLeap
			nTime
			nZone
			nChar
		)

		timeWidth := 4
		if version != 0 {
			timeWidth = 8
		}
		skip := int64(counts[nTime])*int64(timeWidth) + int64(counts[nTime]) + int64(counts[nZone])*6 + int64(counts[nChar])
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, err
		}

		if pass == 0 && version != 0 {
			// First copy is the 32-bit body; skip its leap-second table
			// and the trailing UTC/local and std/wall indicators, then
			// go around for the wider second copy.
			if _, err := io.CopyN(io.Discard, r, int64(counts[nLeap])*8+int64(counts[nUTCLocal])+int64(counts[nStdWall])); err != nil {
				return nil, err
			}
			continue
		}

		events = events[:0]
		for i := uint32(0); i < counts[nLeap]; i++ {
			var e Event
			if version == 0 {
				var raw [2]uint32
				if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
					return nil, err
				}
				e.Tleap, e.Nleap = uint64(raw[0]), int32(raw[1])
			} else {
				if err := binary.Read(r, binary.BigEndian, &e); err != nil {
					return nil, err
				}
			}
			events = append(events, e)
		}
		return events, nil
	}
	return events, nil
}
