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

// Package wire implements the IEEE 1588-2008 common message header and the
// five message kinds this clock fully encodes and decodes, plus enough of
// four more (Pdelay_Req, Pdelay_Resp, Signaling, Management) to tell them
// apart and drop them. Pdelay_Resp_Follow_Up (0xA) is not recognized;
// Decode reports it as an unrecognized message type.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"
)

// MessageType identifies one of the nine PTP message kinds this codec
// recognizes, per Table 36 of the standard.
type MessageType uint8

const (
	MessageSync       MessageType = 0x0
	MessageDelayReq   MessageType = 0x1
	MessagePDelayReq  MessageType = 0x2
	MessagePDelayResp MessageType = 0x3
	MessageFollowUp   MessageType = 0x8
	MessageDelayResp  MessageType = 0x9
	MessageAnnounce   MessageType = 0xB
	MessageSignaling  MessageType = 0xC
	MessageManagement MessageType = 0xD
)

var messageTypeNames = map[MessageType]string{
	MessageSync:       "SYNC",
	MessageDelayReq:   "DELAY_REQ",
	MessagePDelayReq:  "PDELAY_REQ",
	MessagePDelayResp: "PDELAY_RESP",
	MessageFollowUp:   "FOLLOW_UP",
	MessageDelayResp:  "DELAY_RESP",
	MessageAnnounce:   "ANNOUNCE",
	MessageSignaling:  "SIGNALING",
	MessageManagement: "MANAGEMENT",
}

func (m MessageType) String() string {
	if s, ok := messageTypeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(0x%x)", uint8(m))
}

// ClockIdentity is an 8-byte globally unique clock id, compared as an
// unsigned big-endian integer.
type ClockIdentity uint64

// NewClockIdentity derives a ClockIdentity from an EUI-48 (6-byte) or
// EUI-64 (8-byte) link-layer address by inserting 0xFF,0xFE between the
// OUI and NIC bytes of an EUI-48 address.
func NewClockIdentity(mac net.HardwareAddr) (ClockIdentity, error) {
	var b [8]byte
	switch len(mac) {
	case 6:
		b[0], b[1], b[2] = mac[0], mac[1], mac[2]
		b[3], b[4] = 0xFF, 0xFE
		b[5], b[6], b[7] = mac[3], mac[4], mac[5]
	case 8:
		copy(b[:], mac)
	default:
		return 0, fmt.Errorf("wire: unsupported MAC %v, want EUI-48 or EUI-64", mac)
	}
	return ClockIdentity(binary.BigEndian.Uint64(b[:])), nil
}

func (c ClockIdentity) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(c))
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// Compare returns -1, 0 or +1 comparing c and other as unsigned
// big-endian integers.
func (c ClockIdentity) Compare(other ClockIdentity) int {
	switch {
	case c < other:
		return -1
	case c > other:
		return 1
	default:
		return 0
	}
}

// PortIdentity identifies a PTP port: its clock plus a 1-based port number.
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// Compare orders PortIdentity first by ClockIdentity, then by PortNumber.
func (p PortIdentity) Compare(other PortIdentity) int {
	if c := p.ClockIdentity.Compare(other.ClockIdentity); c != 0 {
		return c
	}
	switch {
	case p.PortNumber < other.PortNumber:
		return -1
	case p.PortNumber > other.PortNumber:
		return 1
	default:
		return 0
	}
}

// ClockClass identifies the traceability and synchronization quality of a
// clock. Values 1-127 mean the clock is in, or derives from, a valid time
// source; see the BMC engine for the partitioning this relies on.
type ClockClass uint8

const (
	ClockClassPrimaryReference ClockClass = 6
	ClockClassApplicationSpecific ClockClass = 7
	ClockClassDegradedPrimary ClockClass = 52
	ClockClassDegradedApplicationSpecific ClockClass = 58
	ClockClassDefault ClockClass = 248
	ClockClassSlaveOnly ClockClass = 255
)

// ClockAccuracy is the estimated accuracy of a clock, enumerated per
// Table 6 of the standard.
type ClockAccuracy uint8

const (
	ClockAccuracyNanosecond25       ClockAccuracy = 0x20
	ClockAccuracyNanosecond100      ClockAccuracy = 0x21
	ClockAccuracyNanosecond250      ClockAccuracy = 0x22
	ClockAccuracyMicrosecond1       ClockAccuracy = 0x23
	ClockAccuracyMicrosecond2point5 ClockAccuracy = 0x24
	ClockAccuracyMicrosecond10      ClockAccuracy = 0x25
	ClockAccuracyMicrosecond25      ClockAccuracy = 0x26
	ClockAccuracyMicrosecond100     ClockAccuracy = 0x27
	ClockAccuracyMicrosecond250     ClockAccuracy = 0x28
	ClockAccuracyMillisecond1       ClockAccuracy = 0x29
	ClockAccuracyMillisecond2point5 ClockAccuracy = 0x2A
	ClockAccuracyMillisecond10      ClockAccuracy = 0x2B
	ClockAccuracyMillisecond25      ClockAccuracy = 0x2C
	ClockAccuracyMillisecond100     ClockAccuracy = 0x2D
	ClockAccuracyMillisecond250     ClockAccuracy = 0x2E
	ClockAccuracySecond1            ClockAccuracy = 0x2F
	ClockAccuracySecond10           ClockAccuracy = 0x30
	ClockAccuracySecondGreater10    ClockAccuracy = 0x31
	ClockAccuracyUnknown            ClockAccuracy = 0xFE
)

// clockAccuracySymbols maps the symbolic names used in configuration
// files to their wire enumeration value.
var clockAccuracySymbols = map[string]ClockAccuracy{
	"25ns":    ClockAccuracyNanosecond25,
	"100ns":   ClockAccuracyNanosecond100,
	"250ns":   ClockAccuracyNanosecond250,
	"1us":     ClockAccuracyMicrosecond1,
	"2.5us":   ClockAccuracyMicrosecond2point5,
	"10us":    ClockAccuracyMicrosecond10,
	"25us":    ClockAccuracyMicrosecond25,
	"100us":   ClockAccuracyMicrosecond100,
	"250us":   ClockAccuracyMicrosecond250,
	"1ms":     ClockAccuracyMillisecond1,
	"2.5ms":   ClockAccuracyMillisecond2point5,
	"10ms":    ClockAccuracyMillisecond10,
	"25ms":    ClockAccuracyMillisecond25,
	"100ms":   ClockAccuracyMillisecond100,
	"250ms":   ClockAccuracyMillisecond250,
	"1s":      ClockAccuracySecond1,
	"10s":     ClockAccuracySecond10,
	">10s":    ClockAccuracySecondGreater10,
	"unknown": ClockAccuracyUnknown,
}

// ClockAccuracyFromSymbol looks up a ClockAccuracy by the symbolic name
// used in <Clock><clock_accuracy>.
func ClockAccuracyFromSymbol(symbol string) (ClockAccuracy, error) {
	if a, ok := clockAccuracySymbols[symbol]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("wire: unknown clock accuracy symbol %q", symbol)
}

// ClockQuality describes how good a clock's time is believed to be.
type ClockQuality struct {
	ClockClass              ClockClass
	ClockAccuracy            ClockAccuracy
	OffsetScaledLogVariance uint16
}

// TimeSource indicates the immediate source of time used by a grandmaster.
type TimeSource uint8

const (
	TimeSourceAtomicClock        TimeSource = 0x10
	TimeSourceGNSS               TimeSource = 0x20
	TimeSourceTerrestrialRadio   TimeSource = 0x30
	TimeSourceSerialTimeCode     TimeSource = 0x39
	TimeSourcePTP                TimeSource = 0x40
	TimeSourceNTP                TimeSource = 0x50
	TimeSourceHandSet            TimeSource = 0x60
	TimeSourceOther              TimeSource = 0x90
	TimeSourceInternalOscillator TimeSource = 0xA0
)

var timeSourceSymbols = map[string]TimeSource{
	"atomic_clock":        TimeSourceAtomicClock,
	"gnss":                TimeSourceGNSS,
	"terrestrial_radio":   TimeSourceTerrestrialRadio,
	"serial_time_code":    TimeSourceSerialTimeCode,
	"ptp":                 TimeSourcePTP,
	"ntp":                 TimeSourceNTP,
	"hand_set":            TimeSourceHandSet,
	"other":               TimeSourceOther,
	"internal_oscillator": TimeSourceInternalOscillator,
}

// TimeSourceFromSymbol looks up a TimeSource by the symbolic name used in
// <Clock><clock_source>.
func TimeSourceFromSymbol(symbol string) (TimeSource, error) {
	if t, ok := timeSourceSymbols[symbol]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("wire: unknown clock source symbol %q", symbol)
}

// PortState enumerates the nine states of the per-port state machine.
type PortState uint8

const (
	PortStateInitializing PortState = iota + 1
	PortStateFaulty
	PortStateDisabled
	PortStateListening
	PortStatePreMaster
	PortStateMaster
	PortStatePassive
	PortStateUncalibrated
	PortStateSlave
)

var portStateNames = map[PortState]string{
	PortStateInitializing: "INITIALIZING",
	PortStateFaulty:       "FAULTY",
	PortStateDisabled:     "DISABLED",
	PortStateListening:    "LISTENING",
	PortStatePreMaster:    "PRE_MASTER",
	PortStateMaster:       "MASTER",
	PortStatePassive:      "PASSIVE",
	PortStateUncalibrated: "UNCALIBRATED",
	PortStateSlave:        "SLAVE",
}

func (s PortState) String() string {
	if n, ok := portStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("PortState(%d)", uint8(s))
}

// LogInterval is the base-2 logarithm of a period in seconds.
type LogInterval int8

// Duration expands the logarithmic interval to a wall-clock Duration.
func (i LogInterval) Duration() time.Duration {
	secs := math.Pow(2, float64(i))
	return time.Duration(secs * float64(time.Second))
}

// NewLogInterval converts a Duration to the nearest LogInterval.
func NewLogInterval(d time.Duration) (LogInterval, error) {
	li := int(math.Round(math.Log2(d.Seconds())))
	if li > 127 || li < -128 {
		return 0, fmt.Errorf("wire: log interval %d out of range", li)
	}
	return LogInterval(li), nil
}
