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

import "github.com/openptpd/ptpd/ptp/wire"

// InterfaceConfig is one <Interface> entry: the network interface a port
// binds to, and how it talks to its peers.
type InterfaceConfig struct {
	Name                 string
	Multicast            bool
	Unicast              []string
	DelayAsymmetryPs     int64
	DelayAsymmetryMaster *wire.ClockIdentity
}

// Configuration is the read-only-after-load record produced by
// ptp/config.Load. It is re-read in full on SIGHUP and swapped in at the
// next event-loop iteration boundary.
type Configuration struct {
	ConfigVersion   string
	Debug           bool
	CustomClkIf     string
	ClockStatusFile string

	Interfaces []InterfaceConfig

	OneStepClock bool

	ClockQuality wire.ClockQuality
	Priority1    uint8
	Priority2    uint8
	Domain       uint8
	SlaveOnly    bool
	TimeSource   wire.TimeSource

	LogAnnounceInterval wire.LogInterval
	LogSyncInterval     wire.LogInterval
	LogDelayReqInterval wire.LogInterval
}
