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

// Package config reads the XML configuration document described in
// spec.md §6 into a dataset.Configuration. This is the "XML
// configuration reader" spec.md §1 names as an external collaborator;
// the core only consumes the record this package produces.
package config

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/openptpd/ptpd/ptp/dataset"
	"github.com/openptpd/ptpd/ptp/wire"
)

// SupportedConfigVersion is the only <config_ver> this reader accepts,
// per §6.
const SupportedConfigVersion = "1.4"

// document mirrors the XML tag set of §6 field-for-field. encoding/xml
// struct tags do the layout work, matching the way the rest of the
// pack's config readers (e.g. sptp's YAML Config) lean on a struct-tag
// driven unmarshaler rather than hand-rolled scanning.
type document struct {
	XMLName    xml.Name         `xml:"PTPd"`
	ConfigVer  string           `xml:"config_ver"`
	General    generalSection   `xml:"General"`
	Interfaces []interfaceEntry `xml:"Interface"`
	Basic      basicSection     `xml:"Basic"`
	Clock      clockSection     `xml:"Clock"`
	Intervals  intervalsSection `xml:"Intervals"`
}

type generalSection struct {
	Debug           bool   `xml:"debug"`
	CustomClkIf     string `xml:"custom_clk_if"`
	ClockStatusFile string `xml:"clock_status_file"`
}

type interfaceEntry struct {
	Name                 string   `xml:"name,attr"`
	Multicast            bool     `xml:"multicast"`
	Unicast              []string `xml:"unicast"`
	DelayAsymmetry       *int64   `xml:"delay_asymmetry"`
	DelayAsymmetryMaster string   `xml:"delay_asymmetry_master"`
}

type basicSection struct {
	OneStepClock bool `xml:"one_step_clock"`
}

type clockSection struct {
	ClockClass    uint8  `xml:"clock_class"`
	ClockAccuracy string `xml:"clock_accuracy"`
	Priority1     uint8  `xml:"clock_priority1"`
	Priority2     uint8  `xml:"clock_priority2"`
	Domain        uint8  `xml:"domain"`
	ClockSource   string `xml:"clock_source"`
}

type intervalsSection struct {
	AnnounceInterval int8 `xml:"announce_interval"`
	SyncInterval     int8 `xml:"sync_interval"`
	DelayReqInterval int8 `xml:"delay_req_interval"`
}

// Load reads and validates the XML document at path, returning the
// dataset.Configuration the rest of the core consumes.
func Load(path string) (dataset.Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return dataset.Configuration{}, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse is Load's testable core: it takes the raw document bytes rather
// than a path.
func Parse(b []byte) (dataset.Configuration, error) {
	var doc document
	if err := xml.Unmarshal(b, &doc); err != nil {
		return dataset.Configuration{}, fmt.Errorf("config: parse: %w", err)
	}
	if doc.ConfigVer != SupportedConfigVersion {
		return dataset.Configuration{}, fmt.Errorf("config: unsupported config_ver %q, want %q", doc.ConfigVer, SupportedConfigVersion)
	}

	accuracy, err := wire.ClockAccuracyFromSymbol(doc.Clock.ClockAccuracy)
	if err != nil {
		return dataset.Configuration{}, err
	}
	source, err := wire.TimeSourceFromSymbol(doc.Clock.ClockSource)
	if err != nil {
		return dataset.Configuration{}, err
	}

	announceInterval := wire.LogInterval(doc.Intervals.AnnounceInterval)
	syncInterval := wire.LogInterval(doc.Intervals.SyncInterval)
	delayReqInterval := wire.LogInterval(doc.Intervals.DelayReqInterval)

	cfg := dataset.Configuration{
		ConfigVersion:   doc.ConfigVer,
		Debug:           doc.General.Debug,
		CustomClkIf:     doc.General.CustomClkIf,
		ClockStatusFile: doc.General.ClockStatusFile,
		OneStepClock:    doc.Basic.OneStepClock,
		ClockQuality: wire.ClockQuality{
			ClockClass:    wire.ClockClass(doc.Clock.ClockClass),
			ClockAccuracy: accuracy,
		},
		Priority1:           doc.Clock.Priority1,
		Priority2:           doc.Clock.Priority2,
		Domain:              doc.Clock.Domain,
		TimeSource:          source,
		LogAnnounceInterval: announceInterval,
		LogSyncInterval:     syncInterval,
		LogDelayReqInterval: delayReqInterval,
	}

	for _, e := range doc.Interfaces {
		if e.Name == "" {
			return dataset.Configuration{}, fmt.Errorf("config: <Interface> missing name attribute")
		}
		ic := dataset.InterfaceConfig{
			Name:      e.Name,
			Multicast: e.Multicast,
			Unicast:   e.Unicast,
		}
		if e.DelayAsymmetry != nil {
			ic.DelayAsymmetryPs = *e.DelayAsymmetry
		}
		if e.DelayAsymmetryMaster != "" {
			id, err := parseClockIdentity(e.DelayAsymmetryMaster)
			if err != nil {
				return dataset.Configuration{}, fmt.Errorf("config: interface %s: %w", e.Name, err)
			}
			ic.DelayAsymmetryMaster = &id
		}
		cfg.Interfaces = append(cfg.Interfaces, ic)
	}
	if len(cfg.Interfaces) == 0 {
		return dataset.Configuration{}, fmt.Errorf("config: no <Interface> entries")
	}

	return cfg, nil
}

// parseClockIdentity parses the 16 hex-digit form (no separators) a
// delay_asymmetry_master tag is expected to carry.
func parseClockIdentity(s string) (wire.ClockIdentity, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("clock identity %q must be 16 hex digits", s)
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%016x", &v); err != nil {
		return 0, fmt.Errorf("clock identity %q: %w", s, err)
	}
	return wire.ClockIdentity(v), nil
}
