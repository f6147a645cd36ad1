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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openptpd/ptpd/ptp/wire"
)

const sampleConfig = `<?xml version="1.0"?>
<PTPd>
  <config_ver>1.4</config_ver>
  <General>
    <debug>true</debug>
    <custom_clk_if></custom_clk_if>
    <clock_status_file>/var/run/ptpd/status</clock_status_file>
  </General>
  <Interface name="eth0">
    <multicast>true</multicast>
    <unicast>10.0.0.2</unicast>
    <unicast>10.0.0.3</unicast>
    <delay_asymmetry>1500</delay_asymmetry>
  </Interface>
  <Basic>
    <one_step_clock>false</one_step_clock>
  </Basic>
  <Clock>
    <clock_class>248</clock_class>
    <clock_accuracy>1us</clock_accuracy>
    <clock_priority1>128</clock_priority1>
    <clock_priority2>128</clock_priority2>
    <domain>0</domain>
    <clock_source>internal_oscillator</clock_source>
  </Clock>
  <Intervals>
    <announce_interval>1</announce_interval>
    <sync_interval>0</sync_interval>
    <delay_req_interval>0</delay_req_interval>
  </Intervals>
</PTPd>
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "/var/run/ptpd/status", cfg.ClockStatusFile)
	require.Len(t, cfg.Interfaces, 1)
	assert.Equal(t, "eth0", cfg.Interfaces[0].Name)
	assert.True(t, cfg.Interfaces[0].Multicast)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, cfg.Interfaces[0].Unicast)
	assert.Equal(t, int64(1500), cfg.Interfaces[0].DelayAsymmetryPs)
	assert.False(t, cfg.OneStepClock)
	assert.Equal(t, wire.ClockClass(248), cfg.ClockQuality.ClockClass)
	assert.Equal(t, wire.ClockAccuracyMicrosecond1, cfg.ClockQuality.ClockAccuracy)
	assert.Equal(t, uint8(128), cfg.Priority1)
	assert.Equal(t, wire.TimeSourceInternalOscillator, cfg.TimeSource)
	assert.Equal(t, wire.LogInterval(1), cfg.LogAnnounceInterval)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	bad := []byte(`<PTPd><config_ver>1.0</config_ver></PTPd>`)
	_, err := Parse(bad)
	assert.Error(t, err)
}

func TestParseRejectsUnknownAccuracySymbol(t *testing.T) {
	bad := []byte(`<PTPd>
  <config_ver>1.4</config_ver>
  <Interface name="eth0"></Interface>
  <Clock><clock_accuracy>bogus</clock_accuracy><clock_source>ptp</clock_source></Clock>
</PTPd>`)
	_, err := Parse(bad)
	assert.Error(t, err)
}

func TestParseRequiresAtLeastOneInterface(t *testing.T) {
	bad := []byte(`<PTPd>
  <config_ver>1.4</config_ver>
  <Clock><clock_accuracy>1us</clock_accuracy><clock_source>ptp</clock_source></Clock>
</PTPd>`)
	_, err := Parse(bad)
	assert.Error(t, err)
}

func TestParseDelayAsymmetryMaster(t *testing.T) {
	doc := []byte(`<PTPd>
  <config_ver>1.4</config_ver>
  <Interface name="eth0">
    <delay_asymmetry_master>0011223344556677</delay_asymmetry_master>
  </Interface>
  <Clock><clock_accuracy>1us</clock_accuracy><clock_source>ptp</clock_source></Clock>
</PTPd>`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	require.NotNil(t, cfg.Interfaces[0].DelayAsymmetryMaster)
	assert.Equal(t, wire.ClockIdentity(0x0011223344556677), *cfg.Interfaces[0].DelayAsymmetryMaster)
}
