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

package cyclic

import (
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/txtime/clock"
)

// maxOffset is the exclusive upper bound of the first deadline nanosecond component
const maxOffset = time.Second

// OffsetConfig pins the first frame to a nanosecond within the second, 3 seconds from start
type OffsetConfig struct {
	Enabled bool          `yaml:"enabled"`
	Offset  time.Duration `yaml:"offset"`
}

// Valid tells if offset is within a second
func (c *OffsetConfig) Valid() bool {
	return c.Offset >= 0 && c.Offset < maxOffset
}

// VLANConfig describes 802.1Q tag inserted into every frame
type VLANConfig struct {
	Enabled bool `yaml:"enabled"`
	PCP     int  `yaml:"pcp"`
	VID     int  `yaml:"vid"`
}

// Valid tells if PCP and VID fit into the tag
func (c *VLANConfig) Valid() bool {
	return c.PCP >= 0 && c.PCP <= 7 && c.VID >= 0 && c.VID <= 4095
}

// Config specifies cyclic sender run options
type Config struct {
	Iface          string        `yaml:"iface"`
	Period         time.Duration `yaml:"period"`
	Delta          time.Duration `yaml:"delta"`
	PacketSize     int           `yaml:"packet_size"`
	Priority       int           `yaml:"priority"`
	Offset         OffsetConfig  `yaml:"offset"`
	VLAN           VLANConfig    `yaml:"vlan"`
	Clock          string        `yaml:"clock"`
	ReportErrors   bool          `yaml:"report_errors"`
	MonitoringPort int           `yaml:"monitoring_port"`
	SendBuffer     int           `yaml:"send_buffer"`
	Count          uint64        `yaml:"count"` // stop after this many frames, 0 means run forever
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Iface:      "eth0",
		Period:     time.Second,
		Delta:      120 * time.Microsecond,
		PacketSize: 1514,
		Priority:   8,
		Clock:      "tai",
		SendBuffer: 1024 * 1024,
	}
}

// Sanitize disables optional features configured with values out of range
func (c *Config) Sanitize() {
	if c.Offset.Enabled && !c.Offset.Valid() {
		log.Warningf("Invalid first packet offset %v, must be within [0, %v). Using default timing for first packet", c.Offset.Offset, maxOffset)
		c.Offset.Enabled = false
	}
	if c.VLAN.Enabled && !c.VLAN.Valid() {
		log.Warningf("Invalid PCP %d or VID %d, PCP must be 0-7, VID 0-4095. VLAN tagging disabled", c.VLAN.PCP, c.VLAN.VID)
		c.VLAN.Enabled = false
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface must be specified")
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be greater than zero")
	}
	if c.Delta < 0 {
		return fmt.Errorf("delta must be 0 or positive")
	}
	if minSize := MinPacketSize(c.VLAN.Enabled); c.PacketSize < minSize {
		return fmt.Errorf("%w: %d, minimum is %d", ErrPacketTooSmall, c.PacketSize, minSize)
	}
	if _, err := clock.ParseID(c.Clock); err != nil {
		return err
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoringport must be 0 or positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("sendbuffer must be greater than zero")
	}
	return nil
}

// ClockID returns id of the clock deadlines are expressed in
func (c *Config) ClockID() int32 {
	// Validate makes sure the name is known
	id, _ := clock.ParseID(c.Clock)
	return id
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func parseUint(name, value string) (uint64, error) {
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return v, nil
}

// ParseArgs applies positional arguments in order
// [period_ns] [delta_ns] [packet_size] [priority] [offset_ns] [pcp] [vid].
// Invalid offset or VLAN values are reported and leave the feature disabled.
func ParseArgs(c *Config, args []string) error {
	if len(args) > 7 {
		return fmt.Errorf("too many arguments: %d, at most 7 are supported", len(args))
	}
	if len(args) > 0 {
		v, err := parseUint("period", args[0])
		if err != nil {
			return err
		}
		c.Period = time.Duration(v)
	}
	if len(args) > 1 {
		v, err := parseUint("delta", args[1])
		if err != nil {
			return err
		}
		c.Delta = time.Duration(v)
	}
	if len(args) > 2 {
		v, err := parseUint("packet size", args[2])
		if err != nil {
			return err
		}
		c.PacketSize = int(v)
	}
	if len(args) > 3 {
		v, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid priority %q: %w", args[3], err)
		}
		c.Priority = v
	}
	if len(args) > 4 && args[4] != "" {
		v, err := strconv.ParseUint(args[4], 10, 64)
		if err != nil || time.Duration(v) >= maxOffset {
			log.Warningf("Invalid nanosecond component %q, must be a number < %d. Using default timing for first packet", args[4], maxOffset.Nanoseconds())
			c.Offset.Enabled = false
		} else {
			c.Offset = OffsetConfig{Enabled: true, Offset: time.Duration(v)}
		}
	}
	switch len(args) {
	case 6:
		log.Warningf("For VLAN both PCP and VID must be specified after offset, VID argument missing. VLAN tagging disabled")
		c.VLAN.Enabled = false
	case 7:
		pcp, perr := strconv.Atoi(args[5])
		vid, verr := strconv.Atoi(args[6])
		vlan := VLANConfig{Enabled: true, PCP: pcp, VID: vid}
		if perr != nil || verr != nil || !vlan.Valid() {
			log.Warningf("Invalid PCP %q or VID %q, PCP must be 0-7, VID 0-4095. VLAN tagging disabled", args[5], args[6])
			c.VLAN.Enabled = false
		} else {
			c.VLAN = vlan
		}
	}
	return nil
}

// PrepareConfig prepares final version of config based on defaults, on-disk config, positional arguments and CLI flags,
// and validates resulting config. Only flags present in setFlags are taken from overrides.
func PrepareConfig(cfgPath string, args []string, overrides *Config, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if err := ParseArgs(cfg, args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	if setFlags["iface"] {
		warn("iface")
		cfg.Iface = overrides.Iface
	}
	if setFlags["period"] {
		warn("period")
		cfg.Period = overrides.Period
	}
	if setFlags["delta"] {
		warn("delta")
		cfg.Delta = overrides.Delta
	}
	if setFlags["packetsize"] {
		warn("packetSize")
		cfg.PacketSize = overrides.PacketSize
	}
	if setFlags["priority"] {
		warn("priority")
		cfg.Priority = overrides.Priority
	}
	if setFlags["offset"] {
		warn("offset")
		cfg.Offset = OffsetConfig{Enabled: true, Offset: overrides.Offset.Offset}
	}
	if setFlags["pcp"] || setFlags["vid"] {
		warn("vlan")
		cfg.VLAN.Enabled = true
		if setFlags["pcp"] {
			cfg.VLAN.PCP = overrides.VLAN.PCP
		}
		if setFlags["vid"] {
			cfg.VLAN.VID = overrides.VLAN.VID
		}
	}
	if setFlags["clock"] {
		warn("clock")
		cfg.Clock = overrides.Clock
	}
	if setFlags["reporterrors"] {
		warn("reportErrors")
		cfg.ReportErrors = overrides.ReportErrors
	}
	if setFlags["monitoringport"] {
		warn("monitoringPort")
		cfg.MonitoringPort = overrides.MonitoringPort
	}
	if setFlags["sendbuffer"] {
		warn("sendBuffer")
		cfg.SendBuffer = overrides.SendBuffer
	}
	if setFlags["count"] {
		warn("count")
		cfg.Count = overrides.Count
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
