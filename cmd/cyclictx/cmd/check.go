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

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/facebook/txtime/clock"
	"github.com/facebook/txtime/phc"
	"github.com/facebook/txtime/rawsock"
)

type status int

// possible check results
const (
	OK status = iota
	WARN
	FAIL
)

var okString = color.GreenString("[ OK ]")
var warnString = color.YellowString("[WARN]")
var failString = color.RedString("[FAIL]")

var statusToColor = []string{okString, warnString, failString}

// checker verifies one prerequisite of deadline based sending on the interface
type checker func(iface string) (status, string)

func checkLink(iface string) (status, string) {
	link, err := rawsock.LinkByName(iface)
	if link == nil {
		return FAIL, fmt.Sprintf("Interface lookup failed: %v", err)
	}
	if err != nil {
		return WARN, fmt.Sprintf("Interface %s, operational state unknown: %v", color.BlueString(link.String()), err)
	}
	if !link.Up {
		return FAIL, fmt.Sprintf("Interface %s is %s", color.BlueString(link.String()), color.RedString("down"))
	}
	return OK, fmt.Sprintf("Interface %s", color.BlueString(link.String()))
}

func checkTimestamping(iface string) (status, string) {
	info, err := phc.IfaceInfo(iface)
	if err != nil {
		return FAIL, fmt.Sprintf("Failed to get timestamping capabilities: %v", err)
	}
	if !info.SupportsTXHardware() {
		if info.SupportsTXSoftware() {
			return WARN, "Only software TX timestamps are supported, hardware departure times won't be reported"
		}
		return FAIL, "TX timestamps are not supported"
	}
	return OK, "Hardware TX timestamps are supported"
}

func checkPHC(iface string) (status, string) {
	dev, err := phc.IfaceToPHCDevice(iface)
	if err != nil {
		return WARN, fmt.Sprintf("No PTP hardware clock: %v", err)
	}
	return OK, fmt.Sprintf("PTP hardware clock is %s", color.BlueString(dev))
}

func checkTAIOffset(_ string) (status, string) {
	offset, err := clock.TAIOffset()
	if err != nil {
		return FAIL, fmt.Sprintf("Failed to read TAI offset: %v", err)
	}
	if offset == 0 {
		return WARN, fmt.Sprintf("Kernel TAI offset is %s, CLOCK_TAI equals CLOCK_REALTIME", color.YellowString("%v", offset))
	}
	return OK, fmt.Sprintf("Kernel TAI offset is %s", color.GreenString("%v", offset))
}

func checkClockTAI(_ string) (status, string) {
	c := clock.New(mustClockID("tai"))
	now, err := c.Now()
	if err != nil {
		return FAIL, fmt.Sprintf("Failed to read CLOCK_TAI: %v", err)
	}
	return OK, fmt.Sprintf("CLOCK_TAI is %s", color.BlueString(time.Unix(0, int64(now)).UTC().Format(time.RFC3339Nano)))
}

func mustClockID(name string) int32 {
	id, err := clock.ParseID(name)
	if err != nil {
		panic(err)
	}
	return id
}

var checkers = []checker{
	checkLink,
	checkTimestamping,
	checkPHC,
	checkTAIOffset,
	checkClockTAI,
}

func runCheckers(iface string) status {
	worst := OK
	for _, check := range checkers {
		s, msg := check(iface)
		fmt.Printf("%s %s\n", statusToColor[s], msg)
		if s > worst {
			worst = s
		}
	}
	return worst
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check if the interface and clocks are ready for deadline based sending",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if runCheckers(rootOverrides.Iface) == FAIL {
			os.Exit(1)
		}
	},
}
