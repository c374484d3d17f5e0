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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/txtime/clock"
	"github.com/facebook/txtime/cyclic"
	"github.com/facebook/txtime/rawsock"
	"github.com/facebook/txtime/stats"
)

// RootCmd is a main entry point. It sends frames unless a subcommand is specified.
var RootCmd = &cobra.Command{
	Use:   "cyclictx [period_ns] [delta_ns] [packet_size] [priority] [offset_ns] [pcp] [vid]",
	Short: "Send raw Ethernet frames at precise deadlines using SO_TXTIME",
	Long: "Send raw Ethernet frames at precise deadlines using SO_TXTIME.\n" +
		"Deadlines are enforced by the ETF qdisc, which must be configured on the interface.\n" +
		"Positional arguments are applied after the config file, flags are applied last.",
	Args: cobra.MaximumNArgs(7),
	RunE: runRootCmd,
}

// flags
var (
	rootVerboseFlag bool
	rootConfigFlag  string
	rootOverrides   = cyclic.DefaultConfig()
)

func init() {
	defaults := cyclic.DefaultConfig()
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootOverrides.Iface, "iface", "i", defaults.Iface, "network interface to use")

	f := RootCmd.Flags()
	f.StringVarP(&rootConfigFlag, "config", "c", "", "path to the config")
	f.DurationVar(&rootOverrides.Period, "period", defaults.Period, "interval between frames")
	f.DurationVar(&rootOverrides.Delta, "delta", defaults.Delta, "how long before the deadline to hand frame to the kernel")
	f.IntVar(&rootOverrides.PacketSize, "packetsize", defaults.PacketSize, "size of every frame in bytes, without FCS")
	f.IntVar(&rootOverrides.Priority, "priority", defaults.Priority, "socket priority, used to steer frames into the ETF qdisc")
	f.DurationVar(&rootOverrides.Offset.Offset, "offset", 0, "send first frame 3 seconds from now at this offset within the second. Disabled if not set")
	f.IntVar(&rootOverrides.VLAN.PCP, "pcp", 0, "VLAN priority code point (0-7), setting it or vid enables VLAN tagging")
	f.IntVar(&rootOverrides.VLAN.VID, "vid", 0, "VLAN identifier (0-4095), setting it or pcp enables VLAN tagging")
	f.StringVar(&rootOverrides.Clock, "clock", defaults.Clock, fmt.Sprintf("clock deadlines are expressed in, one of %v", clock.Names()))
	f.BoolVar(&rootOverrides.ReportErrors, "reporterrors", defaults.ReportErrors, "ask the kernel to report frames dropped by the qdisc")
	f.IntVar(&rootOverrides.MonitoringPort, "monitoringport", defaults.MonitoringPort, "port to start monitoring http server on, disabled if 0")
	f.IntVar(&rootOverrides.SendBuffer, "sendbuffer", defaults.SendBuffer, "socket send buffer size in bytes")
	f.Uint64Var(&rootOverrides.Count, "count", defaults.Count, "stop after sending this many frames, 0 means run forever")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs to be called by any subcommand.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the main entry point for CLI interface
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runRootCmd(c *cobra.Command, args []string) error {
	ConfigureVerbosity()

	setFlags := make(map[string]bool)
	c.Flags().Visit(func(f *pflag.Flag) {
		setFlags[f.Name] = true
	})
	cfg, err := cyclic.PrepareConfig(rootConfigFlag, args, rootOverrides, setFlags)
	if err != nil {
		log.Fatal(err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
	return nil
}

func run(cfg *cyclic.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Clock == "tai" {
		warnOnZeroTAIOffset()
	}

	conn, err := rawsock.Open(&rawsock.Config{
		Iface:        cfg.Iface,
		Priority:     cfg.Priority,
		SendBuffer:   cfg.SendBuffer,
		ClockID:      cfg.ClockID(),
		ReportErrors: cfg.ReportErrors,
	})
	if err != nil {
		return fmt.Errorf("opening transmit socket on %s: %w", cfg.Iface, err)
	}
	defer conn.Close()

	st := stats.NewJSONStats()
	sender, err := cyclic.NewSender(cfg, conn, clock.New(cfg.ClockID()), st)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.MonitoringPort > 0 {
		eg.Go(func() error {
			return st.Start(ctx, cfg.MonitoringPort)
		})
	}
	eg.Go(func() error {
		defer stop()
		err := sender.Run(ctx)
		if errors.Is(err, context.Canceled) {
			log.Info("Stopping")
			return nil
		}
		return err
	})
	err = eg.Wait()
	log.Infof("Counters: %v", st.Counters())
	return err
}

func warnOnZeroTAIOffset() {
	offset, err := clock.TAIOffset()
	if err != nil {
		log.Warningf("Failed to read TAI offset: %v", err)
		return
	}
	if offset == 0 {
		log.Warning("Kernel TAI offset is 0, CLOCK_TAI is the same as CLOCK_REALTIME. Is time synchronization daemon running?")
	}
}
