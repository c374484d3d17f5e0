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

//go:generate mockgen -source sender.go -destination sender_mock_test.go -package cyclic

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/txtime/stats"
	"github.com/facebook/txtime/timestamp"
)

// Channel sends frames at a deadline and reports what happened to them
type Channel interface {
	Send(b []byte, deadline uint64) error
	Notifications() ([]timestamp.Notification, int, error)
}

// Clock is the time source deadlines are computed in
type Clock interface {
	Now() (uint64, error)
	Sleep(ctx context.Context, d time.Duration) error
}

// Sender transmits one frame per period, each pinned to its deadline
type Sender struct {
	cfg    *Config
	ch     Channel
	clock  Clock
	stats  stats.Stats
	frames *FrameBuilder
	state  *State
	buf    []byte
	// deadline of the first frame, all later deadlines are on its grid
	anchor uint64
}

// NewSender returns Sender with a fresh schedule
func NewSender(cfg *Config, ch Channel, clk Clock, st stats.Stats) (*Sender, error) {
	frames, err := NewFrameBuilder(cfg.PacketSize, &cfg.VLAN)
	if err != nil {
		return nil, err
	}
	return &Sender{
		cfg:    cfg,
		ch:     ch,
		clock:  clk,
		stats:  st,
		frames: frames,
		state:  NewState(),
		buf:    make([]byte, frames.Size()),
	}, nil
}

// State returns current schedule state
func (s *Sender) State() State {
	return *s.state
}

// Step sends a single frame.
// Only clock failures and context cancellation are returned, failed sends are counted and logged.
func (s *Sender) Step(ctx context.Context) error {
	now, err := s.clock.Now()
	if err != nil {
		return fmt.Errorf("getting time: %w", err)
	}
	scheduled, late := Next(s.state, s.cfg, now)
	if late {
		s.stats.IncLate()
		log.Warningf("Deadline %d ns for frame %d is not in the future (now %d ns), sending immediately", scheduled, s.state.Sequence, now)
	}
	if d := SleepDuration(scheduled, now, s.cfg.Delta); d > 0 {
		if err := s.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}

	seq := s.state.Sequence
	frame := s.frames.BuildInto(s.buf, seq)
	sendErr := s.ch.Send(frame, scheduled)
	if s.state.Mode == ModeFirst {
		s.anchor = scheduled
	}
	s.state.Advance(scheduled)
	s.stats.SetSequence(seq)

	if sendErr != nil {
		s.stats.IncTXError()
		log.Errorf("Failed to send frame %d: %v", seq, sendErr)
		return nil
	}
	s.stats.IncTX()
	log.Debugf("Frame %d scheduled for %d ns", seq, scheduled)
	s.Poll()
	return nil
}

// Poll drains notifications of previous sends without blocking and returns raw hardware TX timestamps found
func (s *Sender) Poll() []uint64 {
	notifications, discarded, err := s.ch.Notifications()
	if err != nil {
		log.Warningf("Failed to read notifications: %v", err)
	}
	if discarded > 0 {
		s.stats.AddDiscarded(int64(discarded))
		log.Debugf("Discarded %d malformed notifications", discarded)
	}
	var samples []uint64
	for _, n := range notifications {
		if n.TXTimeError != nil {
			s.stats.IncTXTimeError()
			log.Warningf("Frame dropped by qdisc: %v", n.TXTimeError)
		}
		if !n.HasTimestamps {
			continue
		}
		hwts, err := n.Timestamps.RawHardware()
		if err != nil {
			continue
		}
		samples = append(samples, hwts)
		s.stats.IncHWTS()
		deviation := GridDeviation(hwts, s.anchor, s.cfg.Period)
		s.stats.AddDeviation(deviation)
		log.Debugf("HW timestamp: %d ns, %d ns from schedule", hwts, deviation)
	}
	if len(samples) == 0 {
		s.stats.IncHWTSMissing()
	}
	return samples
}

// Run sends frames until ctx is done, clock fails or cfg.Count frames were sent
func (s *Sender) Run(ctx context.Context) error {
	log.Infof("Sending %d byte frames every %v via %s, waking up %v before deadline", s.frames.Size(), s.cfg.Period, s.cfg.Iface, s.cfg.Delta)
	for i := uint64(0); s.cfg.Count == 0 || i < s.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}
