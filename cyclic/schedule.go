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
	"time"
)

const nsPerSecond = uint64(time.Second)

// firstOffsetDelay is how many whole seconds after start a first frame with offset goes out
const firstOffsetDelay = 3

// Mode of the schedule
type Mode uint8

// Schedule modes
const (
	ModeFirst Mode = iota
	ModeSteady
)

func (m Mode) String() string {
	switch m {
	case ModeFirst:
		return "FIRST"
	case ModeSteady:
		return "STEADY"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
}

// State of the schedule between iterations
type State struct {
	Mode          Mode
	LastScheduled uint64
	Sequence      uint32
}

// NewState returns State before the first frame
func NewState() *State {
	return &State{Mode: ModeFirst}
}

// Advance moves schedule past the attempt to send a frame at scheduled, whether it was sent or not
func (s *State) Advance(scheduled uint64) {
	s.Mode = ModeSteady
	s.LastScheduled = scheduled
	s.Sequence++
}

// Next computes deadline of the next frame given current time now.
// late is set when the deadline is not in the future, such frame is sent right away with the stale deadline.
func Next(s *State, cfg *Config, now uint64) (scheduled uint64, late bool) {
	period := uint64(cfg.Period)
	switch {
	case s.Mode == ModeSteady:
		scheduled = s.LastScheduled + period
	case cfg.Offset.Enabled:
		scheduled = (now/nsPerSecond+firstOffsetDelay)*nsPerSecond + uint64(cfg.Offset.Offset)
	default:
		scheduled = (now/period + 1) * period
	}
	return scheduled, scheduled <= now
}

// SleepDuration returns how long to sleep so we wake up guard before scheduled
func SleepDuration(scheduled, now uint64, guard time.Duration) time.Duration {
	if scheduled <= now {
		return 0
	}
	until := scheduled - now
	if until <= uint64(guard) {
		return 0
	}
	return time.Duration(until - uint64(guard))
}

// GridDeviation returns distance from sample to the closest point of the schedule anchor + k*period,
// within (-period/2, period/2]
func GridDeviation(sample, anchor uint64, period time.Duration) int64 {
	p := int64(period)
	if p <= 0 {
		return 0
	}
	r := int64(sample-anchor) % p
	if r < 0 {
		r += p
	}
	if r > p/2 {
		r -= p
	}
	return r
}
