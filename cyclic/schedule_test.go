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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModeString(t *testing.T) {
	require.Equal(t, "FIRST", ModeFirst.String())
	require.Equal(t, "STEADY", ModeSteady.String())
	require.Equal(t, "UNKNOWN(42)", Mode(42).String())
}

func TestNextFirstDefault(t *testing.T) {
	cfg := DefaultConfig()
	s := NewState()
	scheduled, late := Next(s, cfg, 2_500_000_000)
	require.Equal(t, uint64(3_000_000_000), scheduled)
	require.False(t, late)

	// exactly on the boundary goes to the next one
	scheduled, late = Next(s, cfg, 3_000_000_000)
	require.Equal(t, uint64(4_000_000_000), scheduled)
	require.False(t, late)

	cfg.Period = time.Millisecond
	scheduled, _ = Next(s, cfg, 2_500_000_001)
	require.Equal(t, uint64(2_501_000_000), scheduled)
}

func TestNextFirstOffset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Offset = OffsetConfig{Enabled: true, Offset: 500_000}
	s := NewState()
	for _, now := range []uint64{1_700_000_000_000_000_000, 1_700_000_000_999_999_999} {
		scheduled, late := Next(s, cfg, now)
		require.Equal(t, uint64(1_700_000_003_000_500_000), scheduled)
		require.False(t, late)
	}
	// period doesn't matter for the first frame
	cfg.Period = 7 * time.Millisecond
	scheduled, _ := Next(s, cfg, 10_123_456_789)
	require.Equal(t, uint64(13_000_500_000), scheduled)
}

func TestNextSteady(t *testing.T) {
	cfg := DefaultConfig()
	s := &State{Mode: ModeSteady, LastScheduled: 5_000_000_000, Sequence: 5}
	// independent of now
	for _, now := range []uint64{4_000_000_000, 5_000_000_001, 5_999_999_999} {
		scheduled, late := Next(s, cfg, now)
		require.Equal(t, uint64(6_000_000_000), scheduled)
		require.False(t, late)
	}
	// woke up too late, deadline is kept anyway
	scheduled, late := Next(s, cfg, 6_000_000_000)
	require.Equal(t, uint64(6_000_000_000), scheduled)
	require.True(t, late)
}

func TestPeriodicity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Period = 250 * time.Microsecond
	s := NewState()
	now := uint64(1_000_000_123)
	var prev uint64
	for i := 0; i < 1000; i++ {
		scheduled, _ := Next(s, cfg, now)
		if i > 0 {
			require.Equal(t, uint64(cfg.Period), scheduled-prev)
		}
		prev = scheduled
		s.Advance(scheduled)
		// wake up jitter must not affect the schedule
		now = scheduled + uint64(i%7)*1000
	}
	require.Equal(t, uint32(1000), s.Sequence)
}

func TestAdvance(t *testing.T) {
	s := NewState()
	require.Equal(t, ModeFirst, s.Mode)
	require.Equal(t, uint32(0), s.Sequence)
	s.Advance(42)
	require.Equal(t, &State{Mode: ModeSteady, LastScheduled: 42, Sequence: 1}, s)

	s.Sequence = 0xffffffff
	s.Advance(43)
	require.Equal(t, uint32(0), s.Sequence)
}

func TestSleepDuration(t *testing.T) {
	guard := 120 * time.Microsecond
	require.Equal(t, time.Second-guard, SleepDuration(3_000_000_000, 2_000_000_000, guard))
	// within guard
	require.Equal(t, time.Duration(0), SleepDuration(3_000_000_000, 2_999_900_000, guard))
	require.Equal(t, time.Duration(0), SleepDuration(3_000_000_000, 2_999_880_000, guard))
	// past due
	require.Equal(t, time.Duration(0), SleepDuration(3_000_000_000, 3_000_000_000, guard))
	require.Equal(t, time.Duration(0), SleepDuration(3_000_000_000, 4_000_000_000, guard))
	// no guard
	require.Equal(t, time.Duration(1), SleepDuration(3_000_000_000, 2_999_999_999, 0))
}

func TestGridDeviation(t *testing.T) {
	period := time.Millisecond
	anchor := uint64(10_000_000)
	testCases := []struct {
		sample uint64
		want   int64
	}{
		{sample: 10_000_000, want: 0},
		{sample: 10_000_150, want: 150},
		{sample: 12_000_150, want: 150},
		{sample: 12_999_900, want: -100},
		{sample: 9_999_900, want: -100},
		{sample: 10_500_000, want: 500_000},
		{sample: 10_500_001, want: -499_999},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, GridDeviation(tc.sample, anchor, period), "sample %d", tc.sample)
	}
	require.Equal(t, int64(0), GridDeviation(1, 2, 0))
}
