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
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"

	"github.com/facebook/txtime/stats"
	"github.com/facebook/txtime/timestamp"
)

func newTestSender(t *testing.T, cfg *Config) (*Sender, *MockChannel, *MockClock, *stats.JSONStats) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	clk := NewMockClock(ctrl)
	st := stats.NewJSONStats()
	s, err := NewSender(cfg, ch, clk, st)
	require.NoError(t, err)
	return s, ch, clk, st
}

func TestNewSenderPacketTooSmall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PacketSize = 17
	_, err := NewSender(cfg, nil, nil, stats.NewJSONStats())
	require.ErrorIs(t, err, ErrPacketTooSmall)
}

func TestSenderStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PacketSize = 64
	s, ch, clk, st := newTestSender(t, cfg)

	clk.EXPECT().Now().Return(uint64(2_500_000_000), nil)
	clk.EXPECT().Sleep(gomock.Any(), 500*time.Millisecond-cfg.Delta).Return(nil)
	ch.EXPECT().Send(gomock.Any(), uint64(3_000_000_000)).DoAndReturn(func(b []byte, _ uint64) error {
		require.Equal(t, 64, len(b))
		require.Equal(t, uint32(0), binary.BigEndian.Uint32(b[14:]))
		return nil
	})
	ch.EXPECT().Notifications().Return(nil, 0, nil)

	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, State{Mode: ModeSteady, LastScheduled: 3_000_000_000, Sequence: 1}, s.State())

	c := st.Counters()
	require.Equal(t, int64(1), c["tx"])
	require.Equal(t, int64(0), c["tx.sequence"])
	require.Equal(t, int64(1), c["hwts.missing"])
}

func TestSenderStepSendFailureAdvances(t *testing.T) {
	cfg := DefaultConfig()
	s, ch, clk, st := newTestSender(t, cfg)

	clk.EXPECT().Now().Return(uint64(2_999_990_000), nil)
	// within guard, no sleep
	// error queue is not read after a failed send
	ch.EXPECT().Send(gomock.Any(), uint64(3_000_000_000)).Return(unix.ENOBUFS)
	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, State{Mode: ModeSteady, LastScheduled: 3_000_000_000, Sequence: 1}, s.State())
	require.Equal(t, int64(0), st.Counters()["hwts.missing"])

	clk.EXPECT().Now().Return(uint64(3_000_000_010), nil)
	clk.EXPECT().Sleep(gomock.Any(), gomock.Any()).Return(nil)
	ch.EXPECT().Send(gomock.Any(), uint64(4_000_000_000)).DoAndReturn(func(b []byte, _ uint64) error {
		require.Equal(t, uint32(1), binary.BigEndian.Uint32(b[14:]))
		return nil
	})
	ch.EXPECT().Notifications().Return(nil, 0, nil)
	require.NoError(t, s.Step(context.Background()))

	c := st.Counters()
	require.Equal(t, int64(1), c["tx"])
	require.Equal(t, int64(1), c["tx.errors"])
	require.Equal(t, int64(1), c["hwts.missing"])
	require.Equal(t, uint32(2), s.State().Sequence)
}

func TestSenderStepLate(t *testing.T) {
	cfg := DefaultConfig()
	s, ch, clk, st := newTestSender(t, cfg)
	s.state = &State{Mode: ModeSteady, LastScheduled: 1_000_000_000, Sequence: 3}

	clk.EXPECT().Now().Return(uint64(2_000_000_100), nil)
	ch.EXPECT().Send(gomock.Any(), uint64(2_000_000_000)).Return(nil)
	ch.EXPECT().Notifications().Return(nil, 0, nil)
	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, int64(1), st.Counters()["tx.late"])
	require.Equal(t, int64(3), st.Counters()["tx.sequence"])
}

func TestSenderStepClockError(t *testing.T) {
	s, _, clk, _ := newTestSender(t, DefaultConfig())
	clk.EXPECT().Now().Return(uint64(0), fmt.Errorf("no clock"))
	require.Error(t, s.Step(context.Background()))
	require.Equal(t, *NewState(), s.State())
}

func TestSenderStepCanceledSleep(t *testing.T) {
	s, _, clk, _ := newTestSender(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk.EXPECT().Now().Return(uint64(2_500_000_000), nil)
	clk.EXPECT().Sleep(ctx, gomock.Any()).Return(context.Canceled)
	require.ErrorIs(t, s.Step(ctx), context.Canceled)
}

func TestSenderPoll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	s, ch, _, st := newTestSender(t, cfg)
	s.anchor = 10_000_000

	ch.EXPECT().Notifications().Return([]timestamp.Notification{
		// raw hardware timestamp
		{Timestamps: timestamp.Timestamps{Raw: 12_000_150}, HasTimestamps: true},
		// software only, raw slot is zero
		{Timestamps: timestamp.Timestamps{Software: 12_000_100}, HasTimestamps: true},
		// deadline missed
		{TXTimeError: &timestamp.TXTimeError{Code: timestamp.TXTimeMissed, Deadline: 13_000_000}},
		{Timestamps: timestamp.Timestamps{Raw: 13_999_950}, HasTimestamps: true},
	}, 2, nil)

	samples := s.Poll()
	require.Equal(t, []uint64{12_000_150, 13_999_950}, samples)
	c := st.Counters()
	require.Equal(t, int64(2), c["hwts"])
	require.Equal(t, int64(0), c["hwts.missing"])
	require.Equal(t, int64(1), c["txtime.errors"])
	require.Equal(t, int64(2), c["notifications.discarded"])
	require.Equal(t, int64(2), c["hwts.deviation.count"])
	require.Equal(t, int64(-50), c["hwts.deviation.min_ns"])
	require.Equal(t, int64(150), c["hwts.deviation.max_ns"])
}

func TestSenderPollZeroRawDiscarded(t *testing.T) {
	s, ch, _, st := newTestSender(t, DefaultConfig())
	ch.EXPECT().Notifications().Return([]timestamp.Notification{
		{Timestamps: timestamp.Timestamps{Software: 1, Legacy: 2}, HasTimestamps: true},
	}, 0, nil)
	require.Empty(t, s.Poll())
	require.Equal(t, int64(1), st.Counters()["hwts.missing"])

	ch.EXPECT().Notifications().Return(nil, 0, fmt.Errorf("bad fd"))
	require.Empty(t, s.Poll())
	require.Equal(t, int64(2), st.Counters()["hwts.missing"])
}

func TestSenderRunCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	cfg.Offset = OffsetConfig{Enabled: true, Offset: 500_000}
	cfg.VLAN = VLANConfig{Enabled: true, PCP: 5, VID: 100}
	cfg.PacketSize = 22
	cfg.Count = 5
	s, ch, clk, st := newTestSender(t, cfg)

	now := uint64(100_200_000_000)
	clk.EXPECT().Now().DoAndReturn(func() (uint64, error) { return now, nil }).Times(5)
	clk.EXPECT().Sleep(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, d time.Duration) error {
		now += uint64(d)
		return nil
	}).AnyTimes()
	var deadlines []uint64
	var seqs []uint32
	ch.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(b []byte, deadline uint64) error {
		require.Equal(t, 22, len(b))
		require.Equal(t, []byte{0x81, 0x00}, b[12:14])
		seqs = append(seqs, binary.BigEndian.Uint32(b[18:]))
		deadlines = append(deadlines, deadline)
		// pretend sending takes a while
		now = deadline + 30_000
		return nil
	}).Times(5)
	ch.EXPECT().Notifications().Return(nil, 0, nil).Times(5)

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, seqs)
	require.Equal(t, []uint64{
		103_000_500_000,
		103_001_500_000,
		103_002_500_000,
		103_003_500_000,
		103_004_500_000,
	}, deadlines)
	require.Equal(t, int64(5), st.Counters()["tx"])
	require.Equal(t, int64(0), st.Counters()["tx.late"])
}

func TestSenderRunCanceled(t *testing.T) {
	s, _, _, _ := newTestSender(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Run(ctx), context.Canceled)
}
