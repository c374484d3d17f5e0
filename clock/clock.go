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

package clock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// supported clocks by name
var clockIDs = map[string]int32{
	"tai":       unix.CLOCK_TAI,
	"realtime":  unix.CLOCK_REALTIME,
	"monotonic": unix.CLOCK_MONOTONIC,
	"boottime":  unix.CLOCK_BOOTTIME,
}

// Names returns sorted names of supported clocks
func Names() []string {
	names := make([]string, 0, len(clockIDs))
	for name := range clockIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseID returns clock id by its name
func ParseID(name string) (int32, error) {
	id, ok := clockIDs[name]
	if !ok {
		return -1, fmt.Errorf("unknown clock %q, supported: %v", name, Names())
	}
	return id, nil
}

// Clock reads time from a POSIX clock
type Clock struct {
	ID int32
}

// New returns Clock for given clock id
func New(id int32) *Clock {
	return &Clock{ID: id}
}

// Now returns current time in nanoseconds
func (c *Clock) Now() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.ID, &ts); err != nil {
		return 0, fmt.Errorf("failed to read clock %d: %w", c.ID, err)
	}
	ns := ts.Nano()
	if ns < 0 {
		return 0, fmt.Errorf("clock %d returned negative time %d", c.ID, ns)
	}
	return uint64(ns), nil
}

// Sleep blocks for d or until ctx is done.
// Wake up is coarse, callers are expected to leave a margin.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TAIOffset returns the difference between CLOCK_TAI and CLOCK_REALTIME as known to the kernel
func TAIOffset() (time.Duration, error) {
	tx := &unix.Timex{}
	if _, err := unix.Adjtimex(tx); err != nil {
		return 0, fmt.Errorf("failed to read TAI offset: %w", err)
	}
	return time.Duration(tx.Tai) * time.Second, nil
}
