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

package timestamp

// Here we have TX timestamping and transmit deadline (SO_TXTIME) support

import (
	"errors"
	"fmt"
)

// from include/uapi/linux/net_tstamp.h
const (
	// HWTSTAMP_TX_ON int 1
	hwtstampTXON int32 = 0x00000001
	// HWTSTAMP_FILTER_NONE int 0
	hwtstampFilterNone int32 = 0x00000000
)

const (
	// ControlSizeBytes is enough to hold a SCM_TIMESTAMPING message
	// and an extended error message in the same read
	ControlSizeBytes = 512
	// look only for X sequential notifications per drain
	maxTXTS = 100
	// three timestamps, 2 x 64bit ints each
	timestampingSizeBytes = 48
)

// ErrNoTimestamp is returned when notification carries no usable raw hardware timestamp
var ErrNoTimestamp = errors.New("no raw hardware timestamp")

// Timestamps holds the three slots of SCM_TIMESTAMPING, in nanoseconds.
// Software is ts[0], Legacy is the deprecated ts[1], Raw is the raw hardware ts[2].
type Timestamps struct {
	Software uint64
	Legacy   uint64
	Raw      uint64
}

// RawHardware returns raw hardware timestamp, if it's present
func (t Timestamps) RawHardware() (uint64, error) {
	if t.Raw == 0 {
		return 0, ErrNoTimestamp
	}
	return t.Raw, nil
}

// TXTimeErrorCode is SO_EE_CODE_TXTIME_* from include/uapi/linux/errqueue.h
type TXTimeErrorCode uint8

// TX time error codes
const (
	TXTimeInvalidParam TXTimeErrorCode = 1
	TXTimeMissed       TXTimeErrorCode = 2
)

func (c TXTimeErrorCode) String() string {
	switch c {
	case TXTimeInvalidParam:
		return "invalid_param"
	case TXTimeMissed:
		return "missed"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// TXTimeError is reported by the qdisc when a frame was dropped instead of being sent at its deadline
type TXTimeError struct {
	Code     TXTimeErrorCode
	Errno    uint32
	Deadline uint64
}

func (e *TXTimeError) Error() string {
	return fmt.Sprintf("txtime %s for deadline %d (errno %d)", e.Code, e.Deadline, e.Errno)
}

// Notification is a single record read from the socket error queue.
// HasTimestamps is false if no SCM_TIMESTAMPING message was found.
type Notification struct {
	Timestamps    Timestamps
	HasTimestamps bool
	TXTimeError   *TXTimeError
}
