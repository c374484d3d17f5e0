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

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/facebook/txtime/hostendian"
)

// SOF_TXTIME_REPORT_ERRORS from include/uapi/linux/net_tstamp.h
const sofTXTimeReportErrors uint32 = 1 << 1

// struct sock_txtime from include/uapi/linux/net_tstamp.h
type sockTxtime struct {
	clockid int32
	flags   uint32
}

// TXTimeControlSize is the size of the control message carrying a transmit deadline
var TXTimeControlSize = unix.CmsgSpace(8)

// EnableTXTime enables SO_TXTIME on the socket, so every frame can carry its own deadline in clockid domain.
// With reportErrors kernel will put frames dropped by the qdisc into the error queue.
func EnableTXTime(connFd int, clockid int32, reportErrors bool) error {
	cfg := &sockTxtime{clockid: clockid}
	if reportErrors {
		cfg.flags |= sofTXTimeReportErrors
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_SETSOCKOPT,
		uintptr(connFd),
		uintptr(unix.SOL_SOCKET),
		uintptr(unix.SO_TXTIME),
		uintptr(unsafe.Pointer(cfg)),
		unsafe.Sizeof(*cfg),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("failed to set SO_TXTIME: %s (%d)", unix.ErrnoName(errno), errno)
	}
	return nil
}

// TXTimeControl fills b with a SCM_TXTIME control message holding deadline in nanoseconds.
// b must be at least TXTimeControlSize bytes, the result is b resliced to that size.
func TXTimeControl(b []byte, deadline uint64) []byte {
	b = b[:TXTimeControlSize]
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = unix.SCM_TXTIME
	h.SetLen(unix.CmsgLen(8))
	hostendian.Order.PutUint64(b[unix.CmsgLen(0):], deadline)
	return b
}
