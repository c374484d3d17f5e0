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
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/facebook/txtime/hostendian"
)

// unix.Cmsghdr size differs depending on platform
var socketControlMessageHeaderOffset = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

// from include/uapi/linux/errqueue.h
const (
	soEEOriginTXTime = 6
	// sizeof(struct sock_extended_err)
	sockExtendedErrSize = 16
)

// from include/uapi/linux/if_packet.h, packet sockets report extended errors with it
const packetTXTimestamp = 16

func init() {
	// if kernel is older than 5, it doesn't support unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			// reading such timestamps on 32bit machines will not work, but we can't support everything
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// Ifreq is a struct for ioctl ethernet manipulation syscalls.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

// from include/uapi/linux/net_tstamp.h
type hwtstampConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

/*
scmDataToTimestamps parses SocketControlMessage Data field into Timestamps.
The structure returns up to three timestamps. This is a legacy
feature. Software timestamps are passed in ts[0], ts[1] is deprecated
and raw hardware timestamps are passed in ts[2].
*/
func scmDataToTimestamps(data []byte) (Timestamps, error) {
	// 2 x 64bit ints
	size := 16
	if len(data) < timestampingSizeBytes {
		return Timestamps{}, fmt.Errorf("timestamping message is %d bytes, expected %d", len(data), timestampingSizeBytes)
	}
	return Timestamps{
		Software: byteToNano(data[0:size]),
		Legacy:   byteToNano(data[size : size*2]),
		Raw:      byteToNano(data[size*2 : size*3]),
	}, nil
}

// byteToNano converts host order __kernel_timespec bytes into nanoseconds
func byteToNano(data []byte) uint64 {
	// __kernel_timespec from linux/time_types.h
	// can't use unix.Timespec which is old timespec that uses 32bit ints on 386 platform.
	sec := int64(hostendian.Order.Uint64(data[0:8]))
	nsec := int64(hostendian.Order.Uint64(data[8:16]))
	if sec < 0 || nsec < 0 {
		return 0
	}
	return uint64(sec)*uint64(time.Second) + uint64(nsec)
}

// parseExtendedErr returns TXTimeError if sock_extended_err originates from the txtime machinery
func parseExtendedErr(data []byte) (*TXTimeError, error) {
	if len(data) < sockExtendedErrSize {
		return nil, fmt.Errorf("extended error message is %d bytes, expected %d", len(data), sockExtendedErrSize)
	}
	if data[4] != soEEOriginTXTime {
		return nil, nil
	}
	// ee_info holds lower 32 bits of the deadline, ee_data the upper ones
	info := hostendian.Order.Uint32(data[8:12])
	hi := hostendian.Order.Uint32(data[12:16])
	return &TXTimeError{
		Errno:    hostendian.Order.Uint32(data[0:4]),
		Code:     TXTimeErrorCode(data[6]),
		Deadline: uint64(hi)<<32 | uint64(info),
	}, nil
}

func isExtendedErr(h *unix.Cmsghdr) bool {
	switch {
	case h.Level == unix.SOL_PACKET && h.Type == packetTXTimestamp:
		return true
	case h.Level == unix.SOL_IP && h.Type == unix.IP_RECVERR:
		return true
	case h.Level == unix.SOL_IPV6 && h.Type == unix.IPV6_RECVERR:
		return true
	}
	return false
}

// ParseNotification walks control messages of a single error queue read.
// It's a trimmed down version of unix.ParseSocketControlMessage
// which only looks at timestamping and extended error messages.
func ParseNotification(b []byte) (Notification, error) {
	n := Notification{}
	for i := 0; i+socketControlMessageHeaderOffset <= len(b); {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen := int(h.Len)
		if mlen < socketControlMessageHeaderOffset || i+mlen > len(b) {
			return n, fmt.Errorf("malformed control message of length %d at offset %d", mlen, i)
		}
		data := b[i+socketControlMessageHeaderOffset : i+mlen]

		// depending on the kernel version, when we ask for SO_TIMESTAMPING_NEW we still might get messages with type SO_TIMESTAMPING
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			ts, err := scmDataToTimestamps(data)
			if err != nil {
				return n, err
			}
			n.Timestamps = ts
			n.HasTimestamps = true
		} else if isExtendedErr(h) {
			txErr, err := parseExtendedErr(data)
			if err != nil {
				return n, err
			}
			if txErr != nil {
				n.TXTimeError = txErr
			}
		}
		i += unix.CmsgSpace(mlen - socketControlMessageHeaderOffset)
	}
	if !n.HasTimestamps && n.TXTimeError == nil {
		return n, fmt.Errorf("failed to find timestamp in socket control message")
	}
	return n, nil
}

func ioctlTimestamp(fd int, ifname string) error {
	hw := &hwtstampConfig{
		flags:    0,
		txType:   hwtstampTXON,
		rxFilter: hwtstampFilterNone,
	}

	i := &ifreq{data: uintptr(unsafe.Pointer(hw))}
	copy(i.name[:unix.IFNAMSIZ-1], ifname)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSHWTSTAMP, uintptr(unsafe.Pointer(i))); errno != 0 {
		return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP: %s (%d)", unix.ErrnoName(errno), errno)
	}
	return nil
}

// EnableHWTimestamps turns on HW TX timestamping on the interface.
// We don't need RX timestamps, so RX filter is set to none.
func EnableHWTimestamps(connFd int, iface string) error {
	return ioctlTimestamp(connFd, iface)
}

// EnableTXTimestamps enables TX timestamps on the socket
func EnableTXTimestamps(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY // Makes the kernel return the timestamp as a cmsg alongside an empty packet, as opposed to alongside the original packet.
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1); err != nil {
		return err
	}
	return nil
}

// recvoob receives only OOB message from the socket error queue without blocking.
// This is partially based on Recvmsg
// https://github.com/golang/go/blob/2ebe77a2fda1ee9ff6fd9a3e08933ad1ebaea039/src/syscall/syscall_linux.go#L647
func recvoob(connFd int, oob []byte) (oobn int, flags int, err error) {
	var msg unix.Msghdr
	msg.Control = &oob[0]
	msg.SetControllen(len(oob))
	_, _, e1 := unix.Syscall(unix.SYS_RECVMSG, uintptr(connFd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT))
	if e1 != 0 {
		return 0, 0, e1
	}
	return int(msg.Controllen), int(msg.Flags), nil
}

// ReadNotifications drains the socket error queue without blocking.
// It needs to be provided oob buffer of at least ControlSizeBytes which can be reused afterwards.
// Returns parsed notifications and number of records that were discarded as malformed.
func ReadNotifications(connFd int, oob []byte) ([]Notification, int, error) {
	var res []Notification
	discarded := 0
	// Sometimes we end up with more than 1 notification in the queue.
	// We need to empty it completely, otherwise next read returns stale data.
	for attempts := 0; attempts < maxTXTS; attempts++ {
		boob, flags, err := recvoob(connFd, oob)
		if err != nil {
			// queue is empty, all good
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			return res, discarded, fmt.Errorf("failed to read error queue: %w", err)
		}
		if flags&unix.MSG_CTRUNC != 0 {
			discarded++
			continue
		}
		n, err := ParseNotification(oob[:boob])
		if err != nil {
			discarded++
			continue
		}
		res = append(res, n)
	}
	return res, discarded, nil
}
