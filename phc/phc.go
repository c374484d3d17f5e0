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

/*
Package phc reports timestamping capabilities of a network card,
including the PTP hardware clock (PHC) associated with it.
*/
package phc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HWTSTAMP_TX_ON from include/uapi/linux/net_tstamp.h
const hwtstampTXON = 1

// Ifreq is the request we send with SIOCETHTOOL IOCTL
// as per Linux kernel's include/uapi/linux/if.h
type Ifreq struct {
	Name [unix.IFNAMSIZ]byte
	Data uintptr
}

// EthtoolTSinfo holds a device's timestamping and PHC association
// as per Linux kernel's include/uapi/linux/ethtool.h
type EthtoolTSinfo struct {
	Cmd            uint32
	SOtimestamping uint32
	PHCIndex       int32
	TXTypes        uint32
	TXReserved     [3]uint32
	RXFilters      uint32
	RXReserved     [3]uint32
}

// HasPHC tells if the device has a PTP hardware clock
func (i *EthtoolTSinfo) HasPHC() bool {
	return i.PHCIndex >= 0
}

// PHCDevice returns path to the PHC device
func (i *EthtoolTSinfo) PHCDevice() (string, error) {
	if !i.HasPHC() {
		return "", fmt.Errorf("no PHC support")
	}
	return fmt.Sprintf("/dev/ptp%d", i.PHCIndex), nil
}

// SupportsTXHardware tells if the device can report raw hardware TX timestamps
func (i *EthtoolTSinfo) SupportsTXHardware() bool {
	want := uint32(unix.SOF_TIMESTAMPING_TX_HARDWARE | unix.SOF_TIMESTAMPING_RAW_HARDWARE)
	return i.SOtimestamping&want == want && i.TXTypes&(1<<hwtstampTXON) != 0
}

// SupportsTXSoftware tells if the device driver reports software TX timestamps
func (i *EthtoolTSinfo) SupportsTXSoftware() bool {
	return i.SOtimestamping&unix.SOF_TIMESTAMPING_TX_SOFTWARE != 0
}

// IfaceInfo uses SIOCETHTOOL ioctl to get information for the give nic, i.e. eth0.
func IfaceInfo(iface string) (*EthtoolTSinfo, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket for ioctl: %w", err)
	}
	defer unix.Close(fd)
	// this is what we want to be populated, but we need to provide Cmd first
	data := &EthtoolTSinfo{
		Cmd: unix.ETHTOOL_GET_TS_INFO,
	}
	// actual request we send
	ifreq := &Ifreq{}
	// set Name in the request
	copy(ifreq.Name[:unix.IFNAMSIZ-1], iface)
	// pointer to the data we need to be populated
	ifreq.Data = uintptr(unsafe.Pointer(data))
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.SIOCETHTOOL),
		uintptr(unsafe.Pointer(ifreq)),
	)
	if errno != 0 {
		return nil, fmt.Errorf("failed to get %s timestamping info: %w", iface, errno)
	}
	return data, nil
}

// IfaceToPHCDevice returns path to PHC device associated with given network card iface
func IfaceToPHCDevice(iface string) (string, error) {
	info, err := IfaceInfo(iface)
	if err != nil {
		return "", err
	}
	dev, err := info.PHCDevice()
	if err != nil {
		return "", fmt.Errorf("%s: %w", iface, err)
	}
	return dev, nil
}
