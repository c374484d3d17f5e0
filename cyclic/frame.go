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
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
)

// EtherType marks payload of our frames
const EtherType layers.EthernetType = 0x4399

// MaxStandardFrameSize is the largest untagged Ethernet frame without FCS
const MaxStandardFrameSize = 1514

const (
	macHeaderSize = 12
	typeSize      = 2
	vlanTagSize   = 4
	sequenceSize  = 4
)

// placeholder addresses, frames are not meant to be received by anyone in particular
var (
	DstMAC = net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	SrcMAC = net.HardwareAddr{0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}
)

// ErrPacketTooSmall is returned when packet size can't fit headers and sequence number
var ErrPacketTooSmall = errors.New("packet size is too small for headers and sequence number")

// MinPacketSize returns the smallest frame holding addresses, optional VLAN tag, ethertype and sequence number
func MinPacketSize(vlan bool) int {
	size := macHeaderSize + typeSize + sequenceSize
	if vlan {
		size += vlanTagSize
	}
	return size
}

func maxFrameSize(vlan bool) int {
	if vlan {
		return MaxStandardFrameSize + vlanTagSize
	}
	return MaxStandardFrameSize
}

// FrameBuilder produces frames of a fixed size carrying a sequence number.
// Header is rendered once, building a frame is a copy and a 32-bit store.
type FrameBuilder struct {
	header []byte
	size   int
}

func renderHeader(vlan *VLANConfig) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       SrcMAC,
		DstMAC:       DstMAC,
		EthernetType: EtherType,
	}
	l := []gopacket.SerializableLayer{eth}
	size := macHeaderSize + typeSize
	if vlan != nil && vlan.Enabled {
		eth.EthernetType = layers.EthernetTypeDot1Q
		l = append(l, &layers.Dot1Q{
			Priority:       uint8(vlan.PCP),
			DropEligible:   false,
			VLANIdentifier: uint16(vlan.VID),
			Type:           EtherType,
		})
		size += vlanTagSize
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, l...); err != nil {
		return nil, fmt.Errorf("failed to serialize frame header: %w", err)
	}
	// ethernet layer pads short frames to 60 bytes, we only need the header part
	header := make([]byte, size)
	copy(header, buf.Bytes()[:size])
	return header, nil
}

// NewFrameBuilder returns FrameBuilder for frames of given size
func NewFrameBuilder(size int, vlan *VLANConfig) (*FrameBuilder, error) {
	tagged := vlan != nil && vlan.Enabled
	if tagged && !vlan.Valid() {
		return nil, fmt.Errorf("invalid VLAN PCP %d or VID %d", vlan.PCP, vlan.VID)
	}
	if minSize := MinPacketSize(tagged); size < minSize {
		return nil, fmt.Errorf("%w: %d, minimum is %d", ErrPacketTooSmall, size, minSize)
	}
	if maxSize := maxFrameSize(tagged); size > maxSize {
		log.Warningf("Packet size %d exceeds standard Ethernet frame size of %d bytes (excluding FCS)", size, maxSize)
	}
	header, err := renderHeader(vlan)
	if err != nil {
		return nil, err
	}
	return &FrameBuilder{header: header, size: size}, nil
}

// Size returns length of every frame
func (f *FrameBuilder) Size() int {
	return f.size
}

// Build returns a new frame with sequence number seq
func (f *FrameBuilder) Build(seq uint32) []byte {
	return f.BuildInto(make([]byte, f.size), seq)
}

// BuildInto writes frame with sequence number seq into b, which must have capacity of at least Size() bytes
func (f *FrameBuilder) BuildInto(b []byte, seq uint32) []byte {
	b = b[:f.size]
	n := copy(b, f.header)
	binary.BigEndian.PutUint32(b[n:], seq)
	clear(b[n+sequenceSize:])
	return b
}
