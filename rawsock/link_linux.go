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

package rawsock

import (
	"errors"
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// Link describes the interface frames are sent from
type Link struct {
	Name         string
	Index        int
	MTU          int
	HardwareAddr net.HardwareAddr
	Up           bool
}

func (l *Link) String() string {
	state := "down"
	if l.Up {
		state = "up"
	}
	return fmt.Sprintf("%s (index %d, mtu %d, %s, %s)", l.Name, l.Index, l.MTU, l.HardwareAddr, state)
}

// ErrNoLinkState is returned along with a partially filled Link when rtnetlink lookup failed
var ErrNoLinkState = errors.New("failed to get link state via rtnetlink")

// linkState refines l with operational state reported by rtnetlink
var linkState = netlinkState

// LinkByName looks up interface by name.
// Index, MTU and address always come from the interface table, operational state from rtnetlink.
// If only the rtnetlink part fails, Link is returned together with ErrNoLinkState
// and Up reflects administrative state.
func LinkByName(name string) (*Link, error) {
	if name == "" {
		return nil, fmt.Errorf("no interface specified")
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", name, err)
	}
	l := linkFromInterface(iface)
	if err := linkState(l); err != nil {
		return l, fmt.Errorf("%w for %s: %w", ErrNoLinkState, name, err)
	}
	return l, nil
}

func linkFromInterface(iface *net.Interface) *Link {
	return &Link{
		Name:         iface.Name,
		Index:        iface.Index,
		MTU:          iface.MTU,
		HardwareAddr: iface.HardwareAddr,
		Up:           iface.Flags&net.FlagUp != 0,
	}
}

func netlinkState(l *Link) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("can't establish netlink connection: %w", err)
	}
	defer conn.Close()

	msg, err := conn.Link.Get(uint32(l.Index))
	if err != nil {
		return err
	}
	nl := linkFromMessage(&msg)
	if msg.Attributes != nil {
		l.MTU = nl.MTU
		l.Up = nl.Up
	}
	return nil
}

func linkFromMessage(msg *rtnetlink.LinkMessage) *Link {
	l := &Link{
		Index: int(msg.Index),
	}
	if msg.Attributes == nil {
		return l
	}
	l.Name = msg.Attributes.Name
	l.MTU = int(msg.Attributes.MTU)
	l.HardwareAddr = msg.Attributes.Address
	// loopback and some virtual devices never report operational state
	l.Up = msg.Attributes.OperationalState == rtnetlink.OperStateUp ||
		(msg.Attributes.OperationalState == rtnetlink.OperStateUnknown && msg.Flags&unix.IFF_UP != 0)
	return l
}
