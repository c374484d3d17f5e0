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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/txtime/hostendian"
	"github.com/facebook/txtime/timestamp"
)

// Config specifies how the channel is opened
type Config struct {
	Iface        string
	Priority     int
	SendBuffer   int
	ClockID      int32
	ReportErrors bool
}

// Conn is an AF_PACKET socket sending frames with SCM_TXTIME deadlines
type Conn struct {
	fd   int
	addr *unix.SockaddrLinklayer

	// reused between calls, Conn is owned by a single sender
	txoob  []byte
	errOob []byte
}

func ethPAll() int {
	return int(hostendian.Htons(unix.ETH_P_ALL))
}

// Open creates and configures the socket.
// Only failure to enable hardware timestamping on the interface is tolerated.
func Open(cfg *Config) (*Conn, error) {
	link, err := resolveLink(cfg.Iface)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, ethPAll())
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	conn := &Conn{
		fd: fd,
		addr: &unix.SockaddrLinklayer{
			Protocol: hostendian.Htons(unix.ETH_P_ALL),
			Ifindex:  link.Index,
			Halen:    6,
		},
		txoob:  make([]byte, timestamp.TXTimeControlSize),
		errOob: make([]byte, timestamp.ControlSizeBytes),
	}
	if err := conn.configure(cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return conn, nil
}

// resolveLink needs only the interface index to succeed, missing link state is reported as a warning
func resolveLink(iface string) (*Link, error) {
	link, err := LinkByName(iface)
	if link == nil {
		return nil, err
	}
	if err != nil {
		if !errors.Is(err, ErrNoLinkState) {
			return nil, err
		}
		log.Warningf("Using interface %s without link state: %v", link.Name, err)
	}
	if !link.Up {
		log.Warningf("Interface %s is not up", link.Name)
	}
	return link, nil
}

func (c *Conn) configure(cfg *Config) error {
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBuffer); err != nil {
		return fmt.Errorf("failed to set send buffer size: %w", err)
	}
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_PRIORITY, cfg.Priority); err != nil {
		return fmt.Errorf("failed to set socket priority: %w", err)
	}
	if err := timestamp.EnableTXTime(c.fd, cfg.ClockID, cfg.ReportErrors); err != nil {
		return err
	}
	if err := timestamp.EnableTXTimestamps(c.fd); err != nil {
		return fmt.Errorf("failed to enable TX timestamps: %w", err)
	}
	if err := timestamp.EnableHWTimestamps(c.fd, cfg.Iface); err != nil {
		log.Warningf("Failed to enable hardware timestamping on %s, it may be unsupported or already enabled: %v", cfg.Iface, err)
	} else {
		log.Infof("Hardware timestamping enabled on interface %s", cfg.Iface)
	}
	return nil
}

// Send hands frame b to the kernel to be transmitted at deadline ns
func (c *Conn) Send(b []byte, deadline uint64) error {
	oob := timestamp.TXTimeControl(c.txoob, deadline)
	if err := unix.Sendmsg(c.fd, b, oob, c.addr, 0); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Notifications drains the error queue of the socket without blocking
func (c *Conn) Notifications() ([]timestamp.Notification, int, error) {
	return timestamp.ReadNotifications(c.fd, c.errOob)
}

// Fd returns the underlying file descriptor
func (c *Conn) Fd() int {
	return c.fd
}

// Close closes the socket
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}
