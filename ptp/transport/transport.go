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

// Package transport implements the UDP/IPv4 packet plumbing spec.md §6
// treats as an external collaborator: multicast and unicast send/receive
// on the PTP event (319) and general (320) ports, with a receive
// timestamp, source IP, and inbound interface index attached to every
// frame delivered to the core.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	log "github.com/sirupsen/logrus"

	"github.com/openptpd/ptpd/ptp/dataset"
	"github.com/openptpd/ptpd/ptp/ptptime"
	"github.com/openptpd/ptpd/ptp/wire"
)

// EventPort and GeneralPort are the well-known PTP UDP ports, per Annex D
// of the standard.
const (
	EventPort   = 319
	GeneralPort = 320
)

// MulticastGroup is the IPv4 multicast group for the primary PTP domain.
var MulticastGroup = net.IPv4(224, 0, 1, 129)

// Frame is one received, decoded PTP message plus the auxiliary data the
// packet layer must attach to it per spec.md §6.
type Frame struct {
	Kind      wire.MessageType
	Message   interface{}
	Arrival   ptptime.Timestamp
	SourceIP  net.IP
	IfIndex   int
}

// Conn is the per-interface PacketConn: one multicast/unicast UDP socket
// pair (event + general) bound to a single network interface, feeding
// decoded frames to a channel (Frames) that the engine drains.
//
// Grounded on ptp/simpleclient.Client's reader-goroutine-per-socket
// pattern, generalized from a single unicast peer to a multicast group
// plus a configurable set of unicast peers.
type Conn struct {
	ifaceName string
	iface     *net.Interface

	eventConn   *net.UDPConn
	generalConn *net.UDPConn
	eventPC     *ipv4.PacketConn
	generalPC   *ipv4.PacketConn

	multicast  bool
	unicastIPs []net.IP

	// The well-known ports, overridable so tests can point sends at
	// unprivileged listeners.
	eventPort   int
	generalPort int

	frames chan Frame
	errs   chan error
}

// New binds a Conn for one configured interface. When cfg.Multicast is
// set, both sockets join MulticastGroup with TTL 1 and loopback enabled
// (per §6, loopback is required for the one-step send-completion path).
func New(cfg dataset.InterfaceConfig) (*Conn, error) {
	iface, err := net.InterfaceByName(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	eventConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: EventPort})
	if err != nil {
		return nil, fmt.Errorf("transport: listen event port: %w", err)
	}
	generalConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: GeneralPort})
	if err != nil {
		eventConn.Close()
		return nil, fmt.Errorf("transport: listen general port: %w", err)
	}

	c := &Conn{
		ifaceName:   cfg.Name,
		iface:       iface,
		eventConn:   eventConn,
		generalConn: generalConn,
		eventPC:     ipv4.NewPacketConn(eventConn),
		generalPC:   ipv4.NewPacketConn(generalConn),
		multicast:   cfg.Multicast,
		eventPort:   EventPort,
		generalPort: GeneralPort,
		frames:      make(chan Frame, 64),
		errs:        make(chan error, 2),
	}

	for _, addr := range cfg.Unicast {
		ip := net.ParseIP(addr)
		if ip == nil {
			c.Close()
			return nil, fmt.Errorf("transport: invalid unicast peer %q", addr)
		}
		c.unicastIPs = append(c.unicastIPs, ip)
	}

	if cfg.Multicast {
		group := &net.UDPAddr{IP: MulticastGroup}
		if err := c.eventPC.JoinGroup(iface, group); err != nil {
			c.Close()
			return nil, fmt.Errorf("transport: join multicast on event port: %w", err)
		}
		if err := c.generalPC.JoinGroup(iface, group); err != nil {
			c.Close()
			return nil, fmt.Errorf("transport: join multicast on general port: %w", err)
		}
		if err := c.eventPC.SetMulticastInterface(iface); err != nil {
			log.Warnf("transport: set multicast interface: %v", err)
		}
		if err := c.eventPC.SetMulticastTTL(1); err != nil {
			log.Warnf("transport: set multicast ttl: %v", err)
		}
		if err := c.eventPC.SetMulticastLoopback(true); err != nil {
			log.Warnf("transport: set multicast loopback: %v", err)
		}
		_ = c.generalPC.SetMulticastInterface(iface)
		_ = c.generalPC.SetMulticastTTL(1)
		_ = c.generalPC.SetMulticastLoopback(true)
	}

	go c.readLoop(c.eventConn)
	go c.readLoop(c.generalConn)

	return c, nil
}

func (c *Conn) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		arrival := ptptime.FromTime(time.Now())
		if err != nil {
			c.errs <- err
			return
		}
		kind, msg, err := wire.Decode(buf[:n])
		if err != nil {
			log.Debugf("transport: dropping malformed frame from %v: %v", addr, err)
			continue
		}
		c.frames <- Frame{
			Kind:     kind,
			Message:  msg,
			Arrival:  arrival,
			SourceIP: addr.IP,
			IfIndex:  c.iface.Index,
		}
	}
}

// Send implements port.Transmitter: it multicasts (when enabled) and
// unicasts b to every configured peer, routing to the event or general
// port per §6's message-kind-to-port mapping.
func (c *Conn) Send(kind wire.MessageType, b []byte) error {
	port := c.generalPort
	conn := c.generalConn
	switch kind {
	case wire.MessageSync, wire.MessageDelayReq, wire.MessagePDelayReq, wire.MessagePDelayResp:
		port = c.eventPort
		conn = c.eventConn
	}

	var firstErr error
	if c.multicast {
		if _, err := conn.WriteToUDP(b, &net.UDPAddr{IP: MulticastGroup, Port: port}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ip := range c.unicastIPs {
		if _, err := conn.WriteToUDP(b, &net.UDPAddr{IP: ip, Port: port}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Receive blocks until a frame arrives or deadline passes, returning
// ErrTimeout in the latter case — not an error per §7's TimeoutError
// policy, just a signal to re-evaluate the event loop.
func (c *Conn) Receive(deadline time.Time) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return Frame{}, fmt.Errorf("transport: %w", err)
	case <-time.After(time.Until(deadline)):
		return Frame{}, ErrTimeout
	}
}

// Frames exposes the raw decoded-frame channel, for callers (ptp/engine)
// that need to multiplex several Conns in one select rather than block
// in Receive on each individually.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Errs exposes the raw socket-error channel, paired with Frames.
func (c *Conn) Errs() <-chan error { return c.errs }

// ErrTimeout is returned by Receive when no frame arrived before the
// deadline. It is not logged as an error by callers; see §7.
var ErrTimeout = fmt.Errorf("transport: receive timeout")

// Close tears down both sockets.
func (c *Conn) Close() error {
	var firstErr error
	if c.eventConn != nil {
		if err := c.eventConn.Close(); err != nil {
			firstErr = err
		}
	}
	if c.generalConn != nil {
		if err := c.generalConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FirstUsableInterface returns the first up, non-loopback interface with
// a hardware address, used to derive the clock-wide ClockIdentity per
// §3's "first usable network interface" rule.
func FirstUsableInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return &iface, nil
	}
	return nil, fmt.Errorf("transport: no usable interface found")
}
