// Package udp sends one JSON document per datagram to a fixed destination,
// typically a broadcast address listened to by mapping consumers.
package udp

import (
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Datagrams larger than this are dropped rather than fragmented.
const maxDatagram = 8192

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		c, err := net.DialUDP(network, laddr, raddr)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{
		dest: dest,
		conn: conn,
	}, nil
}

func (b *Broadcaster) Dest() string {
	if b == nil {
		return ""
	}
	return b.dest
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	if err == nil {
		b.sent.Add(1)
	}
	return err
}

// SendJSON marshals v and sends it as a single datagram.
func (b *Broadcaster) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(payload) > maxDatagram {
		b.dropped.Add(1)
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), maxDatagram)
	}
	return b.Send(payload)
}

// Counts returns datagrams sent and dropped as oversized.
func (b *Broadcaster) Counts() (sent, dropped uint64) {
	return b.sent.Load(), b.dropped.Load()
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
