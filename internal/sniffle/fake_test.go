package sniffle

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// fakePort is an in-memory serial port. Reads return whatever was fed,
// otherwise they time out after a millisecond like a port with a read
// timeout would.
type fakePort struct {
	mu       sync.Mutex
	rx       []byte
	tx       [][]byte
	closed   bool
	readErr  error
	timeout  time.Duration
	respond  func(p *fakePort, cmd []byte)
	resetRan bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.rx) > 0 {
		n := copy(b, p.rx)
		p.rx = p.rx[n:]
		p.mu.Unlock()
		return n, nil
	}
	err := p.readErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.tx = append(p.tx, append([]byte(nil), b...))
	respond := p.respond
	p.mu.Unlock()
	if respond != nil {
		if cmd, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(b))); err == nil {
			respond(p, cmd)
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.rx = nil
	p.resetRan = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) feed(frames ...[]byte) {
	p.mu.Lock()
	for _, f := range frames {
		p.rx = append(p.rx, f...)
	}
	p.mu.Unlock()
}

// commands returns the decoded commands written so far, skipping the sync
// preamble.
func (p *fakePort) commands() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, w := range p.tx {
		cmd, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(w)))
		if err != nil {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

// firmware answers version queries and echoes markers.
func firmware(p *fakePort, cmd []byte) {
	if len(cmd) < 2 {
		return
	}
	switch cmd[1] {
	case cmdMarker:
		p.feed(frame(msgMarker, cmd[2:6]))
	case cmdVersion:
		p.feed(frame(msgMeasurement, []byte{5, measVersion, 1, 10, 0, 3}))
	}
}

func frame(typ byte, body []byte) []byte {
	raw := append([]byte{0, typ}, body...)
	for len(raw)%3 != 0 {
		raw = append(raw, 0)
	}
	raw[0] = byte(len(raw) / 3)
	return []byte(base64.StdEncoding.EncodeToString(raw) + "\r\n")
}

func packetFrame(rssi int8, ch byte, pdu []byte) []byte {
	body := make([]byte, 10, 10+len(pdu))
	binary.LittleEndian.PutUint32(body[0:4], 123456)
	binary.LittleEndian.PutUint16(body[4:6], uint16(len(pdu)))
	body[8] = byte(rssi)
	body[9] = ch
	return frame(msgPacket, append(body, pdu...))
}

func legacyPDU(typ byte, random bool, addr, data []byte) []byte {
	hdr := typ
	if random {
		hdr |= 0x40
	}
	pdu := []byte{hdr, byte(len(addr) + len(data))}
	pdu = append(pdu, addr...)
	return append(pdu, data...)
}
