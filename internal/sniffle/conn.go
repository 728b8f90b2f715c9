// Package sniffle speaks the Sniffle firmware host protocol over a serial
// port and exposes it as a radar transport.
package sniffle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"bleradar/internal/radar"
)

// ErrNoVersion is returned by ProbeIdentity when the firmware does not
// answer the version query in time.
var ErrNoVersion = errors.New("sniffle: firmware did not report a version")

var errTimeout = errors.New("sniffle: timeout")

const maxLine = 4096

// Port is the subset of serial.Port the transport needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Dialer opens Sniffle dongles. The zero value opens real serial ports.
type Dialer struct {
	// OpenPort overrides how the serial port is opened.
	OpenPort func(name string, baud int) (Port, error)

	// ReadTimeout bounds each serial read, and so how quickly Cancel is
	// observed. Default 100ms.
	ReadTimeout  time.Duration
	ProbeTimeout time.Duration
	FlushTimeout time.Duration
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

func openSerial(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(name, mode)
}

func (d *Dialer) Open(name string, baud int) (radar.Conn, error) {
	open := d.OpenPort
	if open == nil {
		open = openSerial
	}
	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}

	p, err := open(name, baud)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("sniffle: %s not found: %w", name, err)
		}
		return nil, fmt.Errorf("sniffle: open %s: %w", name, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = p.Close()
		}
	}()

	if err := p.SetReadTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("sniffle: set read timeout on %s: %w", name, err)
	}
	_ = p.ResetInputBuffer()

	c := &Conn{
		port:         p,
		name:         name,
		log:          log.With().Str("component", "sniffle").Str("port", name).Logger(),
		probeTimeout: durationOr(d.ProbeTimeout, 2*time.Second),
		flushTimeout: durationOr(d.FlushTimeout, 2*time.Second),
		chunk:        make([]byte, 512),
		now:          time.Now,
	}
	if err := c.send(syncPreamble); err != nil {
		return nil, err
	}
	ok = true
	return c, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Conn is one open Sniffle dongle. Receive, ProbeIdentity and Configure
// must be called from a single goroutine; Cancel and Close may be called
// from any goroutine.
type Conn struct {
	port Port
	name string
	log  zerolog.Logger

	probeTimeout time.Duration
	flushTimeout time.Duration

	canceled atomic.Bool
	wmu      sync.Mutex

	pending []byte
	chunk   []byte
	onData  bool
	now     func() time.Time
}

// ProbeIdentity asks the firmware for its version.
func (c *Conn) ProbeIdentity() (string, error) {
	if err := c.send(encodeCommand(cmdVersion)); err != nil {
		return "", err
	}
	deadline := c.now().Add(c.probeTimeout)
	for {
		typ, body, err := c.readMessage(deadline)
		switch {
		case errors.Is(err, errTimeout):
			return "", ErrNoVersion
		case errors.Is(err, errBadFrame):
			continue
		case err != nil:
			return "", err
		}
		if typ == msgMeasurement && len(body) >= 6 && body[1] == measVersion {
			return fmt.Sprintf("Sniffle %d.%d.%d (API %d)", body[2], body[3], body[4], body[5]), nil
		}
	}
}

// Configure programs the sniffer for advertisement capture and discards
// everything received before the new settings took effect.
func (c *Conn) Configure(cfg radar.ScanConfig) error {
	if cfg.Channel < 0 || cfg.Channel > 39 {
		return fmt.Errorf("sniffle: channel %d out of range", cfg.Channel)
	}
	switch cfg.Mode {
	case radar.ModeConnFollow, radar.ModePassiveScan:
	default:
		return fmt.Errorf("sniffle: unsupported scan mode %q", cfg.Mode)
	}
	rssi := cfg.RSSIMin
	if rssi < -128 {
		rssi = -128
	}
	if rssi > 127 {
		rssi = 127
	}

	cmds := [][]byte{
		chanCommand(cfg.Channel),
		encodeCommand(cmdPauseDone, 0),
		encodeCommand(cmdFollow, boolByte(cfg.Mode == radar.ModeConnFollow)),
		encodeCommand(cmdRSSIFilter, byte(int8(rssi))),
		encodeCommand(cmdMACFilter),
		encodeCommand(cmdAuxAdv, boolByte(cfg.ExtendedAdv)),
	}
	for _, cmd := range cmds {
		if err := c.send(cmd); err != nil {
			return err
		}
	}
	return c.markAndFlush()
}

// markAndFlush sends a random marker and drops messages until the firmware
// echoes it back.
func (c *Conn) markAndFlush() error {
	var marker [4]byte
	binary.LittleEndian.PutUint32(marker[:], rand.Uint32())
	if err := c.send(encodeCommand(cmdMarker, marker[:]...)); err != nil {
		return err
	}

	deadline := c.now().Add(c.flushTimeout)
	dropped := 0
	for {
		typ, body, err := c.readMessage(deadline)
		switch {
		case errors.Is(err, errTimeout):
			return fmt.Errorf("sniffle: marker not echoed within %s", c.flushTimeout)
		case errors.Is(err, errBadFrame):
			dropped++
			continue
		case err != nil:
			return err
		}
		switch typ {
		case msgMarker:
			if bytes.HasPrefix(body, marker[:]) {
				c.log.Debug().Int("dropped", dropped).Msg("flushed")
				return nil
			}
		case msgState:
			c.trackState(body)
		}
		dropped++
	}
}

// Receive blocks for the next firmware message. Messages that are not
// advertisements yield (nil, nil).
func (c *Conn) Receive() (*radar.Advertisement, error) {
	typ, body, err := c.readMessage(time.Time{})
	if err != nil {
		return nil, err
	}
	switch typ {
	case msgPacket:
		p, err := parsePacket(body)
		if err != nil {
			return nil, err
		}
		// Below 37 it is either an auxiliary advertisement or a data PDU
		// from a followed connection.
		if p.channel < 37 && c.onData {
			return nil, nil
		}
		return parseAdvPDU(p.pdu, p.channel, p.rssi), nil
	case msgState:
		c.trackState(body)
	case msgDebug:
		c.log.Debug().Str("text", string(bytes.TrimRight(body, "\x00"))).Msg("firmware")
	}
	return nil, nil
}

func (c *Conn) trackState(body []byte) {
	if len(body) == 0 {
		return
	}
	c.onData = dataChannelState(body[0])
	c.log.Debug().Uint8("state", body[0]).Msg("firmware state")
}

// Cancel makes a blocked Receive return radar.ErrCanceled within one read
// timeout.
func (c *Conn) Cancel() {
	c.canceled.Store(true)
}

func (c *Conn) Close() error {
	c.Cancel()
	return c.port.Close()
}

func (c *Conn) send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.port.Write(b); err != nil {
		return fmt.Errorf("%w: write %s: %v", radar.ErrTransportLost, c.name, err)
	}
	return nil
}

func (c *Conn) readMessage(deadline time.Time) (byte, []byte, error) {
	for {
		line, err := c.readLine(deadline)
		if err != nil {
			return 0, nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return decodeFrame(line)
	}
}

// readLine returns the next CRLF terminated line. A zero deadline waits
// until Cancel.
func (c *Conn) readLine(deadline time.Time) ([]byte, error) {
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := c.pending[:i]
			c.pending = c.pending[i+1:]
			return line, nil
		}
		if len(c.pending) > maxLine {
			c.pending = nil
			return nil, fmt.Errorf("%w: line exceeds %d bytes", errBadFrame, maxLine)
		}
		if c.canceled.Load() {
			return nil, radar.ErrCanceled
		}
		if !deadline.IsZero() && !c.now().Before(deadline) {
			return nil, errTimeout
		}

		n, err := c.port.Read(c.chunk)
		if n > 0 {
			c.pending = append(c.pending, c.chunk[:n]...)
		}
		if err != nil {
			if c.canceled.Load() {
				return nil, radar.ErrCanceled
			}
			return nil, fmt.Errorf("%w: read %s: %v", radar.ErrTransportLost, c.name, err)
		}
	}
}
