// Package replay records received advertisements to a capture file and
// plays them back through the radar transport interfaces.
package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bleradar/internal/radar"
)

// Capture format: line-oriented text.
//
// - Blank lines and lines starting with '#' are ignored.
// - "START" resets the origin; following times are relative to it.
// - Data lines are <t_ns>,<pdu>,<addr_type>,<rssi>,<channel>,<addr_hex>,<adv_hex>
//   where pdu is the PDU type in decimal, addr_type is "r" (random) or "p"
//   (public), addr_hex is over-the-air byte order or "-" when absent, and
//   adv_hex may be empty.

const dataFields = 7

type Record struct {
	At  time.Duration
	Adv *radar.Advertisement // nil for START markers
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	f := strings.Split(line, ",")
	if len(f) != dataFields {
		return Record{}, fmt.Errorf("want %d fields, got %d", dataFields, len(f))
	}
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}

	tsNs, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp %q: %w", f[0], err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid timestamp (negative): %d", tsNs)
	}
	pdu, err := strconv.ParseUint(f[1], 10, 4)
	if err != nil {
		return Record{}, fmt.Errorf("invalid pdu type %q", f[1])
	}
	var random bool
	switch f[2] {
	case "r":
		random = true
	case "p":
	default:
		return Record{}, fmt.Errorf("invalid address type %q", f[2])
	}
	rssi, err := strconv.Atoi(f[3])
	if err != nil || rssi < -128 || rssi > 127 {
		return Record{}, fmt.Errorf("invalid rssi %q", f[3])
	}
	ch, err := strconv.Atoi(f[4])
	if err != nil || ch < 0 || ch > 39 {
		return Record{}, fmt.Errorf("invalid channel %q", f[4])
	}

	adv := &radar.Advertisement{
		RandomAddr: random,
		RSSI:       rssi,
		PDUType:    radar.PDUType(pdu),
		Channel:    ch,
	}
	if f[5] != "-" {
		addr, err := hex.DecodeString(f[5])
		if err != nil || len(addr) != 6 {
			return Record{}, fmt.Errorf("invalid address %q", f[5])
		}
		adv.Addr = addr
	}
	if f[6] != "" {
		adv.AdvData, err = hex.DecodeString(f[6])
		if err != nil {
			return Record{}, fmt.Errorf("invalid adv data: %w", err)
		}
	}
	return Record{At: time.Duration(tsNs), Adv: adv}, nil
}

// ReadFile loads a capture from path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends advertisements to a capture file. It is safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	count  uint64
	closed bool
}

func CreateWriter(path string, now time.Time) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: now}, nil
}

func (ww *Writer) WriteAdvertisement(now time.Time, adv *radar.Advertisement) error {
	if adv == nil {
		return errors.New("advertisement is nil")
	}
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("capture writer is closed")
	}

	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	addrType := "p"
	if adv.RandomAddr {
		addrType = "r"
	}
	addr := "-"
	if len(adv.Addr) > 0 {
		addr = hex.EncodeToString(adv.Addr)
	}
	if _, err := fmt.Fprintf(ww.w, "%d,%d,%s,%d,%d,%s,%s\n",
		d.Nanoseconds(), uint8(adv.PDUType), addrType, adv.RSSI, adv.Channel, addr, hex.EncodeToString(adv.AdvData)); err != nil {
		return err
	}
	ww.count++
	return nil
}

// Count returns the advertisements written so far.
func (ww *Writer) Count() uint64 {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.count
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
