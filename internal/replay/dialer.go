package replay

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bleradar/internal/radar"
)

// Dialer is a radar.Dialer that plays a capture with its recorded timing.
type Dialer struct {
	Path string
	// Records is used instead of reading Path when set.
	Records []Record
	// Speed: 1.0 = real time, 2.0 = half the waits.
	Speed float64
	Loop  bool
}

func (d *Dialer) Open(port string, baud int) (radar.Conn, error) {
	speed := d.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < 0 {
		return nil, fmt.Errorf("replay speed must be > 0")
	}

	recs := d.Records
	if recs == nil {
		var err error
		recs, err = ReadFile(d.Path)
		if err != nil {
			return nil, fmt.Errorf("read capture: %w", err)
		}
	}
	n := 0
	for _, r := range recs {
		if r.Adv != nil {
			n++
		}
	}
	if n == 0 {
		return nil, errors.New("capture has no advertisements")
	}

	name := "memory"
	if d.Path != "" {
		name = filepath.Base(d.Path)
	}
	return &conn{
		name:     name,
		records:  recs,
		adverts:  n,
		speed:    speed,
		loop:     d.Loop,
		log:      log.With().Str("component", "replay").Str("capture", name).Logger(),
		canceled: make(chan struct{}),
	}, nil
}

type conn struct {
	name    string
	records []Record
	adverts int
	speed   float64
	loop    bool
	log     zerolog.Logger

	// Receive runs on one goroutine; only cancel state is shared.
	next     int
	origin   time.Duration
	lastAt   time.Duration
	haveLast bool
	rssiMin  int
	finished bool

	cancelOnce sync.Once
	canceled   chan struct{}
}

func (c *conn) ProbeIdentity() (string, error) {
	return fmt.Sprintf("replay %s (%d adverts)", c.name, c.adverts), nil
}

func (c *conn) Configure(cfg radar.ScanConfig) error {
	c.rssiMin = cfg.RSSIMin
	return nil
}

// Receive returns the next recorded advertisement once its offset from the
// previous one has elapsed. After the last record it blocks until Cancel
// unless looping.
func (c *conn) Receive() (*radar.Advertisement, error) {
	for {
		if c.next >= len(c.records) {
			if !c.loop {
				if !c.finished {
					c.finished = true
					c.log.Info().Int("adverts", c.adverts).Msg("replay finished")
				}
				<-c.canceled
				return nil, radar.ErrCanceled
			}
			c.next, c.origin, c.lastAt, c.haveLast = 0, 0, 0, false
		}

		r := c.records[c.next]
		c.next++
		if r.Adv == nil {
			c.origin, c.lastAt, c.haveLast = r.At, 0, false
			continue
		}

		at := r.At - c.origin
		if at < 0 {
			at = 0
		}
		if c.haveLast {
			wait := time.Duration(float64(at-c.lastAt) / c.speed)
			if wait > 0 && !c.sleep(wait) {
				return nil, radar.ErrCanceled
			}
		}
		c.lastAt, c.haveLast = at, true

		select {
		case <-c.canceled:
			return nil, radar.ErrCanceled
		default:
		}
		if r.Adv.RSSI < c.rssiMin {
			continue
		}
		return clone(r.Adv), nil
	}
}

func (c *conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.canceled:
		return false
	}
}

func (c *conn) Cancel() {
	c.cancelOnce.Do(func() { close(c.canceled) })
}

func (c *conn) Close() error {
	c.Cancel()
	return nil
}

func clone(a *radar.Advertisement) *radar.Advertisement {
	out := *a
	out.Addr = append([]byte(nil), a.Addr...)
	out.AdvData = append([]byte(nil), a.AdvData...)
	out.Records = nil
	return &out
}

// Recorder wraps another dialer and writes every advertisement its
// connections receive to W.
type Recorder struct {
	Inner radar.Dialer
	W     *Writer
	Now   func() time.Time
}

func (r *Recorder) Open(port string, baud int) (radar.Conn, error) {
	c, err := r.Inner.Open(port, baud)
	if err != nil {
		return nil, err
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return &recordingConn{Conn: c, w: r.W, now: now}, nil
}

type recordingConn struct {
	radar.Conn
	w      *Writer
	now    func() time.Time
	warned bool
}

func (c *recordingConn) Receive() (*radar.Advertisement, error) {
	adv, err := c.Conn.Receive()
	if adv != nil && err == nil {
		if werr := c.w.WriteAdvertisement(c.now(), adv); werr != nil && !c.warned {
			c.warned = true
			log.Warn().Err(werr).Str("component", "replay").Msg("capture write failed; further errors suppressed")
		}
	}
	return adv, err
}
