// Package radar drives a passive BLE capture session: it keeps the capture
// transport connected, classifies every advertisement, folds the result into
// the device and drone registries, and reports each detection to a callback.
package radar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bleradar/internal/advdata"
	"bleradar/internal/classify"
	"bleradar/internal/registry"
)

type EventType string

const (
	EventDrone  EventType = "ble_drone"
	EventDevice EventType = "ble_device"
)

const FlagConnectable = "connectable"

// ErrLoopBusy is returned by Start while the scan goroutine of an earlier
// run has not exited yet.
var ErrLoopBusy = errors.New("radar: previous scan loop still running")

// Session states.
const (
	StateStopped      = "stopped"
	StateConnecting   = "connecting"
	StateScanning     = "scanning"
	StateReconnecting = "reconnecting"
)

// Detection is what the callback receives for every tracked advertisement.
// Drone is set only when the advertisement carried a decodable Remote ID
// message.
type Detection struct {
	Type   EventType       `json:"event"`
	Time   time.Time       `json:"time"`
	New    bool            `json:"new"`
	Device registry.Device `json:"device"`
	Drone  *registry.Drone `json:"drone,omitempty"`
}

// Callback is invoked on the scan goroutine. Errors and panics are logged
// and never stop the session; slow callbacks delay the next receive.
type Callback func(evt EventType, det Detection) error

type Config struct {
	Dialer Dialer
	Port   string
	Baud   int
	Scan   ScanConfig

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// TransientPause is the delay after a receive error that does not
	// require reconnecting.
	TransientPause time.Duration
	// StopTimeout bounds how long Stop waits for the scan goroutine.
	StopTimeout time.Duration

	Callback Callback
	Now      func() time.Time
}

type Session struct {
	cfg Config
	id  string
	log zerolog.Logger

	devices *registry.DeviceRegistry
	drones  *registry.DroneRegistry

	running atomic.Bool

	mu         sync.RWMutex
	state      string
	lastErr    string
	identity   string
	connects   uint64
	lastPacket time.Time

	// connMu guards conn so Stop can cancel an in-flight Receive.
	connMu sync.Mutex
	conn   Conn

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	backoffSleep func(ctx context.Context, d time.Duration) bool
}

type Snapshot struct {
	SessionID     string         `json:"session_id"`
	Port          string         `json:"port"`
	State         string         `json:"state"`
	LastError     string         `json:"last_error,omitempty"`
	Identity      string         `json:"firmware,omitempty"`
	Connects      uint64         `json:"connects"`
	LastPacketUTC string         `json:"last_packet_utc,omitempty"`
	Stats         registry.Stats `json:"stats"`
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("radar dialer is required")
	}
	if cfg.Port == "" {
		cfg.Port = "/dev/ttyUSB0"
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 921600
	}
	if cfg.Scan == (ScanConfig{}) {
		cfg.Scan = DefaultScanConfig()
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.TransientPause <= 0 {
		cfg.TransientPause = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	id := uuid.NewString()
	return &Session{
		cfg:     cfg,
		id:      id,
		log:     log.With().Str("component", "radar").Str("session", id).Logger(),
		devices: registry.NewDeviceRegistry(),
		drones:  registry.NewDroneRegistry(),
		state:   StateStopped,

		backoffSleep: sleepCtx,
	}, nil
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Start launches the scan goroutine. It is a no-op while already running
// and fails with ErrLoopBusy if a timed out Stop left the old goroutine
// behind.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("radar session is nil")
	}
	if s.running.Swap(true) {
		s.log.Warn().Msg("radar already running")
		return nil
	}

	s.runMu.Lock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.runMu.Unlock()
			s.running.Store(false)
			return ErrLoopBusy
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.runMu.Unlock()

	s.devices.MarkStart(s.cfg.Now())
	s.setState(StateConnecting, "")
	go s.runLoop(runCtx, done)

	s.log.Info().Str("port", s.cfg.Port).Int("baud", s.cfg.Baud).Msg("radar started")
	return nil
}

// Stop cancels the session, unblocks any pending Receive and waits up to
// StopTimeout for the scan goroutine. Safe to call repeatedly and from any
// goroutine.
func (s *Session) Stop() {
	if s == nil || !s.running.Load() {
		return
	}

	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Cancel()
	}
	s.connMu.Unlock()

	t := time.NewTimer(s.cfg.StopTimeout)
	select {
	case <-done:
		t.Stop()
	case <-t.C:
		s.log.Warn().Dur("timeout", s.cfg.StopTimeout).Msg("scan loop did not exit in time")
	}

	s.swapConn(nil)
	s.setState(StateStopped, "")
	s.running.Store(false)
	s.log.Info().Msg("radar stopped")
}

func (s *Session) Running() bool {
	return s != nil && s.running.Load()
}

// swapConn replaces the current transport and closes the previous one.
func (s *Session) swapConn(c Conn) {
	s.connMu.Lock()
	old := s.conn
	s.conn = c
	s.connMu.Unlock()
	if old != nil && old != c {
		if err := old.Close(); err != nil {
			s.log.Debug().Err(err).Msg("transport close")
		}
	}
}

func (s *Session) runLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		// A superseded loop must not touch the state of its successor.
		s.runMu.Lock()
		current := s.done == done
		s.runMu.Unlock()
		if current {
			s.swapConn(nil)
			s.setState(StateStopped, "")
			s.running.Store(false)
		}
		close(done)
	}()

	backoff := s.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting, "")
		s.log.Info().Str("port", s.cfg.Port).Msg("connecting to capture transport")
		conn, err := s.connect(ctx)
		if err == nil {
			backoff = s.cfg.BackoffInitial
			s.setState(StateScanning, "")
			s.log.Info().Msg("scanning active")
			err = s.scan(ctx, conn)
		}
		s.swapConn(nil)
		if ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting, err.Error())
		s.log.Error().Err(err).Dur("retry_in", backoff).Msg("capture transport error")
		if !s.backoffSleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.cfg.Dialer.Open(s.cfg.Port, s.cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.cfg.Port, err)
	}
	s.swapConn(conn)
	// Stop may have run between Open and swapConn.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if ident, err := conn.ProbeIdentity(); err != nil {
		s.log.Warn().Err(err).Msg("firmware identity unavailable")
	} else if ident != "" {
		s.log.Info().Str("firmware", ident).Msg("capture firmware")
		s.mu.Lock()
		s.identity = ident
		s.mu.Unlock()
	}

	if err := conn.Configure(s.cfg.Scan); err != nil {
		return nil, fmt.Errorf("configure: %w", err)
	}

	s.mu.Lock()
	s.connects++
	s.mu.Unlock()
	return conn, nil
}

// scan returns when the context is canceled or the transport is lost.
func (s *Session) scan(ctx context.Context, conn Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		adv, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A canceled transport with a live context was closed
			// underneath us; reconnect rather than spin on it.
			if errors.Is(err, ErrTransportLost) || errors.Is(err, ErrCanceled) {
				return err
			}
			s.log.Warn().Err(err).Msg("receive error")
			s.setLastErr(err.Error())
			if !sleepCtx(ctx, s.cfg.TransientPause) {
				return ctx.Err()
			}
			continue
		}
		if adv == nil {
			continue
		}

		s.devices.CountPacket()
		s.handle(adv)
	}
}

func (s *Session) handle(adv *Advertisement) {
	now := s.cfg.Now()
	s.mu.Lock()
	s.lastPacket = now
	s.mu.Unlock()

	if len(adv.Addr) == 0 {
		return
	}
	mac := classify.FormatMAC(adv.Addr)

	records := adv.Records
	if records == nil && len(adv.AdvData) > 0 {
		var err error
		records, err = advdata.Decode(adv.AdvData)
		if err != nil {
			s.log.Debug().Err(err).Str("mac", mac).Msg("adv data decode")
		}
	}
	name := ""
	for _, rec := range records {
		if ln, ok := rec.(advdata.LocalName); ok {
			name = ln.Name
		}
	}

	res := classify.Classify(classify.Input{
		MAC:       mac,
		Random:    adv.RandomAddr,
		Records:   records,
		Raw:       adv.AdvData,
		LocalName: name,
	})

	upd := registry.DeviceUpdate{
		MAC:    mac,
		Random: adv.RandomAddr,
		Class:  res,
		RSSI:   adv.RSSI,
		Name:   name,
	}
	if adv.RandomAddr {
		upd.MACSubtype = classify.RandomSubtype(adv.Addr)
	}
	if adv.Connectable() {
		upd.Flags = []string{FlagConnectable}
	}
	dev, created := s.devices.Upsert(upd, now)

	det := Detection{Type: EventDevice, Time: now.UTC(), New: created, Device: dev}
	if res.Category == classify.CategoryDrone {
		det.Type = EventDrone
		if res.RemoteID != nil {
			drone := s.drones.Merge(mac, *res.RemoteID, adv.RSSI, now)
			det.Drone = &drone
		}
	}
	s.emit(det)
}

func (s *Session) emit(det Detection) {
	if s.cfg.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("mac", det.Device.MAC).Msg("detection callback panicked")
		}
	}()
	if err := s.cfg.Callback(det.Type, det); err != nil {
		s.log.Warn().Err(err).Str("mac", det.Device.MAC).Msg("detection callback error")
	}
}

// PruneStale drops devices and drones not seen within maxAge.
func (s *Session) PruneStale(maxAge time.Duration) (devices, drones int) {
	if s == nil {
		return 0, 0
	}
	now := s.cfg.Now()
	devices = s.devices.PruneStale(maxAge, now)
	drones = s.drones.PruneStale(maxAge, now)
	if devices > 0 || drones > 0 {
		s.log.Debug().Int("devices", devices).Int("drones", drones).Msg("pruned stale entries")
	}
	return devices, drones
}

func (s *Session) Devices() []registry.Device {
	if s == nil {
		return nil
	}
	return s.devices.Devices()
}

func (s *Session) Device(mac string) (registry.Device, bool) {
	if s == nil {
		return registry.Device{}, false
	}
	return s.devices.Device(mac)
}

func (s *Session) Drones() []registry.Drone {
	if s == nil {
		return nil
	}
	return s.drones.Drones()
}

func (s *Session) Stats() registry.Stats {
	if s == nil {
		return registry.Stats{}
	}
	st := s.devices.Stats(s.cfg.Now())
	st.TotalDrones = s.drones.Len()
	return st
}

func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	out := Snapshot{
		SessionID: s.id,
		Port:      s.cfg.Port,
		State:     s.state,
		LastError: s.lastErr,
		Identity:  s.identity,
		Connects:  s.connects,
	}
	lastPacket := s.lastPacket
	s.mu.RUnlock()

	if !lastPacket.IsZero() {
		out.LastPacketUTC = lastPacket.UTC().Format(time.RFC3339Nano)
	}
	out.Stats = s.Stats()
	return out
}

func (s *Session) setState(state, lastErr string) {
	s.mu.Lock()
	s.state = state
	s.lastErr = lastErr
	s.mu.Unlock()
}

func (s *Session) setLastErr(lastErr string) {
	s.mu.Lock()
	s.lastErr = lastErr
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
