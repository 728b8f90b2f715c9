package web

import (
	"sync/atomic"
	"time"

	"bleradar/internal/radar"
)

// Status carries the process-level facts the radar session does not know
// about: which transport and sinks the command wired up.
type Status struct {
	startUnixNano int64
	transport     atomic.Value // string
	sinks         atomic.Value // map[string]any
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.transport.Store("")
	s.sinks.Store(map[string]any{})
	return s
}

func (s *Status) SetStatic(transport string, sinks map[string]any) {
	if transport != "" {
		s.transport.Store(transport)
	}
	if sinks != nil {
		s.sinks.Store(sinks)
	}
}

type StatusSnapshot struct {
	Service   string         `json:"service"`
	NowUTC    string         `json:"now_utc"`
	UptimeSec int64          `json:"uptime_sec"`
	Transport string         `json:"transport"`
	Radar     radar.Snapshot `json:"radar"`
	Sinks     map[string]any `json:"sinks"`
	Host      *HostSnapshot  `json:"host,omitempty"`
}

// HostSnapshot is best-effort; fields stay zero where the platform offers
// nothing.
type HostSnapshot struct {
	UptimeSec      int64      `json:"uptime_sec,omitempty"`
	Load           [3]float64 `json:"load,omitempty"`
	RootTotalBytes uint64     `json:"root_total_bytes,omitempty"`
	RootAvailBytes uint64     `json:"root_avail_bytes,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time, r Radar) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "bleradar",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Transport: s.transport.Load().(string),
		Sinks:     s.sinks.Load().(map[string]any),
		Host:      snapshotHost(),
	}
	if r != nil {
		snap.Radar = r.Snapshot()
	}
	return snap
}
