// Package registry holds the per-MAC state built up from advertisements:
// one Device per address ever seen and one Drone per address that carried a
// decodable Remote ID message.
//
// DeviceRegistry and DroneRegistry each own their own mutex. Callers that
// update both (the scan loop) never hold one while taking the other.
package registry

import (
	"sort"
	"sync"
	"time"

	"bleradar/internal/classify"
	"bleradar/internal/odid"
)

type Device struct {
	MAC         string            `json:"mac"`
	MACType     string            `json:"mac_type"`
	MACSubtype  string            `json:"mac_subtype,omitempty"`
	Category    classify.Category `json:"category"`
	Subcategory string            `json:"subcategory"`
	Company     string            `json:"company"`
	Name        string            `json:"name"`
	RSSI        int               `json:"rssi"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	AdvertCount int               `json:"advert_count"`
	Flags       []string          `json:"flags"`
	RemoteID    *odid.Message     `json:"remote_id,omitempty"`
}

// HasFlag reports whether f is in the device's flag set.
func (d Device) HasFlag(f string) bool {
	for _, have := range d.Flags {
		if have == f {
			return true
		}
	}
	return false
}

func (d Device) clone() Device {
	if d.Flags != nil {
		d.Flags = append([]string(nil), d.Flags...)
	}
	return d
}

// DeviceUpdate is one classified sighting.
type DeviceUpdate struct {
	MAC        string
	Random     bool
	MACSubtype string
	Class      classify.Result
	RSSI       int
	Name       string
	// Flags are merged with Class.Flags.
	Flags []string
}

// Stats is a point-in-time view of the counters. ScanDuration is seconds
// since MarkStart; ScanRate is packets per second over at least one second.
type Stats struct {
	TotalDevices int                       `json:"total_devices"`
	TotalDrones  int                       `json:"total_drones"`
	TotalPackets uint64                    `json:"total_packets"`
	ByCategory   map[classify.Category]int `json:"by_category"`
	StartTime    time.Time                 `json:"start_time"`
	ScanDuration float64                   `json:"scan_duration"`
	ScanRate     float64                   `json:"scan_rate"`
}

// DeviceRegistry also owns the packet counter and category histogram so
// they change under the same lock as the device map.
type DeviceRegistry struct {
	mu sync.RWMutex

	devices      map[string]Device
	histogram    map[classify.Category]int
	totalPackets uint64
	startTime    time.Time
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices:   make(map[string]Device),
		histogram: make(map[classify.Category]int),
	}
}

// MarkStart resets the scan clock used by Stats.
func (r *DeviceRegistry) MarkStart(now time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.startTime = now.UTC()
	r.mu.Unlock()
}

func (r *DeviceRegistry) CountPacket() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.totalPackets++
	r.mu.Unlock()
}

// Upsert applies one sighting and returns the updated device and whether it
// was newly created.
//
// A device's category only ever moves out of unknown; a later unknown
// classification never overwrites a known one.
func (r *DeviceRegistry) Upsert(u DeviceUpdate, now time.Time) (Device, bool) {
	if r == nil || u.MAC == "" {
		return Device{}, false
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	cat := u.Class.Category
	if cat == "" {
		cat = classify.CategoryUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[u.MAC]
	if !ok {
		d = Device{
			MAC:         u.MAC,
			MACType:     classify.MACType(u.Random),
			MACSubtype:  u.MACSubtype,
			Category:    cat,
			Subcategory: u.Class.Subcategory,
			Company:     u.Class.Company,
			Name:        u.Name,
			FirstSeen:   now,
		}
		r.histogram[cat]++
	} else if d.Category == classify.CategoryUnknown && cat != classify.CategoryUnknown {
		r.decrement(classify.CategoryUnknown)
		r.histogram[cat]++
		d.Category = cat
		d.Subcategory = u.Class.Subcategory
		d.Company = u.Class.Company
	}

	d.RSSI = u.RSSI
	d.LastSeen = now
	d.AdvertCount++
	if d.Name == "" {
		d.Name = u.Name
	}
	d.Flags = unionFlags(d.Flags, u.Class.Flags, u.Flags)
	if u.Class.RemoteID != nil {
		d.RemoteID = u.Class.RemoteID
	}

	r.devices[u.MAC] = d
	return d.clone(), !ok
}

func (r *DeviceRegistry) decrement(cat classify.Category) {
	if r.histogram[cat] <= 1 {
		delete(r.histogram, cat)
		return
	}
	r.histogram[cat]--
}

// unionFlags returns have plus any new flags, preserving first-seen order.
// have is copied before it is extended.
func unionFlags(have []string, more ...[]string) []string {
	out := have
	copied := false
	for _, list := range more {
		for _, f := range list {
			if contains(out, f) {
				continue
			}
			if !copied {
				out = append([]string(nil), out...)
				copied = true
			}
			out = append(out, f)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *DeviceRegistry) Device(mac string) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[mac]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// Devices returns copies of every device ordered by MAC.
func (r *DeviceRegistry) Devices() []Device {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (r *DeviceRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// PruneStale removes devices not seen for longer than maxAge and returns how
// many were removed.
func (r *DeviceRegistry) PruneStale(maxAge time.Duration, now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for mac, d := range r.devices {
		if now.Sub(d.LastSeen) > maxAge {
			delete(r.devices, mac)
			r.decrement(d.Category)
			removed++
		}
	}
	return removed
}

// Stats fills every field except TotalDrones, which the caller owns.
func (r *DeviceRegistry) Stats(now time.Time) Stats {
	if r == nil {
		return Stats{}
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		TotalDevices: len(r.devices),
		TotalPackets: r.totalPackets,
		ByCategory:   make(map[classify.Category]int, len(r.histogram)),
		StartTime:    r.startTime,
	}
	for k, v := range r.histogram {
		st.ByCategory[k] = v
	}
	if !r.startTime.IsZero() {
		st.ScanDuration = now.Sub(r.startTime).Seconds()
	}
	elapsed := st.ScanDuration
	if elapsed < 1 {
		elapsed = 1
	}
	st.ScanRate = float64(r.totalPackets) / elapsed
	return st
}
