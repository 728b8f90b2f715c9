package registry

import (
	"sort"
	"sync"
	"time"

	"bleradar/internal/odid"
)

const SourceRemoteID = "ble_remoteid"

// Drone is assembled from Remote ID messages that arrive one at a time.
// Each field group is written only by the message type that carries it.
type Drone struct {
	MAC       string    `json:"mac"`
	Source    string    `json:"source"`
	RSSI      int       `json:"rssi"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Basic ID
	BasicID string `json:"basic_id"`
	IDType  uint8  `json:"id_type"`
	UAType  uint8  `json:"ua_type"`

	// Location/Vector
	DroneLat        float64 `json:"drone_lat"`
	DroneLong       float64 `json:"drone_long"`
	DroneAltitude   float64 `json:"drone_altitude"`
	AltPressure     float64 `json:"alt_pressure"`
	Height          float64 `json:"height"`
	HorizontalSpeed float64 `json:"horizontal_speed"`
	VerticalSpeed   float64 `json:"vertical_speed"`
	Heading         float64 `json:"heading"`

	// System
	PilotLat      float64 `json:"pilot_lat"`
	PilotLong     float64 `json:"pilot_long"`
	OperatorClass uint8   `json:"operator_class"`
	AreaCount     uint16  `json:"area_count"`
	AreaRadius    int     `json:"area_radius"`

	OperatorID string `json:"operator_id"`

	// Self-ID
	Description     string `json:"description"`
	DescriptionType uint8  `json:"description_type"`
}

type DroneRegistry struct {
	mu     sync.RWMutex
	drones map[string]Drone
}

func NewDroneRegistry() *DroneRegistry {
	return &DroneRegistry{drones: make(map[string]Drone)}
}

// Merge folds msg into the drone for mac, creating it if needed. A message
// pack applies each of its entries in order within the same critical
// section.
func (r *DroneRegistry) Merge(mac string, msg odid.Message, rssi int, now time.Time) Drone {
	if r == nil || mac == "" {
		return Drone{}
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[mac]
	if !ok {
		d = Drone{MAC: mac, Source: SourceRemoteID, FirstSeen: now}
	}
	d.RSSI = rssi
	d.LastSeen = now
	apply(&d, msg)
	r.drones[mac] = d
	return d
}

func apply(d *Drone, msg odid.Message) {
	switch msg.Type {
	case odid.TypePack:
		for _, sub := range msg.Pack {
			if sub.Type == odid.TypePack {
				continue
			}
			apply(d, sub)
		}
	case odid.TypeBasicID:
		if b := msg.BasicID; b != nil {
			d.BasicID = b.Serial
			d.IDType = b.IDType
			d.UAType = b.UAType
		}
	case odid.TypeLocation:
		if l := msg.Location; l != nil {
			d.DroneLat = l.Lat
			d.DroneLong = l.Lon
			d.DroneAltitude = l.Alt
			d.AltPressure = l.AltPressure
			d.Height = l.Height
			d.HorizontalSpeed = l.Speed
			d.VerticalSpeed = l.SpeedV
			d.Heading = l.Heading
		}
	case odid.TypeSystem:
		if s := msg.System; s != nil {
			d.PilotLat = s.OperatorLat
			d.PilotLong = s.OperatorLon
			d.OperatorClass = s.OperatorClass
			d.AreaCount = s.AreaCount
			d.AreaRadius = s.AreaRadius
		}
	case odid.TypeOperatorID:
		if o := msg.OperatorID; o != nil {
			d.OperatorID = o.OperatorID
		}
	case odid.TypeSelfID:
		if s := msg.SelfID; s != nil {
			d.Description = s.Description
			d.DescriptionType = s.DescriptionType
		}
	}
}

func (r *DroneRegistry) Drone(mac string) (Drone, bool) {
	if r == nil {
		return Drone{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drones[mac]
	return d, ok
}

// Drones returns copies of every drone, most recently seen first.
func (r *DroneRegistry) Drones() []Drone {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Drone, 0, len(r.drones))
	for _, d := range r.drones {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].MAC < out[j].MAC
	})
	return out
}

func (r *DroneRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drones)
}

func (r *DroneRegistry) PruneStale(maxAge time.Duration, now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for mac, d := range r.drones {
		if now.Sub(d.LastSeen) > maxAge {
			delete(r.drones, mac)
			removed++
		}
	}
	return removed
}
