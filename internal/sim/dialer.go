// Package sim generates synthetic BLE traffic: a fleet of Remote ID drones
// plus consumer devices, served through the radar transport interfaces so a
// session can run without capture hardware.
package sim

import (
	"fmt"
	"net"
	"sync"
	"time"

	"bleradar/internal/advdata"
	"bleradar/internal/odid"
	"bleradar/internal/radar"
)

const protocolVersion = 2

// Dialer is a radar.Dialer backed by synthetic traffic. Every Interval it
// emits one advertisement per drone and per device.
type Dialer struct {
	Fleet  Fleet
	Drones int
	// Devices are profile names; nil emits one of every profile.
	Devices []string

	// Scenario replaces Fleet and Devices when set.
	Scenario *Scenario
	Loop     bool

	Interval time.Duration
	Now      func() time.Time
}

type emitter struct {
	addr []byte
	pdu  radar.PDUType
	rssi int
	data []byte
}

func (d *Dialer) Open(port string, baud int) (radar.Conn, error) {
	interval := d.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	c := &conn{
		fleet:    d.Fleet,
		drones:   d.Drones,
		scenario: d.Scenario,
		loop:     d.Loop,
		interval: interval,
		now:      now,
		start:    now(),
		canceled: make(chan struct{}),
		scan:     radar.DefaultScanConfig(),
	}

	if d.Scenario != nil {
		for _, dev := range d.Scenario.Devices() {
			e, err := newEmitter(dev.MAC, dev.Profile, dev.RSSI)
			if err != nil {
				return nil, err
			}
			c.devices = append(c.devices, e)
		}
		return c, nil
	}

	names := d.Devices
	if names == nil {
		names = Profiles()
	}
	for i, name := range names {
		e, err := newEmitter(DeviceMAC(i), name, 0)
		if err != nil {
			return nil, err
		}
		c.devices = append(c.devices, e)
	}
	return c, nil
}

func newEmitter(mac, name string, rssi int) (emitter, error) {
	p, ok := profiles[name]
	if !ok {
		return emitter{}, fmt.Errorf("sim: unknown device profile %q", name)
	}
	addr, err := airAddress(mac)
	if err != nil {
		return emitter{}, fmt.Errorf("sim: device %s: %w", mac, err)
	}
	if rssi == 0 {
		rssi = p.rssi
	}
	return emitter{addr: addr, pdu: p.pdu, rssi: rssi, data: p.data()}, nil
}

// airAddress parses a display MAC into over-the-air byte order.
func airAddress(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%q is not a 48-bit address", mac)
	}
	out := make([]byte, 6)
	for i := range hw {
		out[5-i] = hw[i]
	}
	return out, nil
}

type conn struct {
	fleet    Fleet
	drones   int
	scenario *Scenario
	loop     bool
	devices  []emitter
	interval time.Duration
	now      func() time.Time
	start    time.Time

	canceled chan struct{}
	once     sync.Once

	mu    sync.Mutex
	scan  radar.ScanConfig
	round int
	queue []*radar.Advertisement
}

func (c *conn) ProbeIdentity() (string, error) {
	return "bleradar simulator", nil
}

func (c *conn) Configure(cfg radar.ScanConfig) error {
	c.mu.Lock()
	c.scan = cfg
	c.mu.Unlock()
	return nil
}

// Receive hands out the queued round, then waits Interval for the next one.
func (c *conn) Receive() (*radar.Advertisement, error) {
	for {
		select {
		case <-c.canceled:
			return nil, radar.ErrCanceled
		default:
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			adv := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return adv, nil
		}
		first := c.round == 0
		c.mu.Unlock()

		if !first {
			t := time.NewTimer(c.interval)
			select {
			case <-c.canceled:
				t.Stop()
				return nil, radar.ErrCanceled
			case <-t.C:
			}
		}
		c.fill()
	}
}

func (c *conn) Cancel() {
	c.once.Do(func() { close(c.canceled) })
}

func (c *conn) Close() error {
	c.Cancel()
	return nil
}

func (c *conn) fill() {
	now := c.now()
	var drones []DroneState
	if c.scenario != nil {
		drones = c.scenario.DronesAt(now.Sub(c.start), c.loop)
	} else {
		drones = c.fleet.Drones(now, c.drones)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range drones {
		addr, err := airAddress(st.MAC)
		if err != nil {
			continue
		}
		pdu, data := droneAdvert(st, c.round, c.scan.ExtendedAdv)
		rssi := rssiAt(distanceM(st.PilotLatDeg, st.PilotLonDeg, st.LatDeg, st.LonDeg))
		c.enqueue(emitter{addr: addr, pdu: pdu, rssi: rssi, data: data})
	}
	for _, e := range c.devices {
		// A little deterministic jitter.
		e.rssi += c.round%5 - 2
		c.enqueue(e)
	}
	c.round++
}

// enqueue applies the firmware RSSI floor. Callers hold c.mu.
func (c *conn) enqueue(e emitter) {
	if e.rssi < c.scan.RSSIMin {
		return
	}
	c.queue = append(c.queue, &radar.Advertisement{
		Addr:       append([]byte(nil), e.addr...),
		RandomAddr: true,
		RSSI:       e.rssi,
		PDUType:    e.pdu,
		Channel:    c.scan.Channel,
		AdvData:    append([]byte(nil), e.data...),
	})
}

// droneCycle interleaves location with the slower changing messages.
var droneCycle = []odid.MessageType{
	odid.TypeLocation,
	odid.TypeBasicID,
	odid.TypeLocation,
	odid.TypeSystem,
	odid.TypeLocation,
	odid.TypeOperatorID,
	odid.TypeLocation,
	odid.TypeSelfID,
}

// droneAdvert builds one Remote ID advertisement for st. Single messages
// fit a legacy PDU; with extended advertising every cycle ends with a
// message pack.
func droneAdvert(st DroneState, round int, extended bool) (radar.PDUType, []byte) {
	basic := odid.EncodeBasicID(protocolVersion, odid.BasicID{IDType: 1, UAType: 2, Serial: st.Serial})
	loc := odid.EncodeLocation(protocolVersion, odid.Location{
		Status:  2,
		Heading: st.HeadingDeg,
		Speed:   st.SpeedMps,
		SpeedV:  st.SpeedVMps,
		Lat:     st.LatDeg,
		Lon:     st.LonDeg,
		Alt:     st.AltM,
		Height:  st.AltM,
	})
	system := odid.EncodeSystem(protocolVersion, odid.System{
		OperatorClass: 1,
		OperatorLat:   st.PilotLatDeg,
		OperatorLon:   st.PilotLonDeg,
		AreaCount:     1,
	})
	operator := odid.EncodeOperatorID(protocolVersion, odid.OperatorID{OperatorID: st.OperatorID})
	self := odid.EncodeSelfID(protocolVersion, odid.SelfID{Description: st.Description})

	if extended && round%(len(droneCycle)+1) == len(droneCycle) {
		pack := odid.EncodePack(protocolVersion, basic, loc, system, operator, self)
		return radar.PDUAdvExtInd, new(advdata.Builder).ServiceData16(odid.ServiceUUID, pack).Bytes()
	}

	var msg []byte
	switch droneCycle[round%len(droneCycle)] {
	case odid.TypeBasicID:
		msg = basic
	case odid.TypeSystem:
		msg = system
	case odid.TypeOperatorID:
		msg = operator
	case odid.TypeSelfID:
		msg = self
	default:
		msg = loc
	}
	return radar.PDUAdvNonconnInd, new(advdata.Builder).ServiceData16(odid.ServiceUUID, msg).Bytes()
}
