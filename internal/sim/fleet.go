package sim

import (
	"fmt"
	"math"
	"time"
)

const metersPerDegLat = 111320.0

// DroneState is one simulated drone at an instant.
type DroneState struct {
	Index       int
	MAC         string
	Serial      string
	OperatorID  string
	Description string
	LatDeg      float64
	LonDeg      float64
	AltM        float64
	SpeedMps    float64
	SpeedVMps   float64
	HeadingDeg  float64
	PilotLatDeg float64
	PilotLonDeg float64
}

// Fleet flies drones in a circle around a center point, operated from the
// center. Altitude bobs sinusoidally by BobM around the staggered base.
type Fleet struct {
	CenterLatDeg float64
	CenterLonDeg float64
	BaseAltM     float64
	BobM         float64
	SpeedMps     float64
	RadiusM      float64
	Period       time.Duration
}

// Drones returns count drones evenly spaced on the orbit at now.
func (f Fleet) Drones(now time.Time, count int) []DroneState {
	if count <= 0 {
		return nil
	}

	period := f.Period
	if period <= 0 {
		period = 120 * time.Second
	}
	radiusM := f.RadiusM
	if radiusM <= 0 {
		radiusM = 400
	}
	speed := f.SpeedMps
	if speed <= 0 {
		speed = 2 * math.Pi * radiusM / period.Seconds()
	}
	baseAlt := f.BaseAltM
	if baseAlt == 0 {
		baseAlt = 60
	}

	radiusDeg := radiusM / metersPerDegLat

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	baseTheta := 2 * math.Pi * phase

	// Vertical period is decoupled from the orbit.
	vp := period / 2
	if vp < 30*time.Second {
		vp = 30 * time.Second
	}
	bob := f.BobM
	if bob == 0 {
		bob = 10
	}
	w := 2 * math.Pi * float64(now.UnixNano()%vp.Nanoseconds()) / float64(vp.Nanoseconds())
	climb := bob * (2 * math.Pi / vp.Seconds()) * math.Cos(w)

	out := make([]DroneState, 0, count)
	for i := 0; i < count; i++ {
		offset := 2 * math.Pi * (float64(i) / float64(count))
		theta := baseTheta + offset

		lat := f.CenterLatDeg + radiusDeg*math.Cos(theta)
		lon := f.CenterLonDeg + radiusDeg*math.Sin(theta)/math.Cos(f.CenterLatDeg*math.Pi/180.0)
		hdg := math.Mod((theta*180/math.Pi)+90, 360)

		// Stagger altitude a little between drones.
		alt := math.Max(baseAlt+float64(i-count/2)*15+bob*math.Sin(w), 0)

		out = append(out, DroneState{
			Index:       i,
			MAC:         DroneMAC(i),
			Serial:      fmt.Sprintf("SIM%08d", i+1),
			OperatorID:  fmt.Sprintf("SIM-OP-%03d", i+1),
			Description: "simulated survey",
			LatDeg:      lat,
			LonDeg:      lon,
			AltM:        alt,
			SpeedMps:    speed,
			SpeedVMps:   climb,
			HeadingDeg:  hdg,
			PilotLatDeg: f.CenterLatDeg,
			PilotLonDeg: f.CenterLonDeg,
		})
	}
	return out
}

// DroneMAC is the static random address the fleet assigns to drone i.
func DroneMAC(i int) string {
	return fmt.Sprintf("D0:5E:1D:00:%02X:%02X", (i>>8)&0xFF, i&0xFF)
}

// DeviceMAC is the address the simulator assigns to consumer device i.
func DeviceMAC(i int) string {
	return fmt.Sprintf("4A:5E:1D:01:%02X:%02X", (i>>8)&0xFF, i&0xFF)
}

// distanceM is the equirectangular distance between two points.
func distanceM(lat0, lon0, lat1, lon1 float64) float64 {
	dLat := (lat1 - lat0) * metersPerDegLat
	dLon := (lon1 - lon0) * metersPerDegLat * math.Cos((lat0+lat1)/2*math.Pi/180.0)
	return math.Hypot(dLat, dLon)
}

// rssiAt is a free-space style RSSI estimate for a transmitter distM away.
func rssiAt(distM float64) int {
	if distM < 1 {
		distM = 1
	}
	rssi := -40 - 20*math.Log10(distM)
	return int(math.Max(rssi, -100))
}
