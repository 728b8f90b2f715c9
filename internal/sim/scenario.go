package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioScript is a deterministic, script-driven simulation description.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 60s
//	drones:
//	  - mac: "D0:5E:1D:00:00:01"
//	    serial: "1581F5FKD229400H"
//	    operator_id: "FIN87astrdge12k8"
//	    description: "inspection"
//	    pilot: {lat_deg: 60.17, lon_deg: 24.94}
//	    keyframes:
//	      - t: 0s
//	        lat_deg: 60.1700
//	        lon_deg: 24.9400
//	        alt_m: 0
//	        speed_mps: 0
//	        heading_deg: 90
//	devices:
//	  - mac: "4A:5E:1D:01:00:01"
//	    profile: airtag
//
// Keyframes must be sorted by t. Devices advertise for the whole run.
type ScenarioScript struct {
	Version  int              `yaml:"version"`
	Duration time.Duration    `yaml:"duration"`
	Drones   []ScenarioDrone  `yaml:"drones"`
	Devices  []ScenarioDevice `yaml:"devices"`
}

// ScenarioDrone describes a single drone timeline.
type ScenarioDrone struct {
	MAC         string     `yaml:"mac"`
	Serial      string     `yaml:"serial"`
	OperatorID  string     `yaml:"operator_id"`
	Description string     `yaml:"description"`
	Pilot       LatLon     `yaml:"pilot"`
	Keyframes   []Keyframe `yaml:"keyframes"`
}

type LatLon struct {
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
}

// Keyframe is a time-stamped drone state.
type Keyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	AltM       float64       `yaml:"alt_m"`
	SpeedMps   float64       `yaml:"speed_mps"`
	HeadingDeg float64       `yaml:"heading_deg"`
}

// ScenarioDevice is a consumer device advertising one of Profiles.
type ScenarioDevice struct {
	MAC     string `yaml:"mac"`
	Profile string `yaml:"profile"`
	// RSSI overrides the profile's default when non-zero.
	RSSI int `yaml:"rssi"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Drones) == 0 && len(script.Devices) == 0 {
		return nil, fmt.Errorf("scenario has no drones or devices")
	}

	for i, d := range script.Drones {
		if _, err := airAddress(d.MAC); err != nil {
			return nil, fmt.Errorf("drones[%d].mac: %w", i, err)
		}
		if len(d.Keyframes) == 0 {
			return nil, fmt.Errorf("drones[%d].keyframes is required", i)
		}
		for k := range d.Keyframes {
			if d.Keyframes[k].T < 0 {
				return nil, fmt.Errorf("drones[%d].keyframes[%d].t must be >= 0", i, k)
			}
			if k > 0 && d.Keyframes[k].T < d.Keyframes[k-1].T {
				return nil, fmt.Errorf("drones[%d].keyframes must be sorted by t (index %d)", i, k)
			}
		}
	}
	for i, d := range script.Devices {
		if _, err := airAddress(d.MAC); err != nil {
			return nil, fmt.Errorf("devices[%d].mac: %w", i, err)
		}
		if _, ok := profiles[d.Profile]; !ok {
			return nil, fmt.Errorf("devices[%d].profile %q is unknown", i, d.Profile)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = maxKeyframeTime(script)
	}
	if dur <= 0 {
		// Devices only: nothing moves, any positive period will do.
		dur = time.Second
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// Devices returns the scripted consumer devices.
func (s *Scenario) Devices() []ScenarioDevice {
	if s == nil {
		return nil
	}
	return append([]ScenarioDevice(nil), s.script.Devices...)
}

// DronesAt computes every drone's state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) DronesAt(elapsed time.Duration, loop bool) []DroneState {
	if s == nil || len(s.script.Drones) == 0 {
		return nil
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed = elapsed % s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	out := make([]DroneState, 0, len(s.script.Drones))
	for i, d := range s.script.Drones {
		kf0, kf1, alpha := selectSegment(d.Keyframes, elapsed)
		st := DroneState{
			Index:       i,
			MAC:         d.MAC,
			Serial:      d.Serial,
			OperatorID:  d.OperatorID,
			Description: d.Description,
			LatDeg:      lerp(kf0.LatDeg, kf1.LatDeg, alpha),
			LonDeg:      lerp(kf0.LonDeg, kf1.LonDeg, alpha),
			AltM:        lerp(kf0.AltM, kf1.AltM, alpha),
			SpeedMps:    lerp(kf0.SpeedMps, kf1.SpeedMps, alpha),
			HeadingDeg:  lerpAngleDeg(kf0.HeadingDeg, kf1.HeadingDeg, alpha),
			PilotLatDeg: d.Pilot.LatDeg,
			PilotLonDeg: d.Pilot.LonDeg,
		}
		if dt := (kf1.T - kf0.T).Seconds(); dt > 0 {
			st.SpeedVMps = (kf1.AltM - kf0.AltM) / dt
		}
		out = append(out, st)
	}
	return out
}

func maxKeyframeTime(s ScenarioScript) time.Duration {
	max := time.Duration(0)
	for _, d := range s.Drones {
		for _, kf := range d.Keyframes {
			if kf.T > max {
				max = kf.T
			}
		}
	}
	return max
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpAngleDeg(a0, a1, t float64) float64 {
	// Shortest-path interpolation across wraparound.
	norm := func(x float64) float64 {
		for x < 0 {
			x += 360
		}
		for x >= 360 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
