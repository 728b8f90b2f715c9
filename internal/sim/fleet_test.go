package sim

import (
	"math"
	"testing"
	"time"
)

func TestFleet_Drones_CountAndInvariants(t *testing.T) {
	f := Fleet{
		CenterLatDeg: 45.0,
		CenterLonDeg: -122.0,
		BaseAltM:     60,
		RadiusM:      500,
		Period:       90 * time.Second,
	}

	now := time.Date(2025, 12, 20, 19, 0, 0, 0, time.UTC)
	drones := f.Drones(now, 5)
	if len(drones) != 5 {
		t.Fatalf("expected 5 drones, got %d", len(drones))
	}

	radiusDeg := f.RadiusM / metersPerDegLat
	maxLonDeg := radiusDeg / math.Cos(f.CenterLatDeg*math.Pi/180.0)

	seen := map[string]bool{}
	for i, d := range drones {
		if math.IsNaN(d.LatDeg) || math.IsInf(d.LatDeg, 0) {
			t.Fatalf("drone[%d] lat invalid: %v", i, d.LatDeg)
		}
		if d.HeadingDeg < 0 || d.HeadingDeg >= 360 {
			t.Fatalf("drone[%d] heading out of range: %v", i, d.HeadingDeg)
		}
		if d.SpeedMps <= 0 || d.AltM < 0 {
			t.Fatalf("drone[%d] kinematics invalid: %+v", i, d)
		}
		if math.Abs(d.LatDeg-f.CenterLatDeg) > radiusDeg*1.01 {
			t.Fatalf("drone[%d] lat offset too large", i)
		}
		if math.Abs(d.LonDeg-f.CenterLonDeg) > maxLonDeg*1.01 {
			t.Fatalf("drone[%d] lon offset too large", i)
		}
		if dist := distanceM(f.CenterLatDeg, f.CenterLonDeg, d.LatDeg, d.LonDeg); math.Abs(dist-f.RadiusM) > 5 {
			t.Fatalf("drone[%d] %0.1fm from center, want ~%0.0f", i, dist, f.RadiusM)
		}
		if d.PilotLatDeg != f.CenterLatDeg || d.PilotLonDeg != f.CenterLonDeg {
			t.Fatalf("drone[%d] pilot not at center", i)
		}
		if seen[d.MAC] || seen[d.Serial] {
			t.Fatalf("drone[%d] identity reused: %s %s", i, d.MAC, d.Serial)
		}
		seen[d.MAC], seen[d.Serial] = true, true
	}
}

func TestFleet_Drones_ZeroCountNil(t *testing.T) {
	f := Fleet{}
	if got := f.Drones(time.Now(), 0); got != nil {
		t.Fatalf("expected nil for count=0")
	}
	if got := f.Drones(time.Now(), -1); got != nil {
		t.Fatalf("expected nil for count<0")
	}
}

func TestRSSIAtFallsWithDistance(t *testing.T) {
	if got := rssiAt(0); got != -40 {
		t.Fatalf("rssi at 0m=%d", got)
	}
	if near, far := rssiAt(10), rssiAt(100); near <= far {
		t.Fatalf("near=%d far=%d", near, far)
	}
	if got := rssiAt(1e9); got != -100 {
		t.Fatalf("rssi floor=%d", got)
	}
}

func TestDroneMACIsStaticRandom(t *testing.T) {
	addr, err := airAddress(DroneMAC(3))
	if err != nil {
		t.Fatalf("airAddress: %v", err)
	}
	if addr[5]>>6 != 0b11 || addr[0] != 3 {
		t.Fatalf("addr=% X", addr)
	}
}
