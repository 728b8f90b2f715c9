package replay

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"bleradar/internal/advdata"
	"bleradar/internal/odid"
	"bleradar/internal/radar"
)

var addrA = []byte{0x66, 0x55, 0x44, 0x33, 0x22, 0xD1}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# captured on channel 37

START
0,0,r,-60,37,665544332211,020106
15000000,1,p,-70,38,aabbccddeeff,
20000000, 7, r, -55, 9, -, 0416fafff1
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	want := []Record{
		{},
		{At: 0, Adv: &radar.Advertisement{
			Addr: []byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, RandomAddr: true, RSSI: -60,
			PDUType: radar.PDUAdvInd, Channel: 37, AdvData: []byte{0x02, 0x01, 0x06},
		}},
		{At: 15 * time.Millisecond, Adv: &radar.Advertisement{
			Addr: []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, RSSI: -70,
			PDUType: radar.PDUAdvDirectInd, Channel: 38,
		}},
		{At: 20 * time.Millisecond, Adv: &radar.Advertisement{
			RandomAddr: true, RSSI: -55, PDUType: radar.PDUAdvExtInd, Channel: 9,
			AdvData: []byte{0x04, 0x16, 0xfa, 0xff, 0xf1},
		}},
	}
	if diff := cmp.Diff(want, recs, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderReadAll_InvalidLines(t *testing.T) {
	cases := map[string]string{
		"fields":    "0,0,r,-60,37,665544332211\n",
		"timestamp": "x,0,r,-60,37,665544332211,\n",
		"negative":  "-5,0,r,-60,37,665544332211,\n",
		"pdu":       "0,16,r,-60,37,665544332211,\n",
		"addrType":  "0,0,x,-60,37,665544332211,\n",
		"rssi":      "0,0,r,-200,37,665544332211,\n",
		"channel":   "0,0,r,-60,40,665544332211,\n",
		"addrLen":   "0,0,r,-60,37,6655,\n",
		"advHex":    "0,0,r,-60,37,665544332211,0g\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
				t.Fatalf("expected error for %q", in)
			}
		})
	}
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	w, err := CreateWriter(path, start)
	require.NoError(t, err)

	in := []*radar.Advertisement{
		{Addr: addrA, RandomAddr: true, RSSI: -48, PDUType: radar.PDUAdvNonconnInd, Channel: 37, AdvData: []byte{0x02, 0x01, 0x06}},
		{RSSI: -90, PDUType: radar.PDUAdvExtInd, Channel: 21},
	}
	require.NoError(t, w.WriteAdvertisement(start.Add(-time.Second), in[0]))
	require.NoError(t, w.WriteAdvertisement(start.Add(250*time.Millisecond), in[1]))
	require.Error(t, w.WriteAdvertisement(start, nil))
	require.Equal(t, uint64(2), w.Count())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Error(t, w.WriteAdvertisement(start, in[0]))

	recs, err := ReadFile(path)
	require.NoError(t, err)
	want := []Record{{}, {At: 0, Adv: in[0]}, {At: 250 * time.Millisecond, Adv: in[1]}}
	if diff := cmp.Diff(want, recs, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func openRecords(t *testing.T, d *Dialer) radar.Conn {
	t.Helper()
	c, err := d.Open("", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func adv(rssi int) *radar.Advertisement {
	return &radar.Advertisement{Addr: addrA, RandomAddr: true, RSSI: rssi, PDUType: radar.PDUAdvInd, Channel: 37}
}

func TestDialerPlaysInOrderWithTiming(t *testing.T) {
	c := openRecords(t, &Dialer{
		Records: []Record{{}, {At: 0, Adv: adv(-40)}, {At: 40 * time.Millisecond, Adv: adv(-41)}, {}, {At: 0, Adv: adv(-42)}},
		Speed:   2,
	})

	ident, err := c.ProbeIdentity()
	require.NoError(t, err)
	require.Equal(t, "replay memory (3 adverts)", ident)
	require.NoError(t, c.Configure(radar.DefaultScanConfig()))

	start := time.Now()
	var got []int
	for i := 0; i < 3; i++ {
		a, err := c.Receive()
		require.NoError(t, err)
		got = append(got, a.RSSI)
	}
	require.Equal(t, []int{-40, -41, -42}, got)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDialerAppliesRSSIFloor(t *testing.T) {
	c := openRecords(t, &Dialer{Records: []Record{{Adv: adv(-95)}, {Adv: adv(-60)}}})
	cfg := radar.DefaultScanConfig()
	cfg.RSSIMin = -80
	require.NoError(t, c.Configure(cfg))

	a, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, -60, a.RSSI)
}

func TestDialerLoops(t *testing.T) {
	c := openRecords(t, &Dialer{Records: []Record{{Adv: adv(-50)}, {Adv: adv(-51)}}, Loop: true})
	var got []int
	for i := 0; i < 5; i++ {
		a, err := c.Receive()
		require.NoError(t, err)
		got = append(got, a.RSSI)
	}
	require.Equal(t, []int{-50, -51, -50, -51, -50}, got)
}

func TestDialerBlocksAtEndUntilCancel(t *testing.T) {
	c := openRecords(t, &Dialer{Records: []Record{{Adv: adv(-50)}}})
	_, err := c.Receive()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Receive()
		errc <- err
	}()
	select {
	case err := <-errc:
		t.Fatalf("Receive returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	c.Cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, radar.ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("Cancel did not unblock Receive")
	}
}

func TestDialerCancelInterruptsWait(t *testing.T) {
	c := openRecords(t, &Dialer{Records: []Record{{Adv: adv(-50)}, {At: time.Hour, Adv: adv(-51)}}})
	_, err := c.Receive()
	require.NoError(t, err)

	time.AfterFunc(10*time.Millisecond, c.Cancel)
	_, err = c.Receive()
	require.ErrorIs(t, err, radar.ErrCanceled)
}

func TestDialerOpenErrors(t *testing.T) {
	_, err := (&Dialer{Path: filepath.Join(t.TempDir(), "missing.log")}).Open("", 0)
	require.Error(t, err)
	_, err = (&Dialer{Records: []Record{{}}}).Open("", 0)
	require.EqualError(t, err, "capture has no advertisements")
	_, err = (&Dialer{Records: []Record{{Adv: adv(-1)}}, Speed: -1}).Open("", 0)
	require.Error(t, err)
}

func TestRecorderCapturesThenReplaysThroughSession(t *testing.T) {
	loc := odid.Location{Lat: 46.2044, Lon: 6.1432, Alt: 120}
	data := new(advdata.Builder).
		ServiceData16(odid.ServiceUUID, odid.EncodeLocation(2, loc)).
		Bytes()
	src := []Record{{Adv: &radar.Advertisement{
		Addr: addrA, RandomAddr: true, RSSI: -62, PDUType: radar.PDUAdvNonconnInd, Channel: 37, AdvData: data,
	}}}

	path := filepath.Join(t.TempDir(), "capture.log")
	w, err := CreateWriter(path, time.Now())
	require.NoError(t, err)

	run := func(d radar.Dialer) []radar.Detection {
		var mu sync.Mutex
		var dets []radar.Detection
		s, err := radar.NewSession(radar.Config{
			Dialer:      d,
			Port:        "capture",
			StopTimeout: time.Second,
			Callback: func(_ radar.EventType, det radar.Detection) error {
				mu.Lock()
				dets = append(dets, det)
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(dets) == 1
		}, 2*time.Second, 2*time.Millisecond)
		s.Stop()
		mu.Lock()
		defer mu.Unlock()
		return append([]radar.Detection(nil), dets...)
	}

	live := run(&Recorder{Inner: &Dialer{Records: src}, W: w})
	require.NoError(t, w.Close())
	require.Equal(t, uint64(1), w.Count())

	replayed := run(&Dialer{Path: path})
	for _, dets := range [][]radar.Detection{live, replayed} {
		require.Equal(t, radar.EventDrone, dets[0].Type)
		require.NotNil(t, dets[0].Drone)
		require.InDelta(t, loc.Lat, dets[0].Drone.DroneLat, 1e-7)
		require.InDelta(t, loc.Lon, dets[0].Drone.DroneLong, 1e-7)
	}
	require.Equal(t, live[0].Device.MAC, replayed[0].Device.MAC)
}
