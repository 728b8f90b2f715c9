package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bleradar/internal/classify"
	"bleradar/internal/config"
	"bleradar/internal/mmip"
	"bleradar/internal/radar"
	"bleradar/internal/registry"
	"bleradar/internal/replay"
	"bleradar/internal/sim"
	"bleradar/internal/sniffle"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, m.Subject)
	return nil
}

func (p *capturePublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

func simConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	cfg.Radar.Transport = "sim"
	cfg.Radar.BackoffInitial = 10 * time.Millisecond
	cfg.Radar.BackoffMax = 20 * time.Millisecond
	cfg.Sim.Drones = 2
	cfg.Sim.Devices = []string{"airtag", "tile"}
	cfg.Sim.Interval = 10 * time.Millisecond
	cfg.Sim.CenterLatDeg = 47.0
	cfg.Sim.CenterLonDeg = 8.0
	require.NoError(t, config.DefaultAndValidate(&cfg))
	return cfg
}

func TestNewDialerSelectsTransport(t *testing.T) {
	cfg := simConfig(t)
	d, err := newDialer(cfg)
	require.NoError(t, err)
	sd, ok := d.(*sim.Dialer)
	require.True(t, ok, "got %T", d)
	require.Equal(t, 2, sd.Drones)
	require.Nil(t, sd.Scenario)

	cfg.Radar.Transport = "sniffle"
	d, err = newDialer(cfg)
	require.NoError(t, err)
	_, ok = d.(*sniffle.Dialer)
	require.True(t, ok, "got %T", d)
}

func TestNewDialerLoadsScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field.yaml")
	script := `
version: 1
devices:
  - mac: "11:22:33:44:55:66"
    profile: airtag
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))

	cfg := simConfig(t)
	cfg.Sim.Scenario = path
	d, err := newDialer(cfg)
	require.NoError(t, err)
	require.NotNil(t, d.(*sim.Dialer).Scenario)

	cfg.Sim.Scenario = filepath.Join(dir, "missing.yaml")
	_, err = newDialer(cfg)
	require.Error(t, err)
}

func TestRuntimeFansOutToSinks(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer pc.Close()

	cfg := simConfig(t)
	cfg.UDP.Enable = true
	cfg.UDP.Dest = pc.LocalAddr().String()
	cfg.MMIP.Enable = true
	cfg.MMIP.SourceID = "test"
	cfg.MMIP.Heartbeat = 20 * time.Millisecond

	rt, err := newRuntime(cfg, nil)
	require.NoError(t, err)

	pub := &capturePublisher{}
	rt.connectMMIP = func(_, sourceID, _ string) (*mmip.Client, *nats.Conn, error) {
		return mmip.New(pub, sourceID), nil, nil
	}

	_, events := rt.live.Subscribe(256)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.run(ctx) }()

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 8192)
	n, _, err := pc.ReadFromUDP(buf)
	require.NoError(t, err)
	var det radar.Detection
	require.NoError(t, json.Unmarshal(buf[:n], &det))
	require.NotEmpty(t, det.Device.MAC)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatalf("no detection on the live feed")
	}

	require.Eventually(t, func() bool {
		return pub.count("mmip.test.detections") > 0 && pub.count("mmip.test.status") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st := rt.session.Stats()
		return st.TotalDrones == 2 && st.TotalDevices == 4
	}, 2*time.Second, 5*time.Millisecond)

	snap := rt.status.Snapshot(time.Time{}, rt.session)
	require.Equal(t, "sim", snap.Transport)
	require.Equal(t, "test", snap.Sinks["mmip"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	require.False(t, rt.session.Running())
}

func TestRuntimeSurvivesMMIPConnectFailure(t *testing.T) {
	cfg := simConfig(t)
	cfg.MMIP.Enable = true

	rt, err := newRuntime(cfg, nil)
	require.NoError(t, err)
	rt.connectMMIP = func(string, string, string) (*mmip.Client, *nats.Conn, error) {
		return nil, nil, errors.New("nats: no servers available for connection")
	}

	require.NoError(t, rt.openSinks())
	defer rt.closeSinks()
	require.Nil(t, rt.mmip)

	require.NoError(t, rt.onDetection(radar.EventDevice, radar.Detection{New: true}))
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := simConfig(t)
	cfg.Radar.Mode = "active"
	_, err := newRuntime(cfg, nil)
	require.EqualError(t, err, "radar.mode must be 'conn_follow' or 'passive_scan'")
}

func TestSummarize(t *testing.T) {
	devices := []registry.Device{
		{MAC: "CC", AdvertCount: 5, Category: classify.CategoryPhone},
		{MAC: "AA", AdvertCount: 9, Category: classify.CategoryTracker},
		{MAC: "BB", AdvertCount: 5, Category: classify.CategoryAudio},
		{MAC: "DD", AdvertCount: 1, Category: classify.CategoryUnknown},
	}
	st := registry.Stats{
		TotalDevices: 4,
		TotalDrones:  1,
		TotalPackets: 20,
		ByCategory: map[classify.Category]int{
			classify.CategoryPhone: 1, classify.CategoryTracker: 1,
			classify.CategoryAudio: 1, classify.CategoryUnknown: 1,
		},
	}

	s := summarize(devices, st, 3)
	require.Len(t, s.Top, 3)
	require.Equal(t, []string{"AA", "BB", "CC"}, []string{s.Top[0].MAC, s.Top[1].MAC, s.Top[2].MAC})
	require.Equal(t, 1, s.ByCategory[classify.CategoryTracker])
	require.Equal(t, "CC", devices[0].MAC, "input must not be reordered")

	var buf bytes.Buffer
	logSummary(zerolog.New(&buf), s)
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var head map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &head))
	require.Equal(t, "scan summary", head["message"])
	require.Equal(t, float64(4), head["devices"])
	cats, ok := head["by_category"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), cats["tracker"])

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &first))
	require.Equal(t, "AA", first["mac"])
	require.Equal(t, float64(1), first["rank"])
}

func TestRuntimeRecordsThenReplaysCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")

	cfg := simConfig(t)
	cfg.Replay.Record = path
	rt, err := newRuntime(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.run(ctx) }()
	require.Eventually(t, func() bool { return rt.session.Stats().TotalDrones == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs, err := replay.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(recs), 4)

	cfg = simConfig(t)
	cfg.Radar.Transport = "replay"
	cfg.Replay.Path = path
	cfg.Replay.Speed = 100
	require.NoError(t, config.DefaultAndValidate(&cfg))

	rt2, err := newRuntime(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, rt2.session.Start(context.Background()))
	t.Cleanup(rt2.session.Stop)
	require.Eventually(t, func() bool { return rt2.session.Stats().TotalDrones == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, rt2.session.Snapshot().Identity, "replay capture.log")
}
