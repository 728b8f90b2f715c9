package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bleradar/internal/config"
	"bleradar/internal/mmip"
	"bleradar/internal/radar"
	"bleradar/internal/replay"
	"bleradar/internal/sim"
	"bleradar/internal/sniffle"
	"bleradar/internal/udp"
	"bleradar/internal/web"
)

// runtime owns the radar session and the sinks its detections fan out to.
type runtime struct {
	cfg config.Config
	log zerolog.Logger

	session *radar.Session
	status  *web.Status
	logs    *web.LogBuffer
	live    *web.DetectionBroadcaster

	udp     *udp.Broadcaster
	mmip    *mmip.Client
	nc      *nats.Conn
	capture *replay.Writer

	// connectMMIP is swapped in tests.
	connectMMIP func(url, sourceID, creds string) (*mmip.Client, *nats.Conn, error)
}

func newRuntime(cfg config.Config, logs *web.LogBuffer) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:         c,
		log:         log.With().Str("component", "main").Logger(),
		status:      web.NewStatus(),
		logs:        logs,
		live:        web.NewDetectionBroadcaster(),
		connectMMIP: mmip.Connect,
	}

	dialer, err := newDialer(c)
	if err != nil {
		return nil, err
	}
	if c.Replay.Record != "" {
		w, err := replay.CreateWriter(c.Replay.Record, time.Now())
		if err != nil {
			return nil, fmt.Errorf("create capture: %w", err)
		}
		rt.capture = w
		dialer = &replay.Recorder{Inner: dialer, W: w}
	}

	rc := c.Radar
	rt.session, err = radar.NewSession(radar.Config{
		Dialer: dialer,
		Port:   rc.Port,
		Baud:   rc.Baud,
		Scan: radar.ScanConfig{
			Mode:        radar.ScanMode(rc.Mode),
			Channel:     rc.Channel,
			ExtendedAdv: rc.ExtendedAdvEnabled(),
			RSSIMin:     rc.RSSIMin,
		},
		BackoffInitial: rc.BackoffInitial,
		BackoffMax:     rc.BackoffMax,
		StopTimeout:    rc.StopTimeout,
		Callback:       rt.onDetection,
	})
	if err != nil {
		if rt.capture != nil {
			_ = rt.capture.Close()
		}
		return nil, err
	}
	return rt, nil
}

func newDialer(c config.Config) (radar.Dialer, error) {
	switch c.Radar.Transport {
	case "sniffle":
		return &sniffle.Dialer{}, nil
	case "replay":
		return &replay.Dialer{Path: c.Replay.Path, Speed: c.Replay.Speed, Loop: c.Replay.Loop}, nil
	}

	s := c.Sim
	d := &sim.Dialer{
		Fleet: sim.Fleet{
			CenterLatDeg: s.CenterLatDeg,
			CenterLonDeg: s.CenterLonDeg,
			BaseAltM:     s.BaseAltM,
			RadiusM:      s.RadiusM,
			Period:       s.Period,
		},
		Drones:   s.Drones,
		Devices:  s.Devices,
		Loop:     s.Loop,
		Interval: s.Interval,
	}
	if s.Scenario != "" {
		script, err := sim.LoadScenarioScript(s.Scenario)
		if err != nil {
			return nil, fmt.Errorf("load scenario: %w", err)
		}
		sc, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Scenario, err)
		}
		d.Scenario = sc
	}
	return d, nil
}

// openSinks connects the optional outputs. MMIP is best-effort: a broker
// that is down at startup only disables publishing.
func (rt *runtime) openSinks() error {
	sinks := map[string]any{}
	if rt.cfg.UDP.Enable {
		b, err := udp.NewBroadcaster(rt.cfg.UDP.Dest)
		if err != nil {
			return fmt.Errorf("udp broadcaster init failed: %w", err)
		}
		rt.udp = b
		sinks["udp"] = b.Dest()
	}
	if m := rt.cfg.MMIP; m.Enable {
		client, nc, err := rt.connectMMIP(m.URL, m.SourceID, m.Creds)
		if err != nil {
			rt.log.Warn().Err(err).Str("url", m.URL).Msg("mmip publishing disabled")
		} else {
			rt.mmip, rt.nc = client, nc
			sinks["mmip"] = m.SourceID
		}
	}
	if rt.cfg.Web.Enable {
		sinks["web"] = rt.cfg.Web.Listen
	}
	rt.status.SetStatic(rt.cfg.Radar.Transport, sinks)
	return nil
}

func (rt *runtime) closeSinks() {
	if rt.udp != nil {
		_ = rt.udp.Close()
	}
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil {
			rt.nc.Close()
		}
	}
}

// onDetection runs on the scan goroutine and fans out to every sink. Sink
// errors are joined so the session logs them without stopping.
func (rt *runtime) onDetection(evt radar.EventType, det radar.Detection) error {
	rt.live.Publish(det)

	var errs []error
	if rt.udp != nil {
		if err := rt.udp.SendJSON(det); err != nil {
			errs = append(errs, fmt.Errorf("udp: %w", err))
		}
	}
	if rt.mmip != nil {
		if err := rt.mmip.PublishDetection(evt, det); err != nil {
			errs = append(errs, fmt.Errorf("mmip: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) dataSources() any {
	st := rt.session.Stats()
	snap := rt.session.Snapshot()
	return map[string]any{
		"ble_radar": map[string]any{
			"state":         snap.State,
			"firmware":      snap.Identity,
			"total_devices": st.TotalDevices,
			"total_drones":  st.TotalDrones,
			"total_packets": st.TotalPackets,
			"scan_rate":     st.ScanRate,
		},
	}
}

// pruneLoop drops stale devices and drones on a fixed cadence.
func (rt *runtime) pruneLoop(ctx context.Context) {
	t := time.NewTicker(rt.cfg.Prune.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rt.session.PruneStale(rt.cfg.Prune.MaxAge)
		}
	}
}

// run blocks until ctx is done, then stops the session and logs a summary.
func (rt *runtime) run(ctx context.Context) error {
	if err := rt.openSinks(); err != nil {
		return err
	}
	defer rt.closeSinks()

	rt.log.Info().
		Str("transport", rt.cfg.Radar.Transport).
		Str("port", rt.cfg.Radar.Port).
		Str("mode", rt.cfg.Radar.Mode).
		Msg("bleradar starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := rt.session.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.pruneLoop(ctx)
	}()

	if rt.mmip != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.mmip.RunHeartbeat(ctx, rt.cfg.MMIP.Heartbeat, rt.dataSources)
		}()
	}

	webErr := make(chan error, 1)
	if rt.cfg.Web.Enable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := web.Serve(ctx, rt.cfg.Web.Listen, web.Deps{
				Radar:  rt.session,
				Status: rt.status,
				Logs:   rt.logs,
				Live:   rt.live,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				webErr <- err
			}
		}()
		rt.log.Info().Str("listen", rt.cfg.Web.Listen).Msg("web api enabled")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-webErr:
		runErr = fmt.Errorf("web server: %w", err)
	}

	rt.log.Info().Msg("bleradar stopping")
	cancel()
	rt.session.Stop()
	wg.Wait()
	if rt.capture != nil {
		if err := rt.capture.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("capture close failed")
		} else {
			rt.log.Info().Uint64("adverts", rt.capture.Count()).Str("path", rt.cfg.Replay.Record).Msg("capture written")
		}
	}
	logSummary(rt.log, summarize(rt.session.Devices(), rt.session.Stats(), 10))
	return runErr
}
