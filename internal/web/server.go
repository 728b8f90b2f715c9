// Package web serves a small JSON API over the live radar session: status,
// device and drone tables, statistics, the log tail and a websocket feed of
// detections.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bleradar/internal/radar"
	"bleradar/internal/registry"
)

// Radar is the part of *radar.Session the API reads.
type Radar interface {
	Snapshot() radar.Snapshot
	Devices() []registry.Device
	Drones() []registry.Drone
	Stats() registry.Stats
	PruneStale(maxAge time.Duration) (devices, drones int)
}

type Deps struct {
	Radar  Radar
	Status *Status
	Logs   *LogBuffer
	Live   *DetectionBroadcaster
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, d.Status.Snapshot(time.Now().UTC(), d.Radar))
	})

	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) || !requireRadar(w, d.Radar) {
			return
		}
		devices := d.Radar.Devices()
		if cat := strings.TrimSpace(r.URL.Query().Get("category")); cat != "" {
			kept := devices[:0]
			for _, dev := range devices {
				if string(dev.Category) == cat {
					kept = append(kept, dev)
				}
			}
			devices = kept
		}
		if devices == nil {
			devices = []registry.Device{}
		}
		writeJSON(w, devices)
	})

	mux.HandleFunc("/api/drones", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) || !requireRadar(w, d.Radar) {
			return
		}
		drones := d.Radar.Drones()
		if drones == nil {
			drones = []registry.Drone{}
		}
		writeJSON(w, drones)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) || !requireRadar(w, d.Radar) {
			return
		}
		writeJSON(w, d.Radar.Stats())
	})

	mux.HandleFunc("/api/prune", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) || !requireRadar(w, d.Radar) {
			return
		}
		maxAge := 300 * time.Second
		if s := strings.TrimSpace(r.URL.Query().Get("max_age")); s != "" {
			v, err := time.ParseDuration(s)
			if err != nil || v < 0 {
				http.Error(w, "max_age must be a non-negative duration", http.StatusBadRequest)
				return
			}
			maxAge = v
		}
		devices, drones := d.Radar.PruneStale(maxAge)
		writeJSON(w, map[string]int{"devices": devices, "drones": drones})
	})

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	mux.HandleFunc("/api/ws", streamHandler(d.Live))
	mux.HandleFunc("/api/about", aboutHandler(d.Radar))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC(), d.Radar)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>bleradar</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>bleradar</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/devices\">/api/devices</a> and <a href=\"/api/drones\">/api/drones</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>transport=%s\nstate=%s\ndevices=%d\ndrones=%d\npackets=%d</pre>",
			snap.Transport, snap.Radar.State, snap.Radar.Stats.TotalDevices, snap.Radar.Stats.TotalDrones, snap.Radar.Stats.TotalPackets,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: /api/ws holds its response open.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func requireRadar(w http.ResponseWriter, r Radar) bool {
	if r == nil {
		http.Error(w, "radar unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
