package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

type AboutResponse struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Firmware  string `json:"firmware,omitempty"`
}

func aboutHandler(r Radar) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !allowMethod(w, req, http.MethodGet) {
			return
		}

		resp := AboutResponse{
			Service:   "bleradar",
			NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
			GoVersion: runtime.Version(),
		}
		if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
			resp.Version = bi.Main.Version
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					resp.Commit = s.Value
				case "vcs.modified":
					resp.Dirty = s.Value == "true"
				}
			}
		}
		if r != nil {
			snap := r.Snapshot()
			resp.SessionID = snap.SessionID
			resp.Firmware = snap.Identity
		}
		writeJSON(w, resp)
	}
}
