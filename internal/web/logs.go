package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogBuffer keeps the most recent log lines for /api/logs. It is installed
// as an extra zerolog writer, so each Write is normally one JSON record.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 500
	}
	return &LogBuffer{max: maxLines}
}

// Write implements io.Writer. Bytes after the last newline are held until
// the rest of the line arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLineLocked(string(data[:i]))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *LogBuffer) appendLineLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		over := len(b.lines) - b.max
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Snapshot returns up to tail lines at or above minLevel, oldest first.
// Lines that are not JSON records always pass the level filter.
func (b *LogBuffer) Snapshot(tail int, minLevel zerolog.Level) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = b.dropped
	if tail <= 0 {
		tail = 200
	}
	for i := len(b.lines) - 1; i >= 0 && len(lines) < tail; i-- {
		if lineLevel(b.lines[i]) >= minLevel {
			lines = append(lines, b.lines[i])
		}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, dropped
}

func lineLevel(line string) zerolog.Level {
	var rec struct {
		Level string `json:"level"`
	}
	if json.Unmarshal([]byte(line), &rec) != nil || rec.Level == "" {
		return zerolog.NoLevel
	}
	lvl, err := zerolog.ParseLevel(rec.Level)
	if err != nil {
		return zerolog.NoLevel
	}
	return lvl
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}
		minLevel := zerolog.TraceLevel
		if s := strings.TrimSpace(q.Get("level")); s != "" {
			lvl, err := zerolog.ParseLevel(strings.ToLower(s))
			if err != nil || lvl == zerolog.NoLevel {
				http.Error(w, "unknown level", http.StatusBadRequest)
				return
			}
			minLevel = lvl
		}

		lines, dropped := b.Snapshot(tail, minLevel)
		if lines == nil {
			lines = []string{}
		}

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = w.Write([]byte(line))
				_, _ = w.Write([]byte("\n"))
			}
			return
		}

		writeJSON(w, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
