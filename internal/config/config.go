package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bleradar/internal/logging"
)

type Config struct {
	Radar  RadarConfig    `yaml:"radar"`
	Prune  PruneConfig    `yaml:"prune"`
	Sim    SimConfig      `yaml:"sim"`
	Web    WebConfig      `yaml:"web"`
	UDP    UDPConfig      `yaml:"udp"`
	MMIP   MMIPConfig     `yaml:"mmip"`
	Replay ReplayConfig   `yaml:"replay"`
	Log    logging.Config `yaml:"log"`
}

type RadarConfig struct {
	// Transport is "sniffle" (USB dongle), "sim" or "replay".
	Transport string `yaml:"transport"`
	Port      string `yaml:"port"`
	Baud      int    `yaml:"baud"`

	Mode        string `yaml:"mode"`
	Channel     int    `yaml:"channel"`
	ExtendedAdv *bool  `yaml:"extended_adv"`
	// RSSIMin is the firmware RSSI floor in dBm. 0 means the default.
	RSSIMin int `yaml:"rssi_min"`

	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
}

// ExtendedAdvEnabled reports the effective extended advertising setting.
func (r RadarConfig) ExtendedAdvEnabled() bool {
	return r.ExtendedAdv == nil || *r.ExtendedAdv
}

type PruneConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type SimConfig struct {
	Drones       int           `yaml:"drones"`
	Devices      []string      `yaml:"devices"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	BaseAltM     float64       `yaml:"base_alt_m"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
	Interval     time.Duration `yaml:"interval"`

	// Scenario is an optional YAML script replacing the orbiting fleet.
	Scenario string `yaml:"scenario"`
	Loop     bool   `yaml:"loop"`
}

// ReplayConfig covers both directions: Record captures whatever the
// transport receives, Path is played back when radar.transport is "replay".
type ReplayConfig struct {
	Record string  `yaml:"record"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type WebConfig struct {
	Enable  bool   `yaml:"enable"`
	Listen  string `yaml:"listen"`
	LogTail int    `yaml:"log_tail"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MMIPConfig struct {
	Enable    bool          `yaml:"enable"`
	URL       string        `yaml:"url"`
	SourceID  string        `yaml:"source_id"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	// Creds is an optional NATS credentials file.
	Creds string `yaml:"creds"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects invalid combinations.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	r := &cfg.Radar
	if r.Transport == "" {
		r.Transport = "sniffle"
	}
	if r.Transport != "sniffle" && r.Transport != "sim" && r.Transport != "replay" {
		return fmt.Errorf("radar.transport must be 'sniffle', 'sim' or 'replay'")
	}
	if r.Port == "" {
		r.Port = "/dev/ttyUSB0"
	}
	if r.Baud == 0 {
		r.Baud = 921600
	}
	if r.Baud < 0 {
		return fmt.Errorf("radar.baud must be > 0")
	}
	if r.Mode == "" {
		r.Mode = "conn_follow"
	}
	if r.Mode != "conn_follow" && r.Mode != "passive_scan" {
		return fmt.Errorf("radar.mode must be 'conn_follow' or 'passive_scan'")
	}
	if r.Channel == 0 {
		r.Channel = 37
	}
	if r.Channel < 37 || r.Channel > 39 {
		return fmt.Errorf("radar.channel must be 37, 38 or 39")
	}
	if r.RSSIMin == 0 {
		r.RSSIMin = -100
	}
	if r.RSSIMin < -128 || r.RSSIMin > 0 {
		return fmt.Errorf("radar.rssi_min must be between -128 and 0")
	}
	if r.BackoffInitial <= 0 {
		r.BackoffInitial = 2 * time.Second
	}
	if r.BackoffMax <= 0 {
		r.BackoffMax = 60 * time.Second
	}
	if r.BackoffMax < r.BackoffInitial {
		return fmt.Errorf("radar.backoff_max must be >= radar.backoff_initial")
	}
	if r.StopTimeout <= 0 {
		r.StopTimeout = 5 * time.Second
	}

	if cfg.Prune.Interval == 0 {
		cfg.Prune.Interval = 30 * time.Second
	}
	if cfg.Prune.MaxAge == 0 {
		cfg.Prune.MaxAge = 300 * time.Second
	}
	if cfg.Prune.Interval < 0 || cfg.Prune.MaxAge < 0 {
		return fmt.Errorf("prune.interval and prune.max_age must be > 0")
	}

	// Simulator defaults (safe even if the transport is not sim).
	s := &cfg.Sim
	if s.Drones < 0 {
		return fmt.Errorf("sim.drones must be >= 0")
	}
	if s.Drones == 0 && s.Scenario == "" {
		s.Drones = 3
	}
	if s.RadiusM <= 0 {
		s.RadiusM = 400
	}
	if s.Period <= 0 {
		s.Period = 120 * time.Second
	}
	if s.BaseAltM == 0 {
		s.BaseAltM = 60
	}
	if s.Interval <= 0 {
		s.Interval = 250 * time.Millisecond
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.Enable {
		if _, _, err := net.SplitHostPort(cfg.Web.Listen); err != nil {
			return fmt.Errorf("web.listen must be host:port")
		}
	}
	if cfg.Web.LogTail <= 0 {
		cfg.Web.LogTail = 500
	}

	if cfg.UDP.Enable {
		if cfg.UDP.Dest == "" {
			return fmt.Errorf("udp.dest is required when udp.enable is true")
		}
		if _, _, err := net.SplitHostPort(cfg.UDP.Dest); err != nil {
			return fmt.Errorf("udp.dest must be host:port")
		}
	}

	m := &cfg.MMIP
	if m.URL == "" {
		m.URL = "nats://127.0.0.1:4222"
	}
	if m.SourceID == "" {
		m.SourceID = "bleradar"
	}
	if strings.ContainsAny(m.SourceID, ".*> \t") {
		return fmt.Errorf("mmip.source_id must be a single NATS subject token")
	}
	if m.Heartbeat <= 0 {
		m.Heartbeat = 30 * time.Second
	}

	rp := &cfg.Replay
	if rp.Speed == 0 {
		rp.Speed = 1
	}
	if rp.Speed < 0 {
		return fmt.Errorf("replay.speed must be > 0")
	}
	if r.Transport == "replay" && strings.TrimSpace(rp.Path) == "" {
		return fmt.Errorf("replay.path is required when radar.transport is 'replay'")
	}
	if rp.Record != "" && rp.Record == rp.Path {
		return fmt.Errorf("replay.record must differ from replay.path")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return nil
}
