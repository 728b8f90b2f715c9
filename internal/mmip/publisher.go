// Package mmip publishes detections and heartbeats as MMIP/1.0 envelopes
// over NATS.
package mmip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bleradar/internal/radar"
)

const (
	Protocol   = "mmip"
	Version    = "1.0"
	SourceType = "bleradar"

	TypeDetection = "detection"
	TypeStatus    = "status"

	detectionSource = "ble_radar"
)

// Publisher is the part of *nats.Conn the client uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

type Envelope struct {
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	SourceID  string `json:"source_id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

type DetectionPayload struct {
	DetectionType string    `json:"detection_type"`
	Source        string    `json:"source"`
	ObjectID      string    `json:"object_id"`
	ObjectType    string    `json:"object_type"`
	Location      *Location `json:"location,omitempty"`
	Data          any       `json:"data"`
}

type StatusPayload struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	DataSources   any   `json:"data_sources"`
	MMIPStats     Stats `json:"mmip_stats"`
	System        struct {
		SourceType  string `json:"source_type"`
		MMIPVersion string `json:"mmip_version"`
	} `json:"system"`
}

type Stats struct {
	DetectionsPublished uint64 `json:"detections_published"`
	HeartbeatsPublished uint64 `json:"heartbeats_published"`
	Errors              uint64 `json:"errors"`
	LastPublish         int64  `json:"last_publish"`
}

type Client struct {
	pub      Publisher
	sourceID string
	now      func() time.Time
	newID    func() string
	start    time.Time
	log      zerolog.Logger

	detections  atomic.Uint64
	heartbeats  atomic.Uint64
	errors      atomic.Uint64
	lastPublish atomic.Int64
}

func New(pub Publisher, sourceID string) *Client {
	return &Client{
		pub:      pub,
		sourceID: sourceID,
		now:      time.Now,
		newID:    uuid.NewString,
		start:    time.Now(),
		log:      log.With().Str("component", "mmip").Str("source_id", sourceID).Logger(),
	}
}

// Connect dials NATS and returns a client publishing on it. The caller owns
// the returned connection.
func Connect(url, sourceID, creds string) (*Client, *nats.Conn, error) {
	l := log.With().Str("component", "mmip").Logger()
	opts := []nats.Option{
		nats.Name("bleradar-" + sourceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error().Err(err).Msg("NATS error")
		}),
	}
	if creds != "" {
		opts = append(opts, nats.UserCredentials(creds))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	l.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return New(nc, sourceID), nc, nil
}

func (c *Client) Subject(kind string) string {
	return Protocol + "." + c.sourceID + "." + kind
}

// PublishDetection forwards new devices and every drone update.
func (c *Client) PublishDetection(evt radar.EventType, det radar.Detection) error {
	if evt == radar.EventDevice && !det.New {
		return nil
	}

	p := DetectionPayload{
		DetectionType: "ble.detected",
		Source:        detectionSource,
		ObjectID:      det.Device.MAC,
		ObjectType:    string(det.Device.Category),
		Data:          det.Device,
	}
	if evt == radar.EventDrone && det.Drone != nil {
		p.DetectionType = "drone.detected"
		p.Data = det.Drone
		p.Location = &Location{Lat: det.Drone.DroneLat, Lon: det.Drone.DroneLong, Alt: det.Drone.DroneAltitude}
	}

	if err := c.publish(c.Subject("detections"), TypeDetection, p); err != nil {
		return err
	}
	c.detections.Add(1)
	return nil
}

// PublishStatus sends a heartbeat carrying dataSources.
func (c *Client) PublishStatus(dataSources any) error {
	var p StatusPayload
	p.UptimeSeconds = int64(c.now().Sub(c.start) / time.Second)
	p.DataSources = dataSources
	p.MMIPStats = c.Stats()
	p.System.SourceType = SourceType
	p.System.MMIPVersion = Version

	if err := c.publish(c.Subject("status"), TypeStatus, p); err != nil {
		return err
	}
	c.heartbeats.Add(1)
	return nil
}

// RunHeartbeat publishes a status immediately and then every interval until
// ctx is done.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration, dataSources func() any) {
	beat := func() {
		if err := c.PublishStatus(dataSources()); err != nil {
			c.log.Warn().Err(err).Msg("heartbeat publish failed")
		}
	}
	beat()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			beat()
		}
	}
}

func (c *Client) Stats() Stats {
	return Stats{
		DetectionsPublished: c.detections.Load(),
		HeartbeatsPublished: c.heartbeats.Load(),
		Errors:              c.errors.Load(),
		LastPublish:         c.lastPublish.Load(),
	}
}

func (c *Client) publish(subject, typ string, payload any) error {
	now := c.now()
	env := Envelope{
		Protocol:  Protocol,
		Version:   Version,
		SourceID:  c.sourceID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Type:      typ,
		Payload:   payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("marshal %s envelope: %w", typ, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = b
	msg.Header.Set(nats.MsgIdHdr, c.newID())
	if err := c.pub.PublishMsg(msg); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	c.lastPublish.Store(now.Unix())
	c.log.Debug().Str("subject", subject).Msg("published")
	return nil
}
