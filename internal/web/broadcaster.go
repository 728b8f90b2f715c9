package web

import (
	"sync"
	"sync/atomic"

	"bleradar/internal/radar"
)

// DetectionBroadcaster fans detections out to live listeners such as
// websocket clients. A subscriber whose buffer is full misses the event
// rather than stalling the scan goroutine.
type DetectionBroadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan radar.Detection
	nextID int

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewDetectionBroadcaster() *DetectionBroadcaster {
	return &DetectionBroadcaster{
		subs: make(map[int]chan radar.Detection),
	}
}

func (b *DetectionBroadcaster) Subscribe(buffer int) (int, <-chan radar.Detection) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan radar.Detection, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *DetectionBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *DetectionBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *DetectionBroadcaster) Publish(det radar.Detection) {
	if b == nil {
		return
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- det:
		default:
			b.dropped.Add(1)
		}
	}
}

// Counts returns events published and per-subscriber deliveries dropped.
func (b *DetectionBroadcaster) Counts() (published, dropped uint64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}
