package radar

import (
	"sync"
	"sync/atomic"
)

type item struct {
	adv *Advertisement
	err error
}

type fakeConn struct {
	items    chan item
	canceled chan struct{}
	once     sync.Once
	closed   atomic.Bool

	ident        string
	identErr     error
	configureErr error

	mu         sync.Mutex
	configured []ScanConfig
}

func newFakeConn(items ...item) *fakeConn {
	c := &fakeConn{
		items:    make(chan item, 64),
		canceled: make(chan struct{}),
		ident:    "fake 1.0",
	}
	for _, it := range items {
		c.items <- it
	}
	return c
}

func (c *fakeConn) push(it item) { c.items <- it }

func (c *fakeConn) ProbeIdentity() (string, error) {
	return c.ident, c.identErr
}

func (c *fakeConn) Configure(cfg ScanConfig) error {
	c.mu.Lock()
	c.configured = append(c.configured, cfg)
	c.mu.Unlock()
	return c.configureErr
}

func (c *fakeConn) Receive() (*Advertisement, error) {
	select {
	case <-c.canceled:
		return nil, ErrCanceled
	default:
	}
	select {
	case it := <-c.items:
		return it.adv, it.err
	case <-c.canceled:
		return nil, ErrCanceled
	}
}

func (c *fakeConn) Cancel() {
	c.once.Do(func() { close(c.canceled) })
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.Cancel()
	return nil
}

func (c *fakeConn) isCanceled() bool {
	select {
	case <-c.canceled:
		return true
	default:
		return false
	}
}

// fakeDialer hands out scripted results in order, then idle connections.
type step struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu    sync.Mutex
	steps []step
	opens int
	ports []string
	bauds []int
}

func (d *fakeDialer) Open(port string, baud int) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.opens
	d.opens++
	d.ports = append(d.ports, port)
	d.bauds = append(d.bauds, baud)
	if i < len(d.steps) {
		st := d.steps[i]
		if st.err != nil {
			return nil, st.err
		}
		return st.conn, nil
	}
	return newFakeConn(), nil
}

func (d *fakeDialer) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

type collector struct {
	mu   sync.Mutex
	dets []Detection
}

func (c *collector) callback(evt EventType, det Detection) error {
	c.mu.Lock()
	c.dets = append(c.dets, det)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Detection(nil), c.dets...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dets)
}
