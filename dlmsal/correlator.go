package dlmsal

import (
	"fmt"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-engine/base"
	"k8s.io/utils/clock"
)

// invoke ids are 4 bits, READ and WRITE responses carry none and use this key
const snkey = 0x10

type response struct {
	apdu []byte
	sec  *SecurityHeader
	err  error
}

// correlator matches responses to pending requests by invoke id.
type correlator struct {
	mu      sync.Mutex
	pending map[byte]chan response
	dead    error
	clock   clock.Clock
	logf    func(format string, v ...any)
}

func newcorrelator(c clock.Clock, logf func(format string, v ...any)) *correlator {
	return &correlator{
		pending: make(map[byte]chan response),
		clock:   c,
		logf:    logf,
	}
}

// expect registers a pending request, it has to be done before sending it.
func (c *correlator) expect(id byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead != nil {
		return c.dead
	}
	if _, ok := c.pending[id]; ok {
		return fmt.Errorf("invoke id %d already pending", id)
	}
	c.pending[id] = make(chan response, 1)
	return nil
}

// put delivers a response, unexpected ones are dropped.
func (c *correlator) put(id byte, r response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		if c.logf != nil {
			c.logf("Dropping unexpected response for invoke id %d", id)
		}
		return
	}
	select {
	case ch <- r:
	default:
		if c.logf != nil {
			c.logf("Dropping duplicate response for invoke id %d", id)
		}
	}
}

// broadcast delivers the same response to all pending requests.
func (c *correlator) broadcast(r response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pending {
		select {
		case ch <- r:
		default:
		}
	}
}

// fail ends all pending requests and refuses the new ones.
func (c *correlator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead != nil {
		return
	}
	c.dead = err
	for _, ch := range c.pending {
		select {
		case ch <- response{err: err}:
		default:
		}
	}
}

func (c *correlator) isdead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead != nil
}

func (c *correlator) cancel(id byte) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// wait blocks for the response of id, zero timeout waits forever. The request is not
// pending anymore afterwards whatever the result.
func (c *correlator) wait(id byte, timeout time.Duration) ([]byte, *SecurityHeader, error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("invoke id %d not pending", id)
	}
	defer c.cancel(id)

	var tc <-chan time.Time
	if timeout > 0 {
		tc = c.clock.After(timeout)
	}
	select {
	case r := <-ch:
		return r.apdu, r.sec, r.err
	case <-tc:
		return nil, nil, fmt.Errorf("%w: invoke id %d after %v", base.ErrResponseTimeout, id, timeout)
	}
}
