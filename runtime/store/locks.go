package store

import (
	"sync"

	"github.com/BDNK1/chatflow/runtime"
)

// clientLocks serializes turns per client. An entry lives only while some
// turn holds or waits for it.
type clientLocks struct {
	mu    sync.Mutex
	locks map[string]*clientLock
}

type clientLock struct {
	mu   sync.Mutex
	refs int
}

func (c *clientLocks) LockClient(client runtime.Client) func() {
	key := client.Key()
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*clientLock)
	}
	l, ok := c.locks[key]
	if !ok {
		l = &clientLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

