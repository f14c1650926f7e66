package discovery

import (
	"fmt"
	"sync"
)

// instanceCache remembers the last resolve result of every instance seen by
// a browse, and feeds it to open resolve handles as it changes.
type instanceCache struct {
	mu       sync.Mutex
	replies  map[ServiceDescription]ResolveReply
	watchers map[ServiceDescription]map[*replyHandle[ResolveReply]]struct{}
}

func newInstanceCache() *instanceCache {
	return &instanceCache{
		replies:  make(map[ServiceDescription]ResolveReply),
		watchers: make(map[ServiceDescription]map[*replyHandle[ResolveReply]]struct{}),
	}
}

func (c *instanceCache) update(sd ServiceDescription, reply ResolveReply) {
	c.mu.Lock()
	c.replies[sd] = reply
	handles := make([]*replyHandle[ResolveReply], 0, len(c.watchers[sd]))
	for h := range c.watchers[sd] {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.push(reply)
	}
}

func (c *instanceCache) remove(sd ServiceDescription) {
	c.mu.Lock()
	delete(c.replies, sd)
	c.mu.Unlock()
}

func (c *instanceCache) resolve(sd ServiceDescription, cb ResolveCallback) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, ok := c.replies[sd]
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", sd, ErrInstanceNotFound)
	}

	h := newReplyHandle(func(r ResolveReply) { cb(r) }, nil)
	h.onClose = func() {
		c.mu.Lock()
		delete(c.watchers[sd], h)
		if len(c.watchers[sd]) == 0 {
			delete(c.watchers, sd)
		}
		c.mu.Unlock()
	}
	if c.watchers[sd] == nil {
		c.watchers[sd] = make(map[*replyHandle[ResolveReply]]struct{})
	}
	c.watchers[sd][h] = struct{}{}

	h.push(reply)
	return h, nil
}
