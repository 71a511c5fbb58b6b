package dispatch

import (
	"container/list"
	"sync"
)

// nonceCache is a bounded LRU of recently seen intent nonces. Remember
// returns false when the nonce was already present (a replay).
type nonceCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	seen  map[string]*list.Element
}

func newNonceCache(max int) *nonceCache {
	if max <= 0 {
		max = 1024
	}
	return &nonceCache{
		max:   max,
		order: list.New(),
		seen:  make(map[string]*list.Element, max),
	}
}

func (c *nonceCache) Remember(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.seen[nonce]; ok {
		c.order.MoveToFront(el)
		return false
	}
	c.seen[nonce] = c.order.PushFront(nonce)
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.seen, oldest.Value.(string))
	}
	return true
}
