package chain

import (
	"container/list"
	"sync"
)

const DefaultCapacity = 100

// Cache is a bounded arena of Nodes in insertion order.
type Cache struct {
	mu       sync.Mutex
	capacity int
	nodes    map[string]*list.Element
	order    *list.List // front is oldest
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		nodes:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// GetOrCreate returns the node for id, inserting an unpopulated one if none
// exists. The same id always yields the same *Node while it is cached.
func (c *Cache) GetOrCreate(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.nodes[id]; ok {
		return el.Value.(*Node)
	}
	n := &Node{id: id}
	c.nodes[id] = c.order.PushBack(n)
	return n
}

func (c *Cache) Get(id string) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.nodes[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Node), true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

func (c *Cache) Capacity() int { return c.capacity }

// Clear drops every node.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[string]*list.Element)
	c.order.Init()
}

// EvictIfOverCapacity removes the oldest nodes until the cache is back at
// capacity and returns how many it removed. Nodes that are locked or loading
// are skipped and left for a later pass, so the cache can stay over capacity
// while they are busy.
func (c *Cache) EvictIfOverCapacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil && len(c.nodes) > c.capacity; {
		next := el.Next()
		n := el.Value.(*Node)
		if n.tryAcquireIdle() {
			delete(c.nodes, n.id)
			c.order.Remove(el)
			n.mu.Unlock()
			removed++
		}
		el = next
	}
	return removed
}
