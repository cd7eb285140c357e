// Package chain rebuilds linear conversation history from reply chains.
//
// A Cache is an arena of Nodes keyed by platform message id. Each Node is a
// single-populate cell: its fields are set once, by whichever caller gets
// there first, and never change afterwards.
package chain

import (
	"context"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Fields is the content of a populated node.
type Fields struct {
	Text       string
	Role       Role
	AuthorID   string
	AuthorName string
	// ParentID is the message this one replies to, empty at the chain root.
	ParentID string
}

// Node is one message in the cache. The zero state is unpopulated.
type Node struct {
	id string

	mu        sync.Mutex
	populated bool
	loading   chan struct{} // non-nil while a Resolve loader is running
	fields    Fields
}

func (n *Node) ID() string { return n.id }

// Populate sets the node's fields if nobody has yet and reports whether this
// call did it. Later calls leave the first fields in place.
func (n *Node) Populate(f Fields) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.populated {
		return false
	}
	n.fields = f
	n.populated = true
	return true
}

// Snapshot returns the fields and whether the node has been populated.
func (n *Node) Snapshot() (Fields, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fields, n.populated
}

// Resolve returns the node's fields, calling load to produce them if the node
// is unpopulated. Concurrent callers on one node share a single load; load
// runs without the node lock held. A failed load leaves the node unpopulated
// so a later walk can retry it.
func (n *Node) Resolve(ctx context.Context, load func(context.Context) (Fields, error)) (Fields, error) {
	for {
		n.mu.Lock()
		if n.populated {
			f := n.fields
			n.mu.Unlock()
			return f, nil
		}
		if wait := n.loading; wait != nil {
			n.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return Fields{}, ctx.Err()
			}
		}
		done := make(chan struct{})
		n.loading = done
		n.mu.Unlock()

		f, err := load(ctx)

		n.mu.Lock()
		n.loading = nil
		if err == nil && !n.populated {
			n.fields = f
			n.populated = true
		}
		result := n.fields
		close(done)
		n.mu.Unlock()

		if err != nil {
			return Fields{}, err
		}
		return result, nil
	}
}

// tryAcquireIdle locks the node only if it is neither locked nor loading. The
// caller must unlock on success.
func (n *Node) tryAcquireIdle() bool {
	if !n.mu.TryLock() {
		return false
	}
	if n.loading != nil {
		n.mu.Unlock()
		return false
	}
	return true
}
