// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

type trackerNode struct {
	allocator Allocator
	parent    *trackerNode
	children  []*trackerNode
}

func (n *trackerNode) detach() {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (n *trackerNode) adopt(c *trackerNode) {
	c.parent = n
	n.children = append(n.children, c)
}

func (n *trackerNode) find(a Allocator) *trackerNode {
	if n.allocator == a {
		return n
	}
	for _, c := range n.children {
		if found := c.find(a); found != nil {
			return found
		}
	}
	return nil
}

func (n *trackerNode) isAncestorOf(other *trackerNode) bool {
	for p := other; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

// Tracker arranges allocators into a tree for reporting. It never changes
// how an allocator behaves, and the tree need not mirror the delegation
// chain. Tracker is safe for concurrent use.
type Tracker struct {
	mtx     sync.RWMutex
	root    trackerNode
	current Allocator
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RegisterAllocator places a under parent, or under the root when parent is
// nil. An unknown parent is first added under the root as a placeholder and
// moves into place once it is registered itself. Registering a again moves
// it, with its subtree, under the new parent.
func (t *Tracker) RegisterAllocator(a, parent Allocator) {
	if a == nil {
		violation("tracker", "RegisterAllocator", "nil allocator")
	}
	if a == parent {
		violation("tracker", "RegisterAllocator", "%q registered as its own parent", a.Name())
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()

	at := &t.root
	if parent != nil {
		if at = t.root.find(parent); at == nil {
			at = &trackerNode{allocator: parent}
			t.root.adopt(at)
		}
	}

	n := t.root.find(a)
	if n == nil {
		at.adopt(&trackerNode{allocator: a})
		return
	}
	if n.isAncestorOf(at) {
		violation("tracker", "RegisterAllocator", "%q is an ancestor of %q", a.Name(), parent.Name())
	}
	n.detach()
	at.adopt(n)
}

// Unregister removes a from the tree. Its children move to its parent.
func (t *Tracker) Unregister(a Allocator) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	n := t.root.find(a)
	if n == nil || n == &t.root {
		return
	}
	p := n.parent
	n.detach()
	for _, c := range n.children {
		p.adopt(c)
	}
	n.children = nil
	if t.current == a {
		t.current = nil
	}
}

// SetAllocator sets the allocator handed out by Allocator.
func (t *Tracker) SetAllocator(a Allocator) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.current = a
}

// Allocator returns the allocator set with SetAllocator, or nil.
func (t *Tracker) Allocator() Allocator {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.current
}

// Walk visits the tree depth first, parents before children and children in
// registration order. Top level allocators have depth zero. Walk stops when
// fn returns false. fn must not register or unregister allocators.
func (t *Tracker) Walk(fn func(depth int, a Allocator) bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	for _, c := range t.root.children {
		if !walk(c, 0, fn) {
			return
		}
	}
}

func walk(n *trackerNode, depth int, fn func(int, Allocator) bool) bool {
	if !fn(depth, n.allocator) {
		return false
	}
	for _, c := range n.children {
		if !walk(c, depth+1, fn) {
			return false
		}
	}
	return true
}

// ConsoleDump writes one line per allocator, indented two spaces per level:
//
//	heap allocs=3 bytes=4096 (4.0 KiB)
//	  strings allocs=1 bytes=64 (64 B)
func (t *Tracker) ConsoleDump(w io.Writer) error {
	var err error
	t.Walk(func(depth int, a Allocator) bool {
		s := a.Stats()
		_, err = fmt.Fprintf(w, "%s%s allocs=%d bytes=%d (%s)\n",
			strings.Repeat("  ", depth), a.Name(), s.Allocations, s.Bytes, humanize.IBytes(uint64(max(s.Bytes, 0))))
		return err == nil
	})
	return err
}
