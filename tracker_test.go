// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type namedAllocator struct {
	*goAllocator
	name string
}

func (n namedAllocator) Name() string { return n.name }

func named(name string) *namedAllocator {
	return &namedAllocator{goAllocator: newGoAllocator(), name: name}
}

type visit struct {
	depth int
	name  string
}

func walkAll(tr *Tracker) []visit {
	var out []visit
	tr.Walk(func(depth int, a Allocator) bool {
		out = append(out, visit{depth, a.Name()})
		return true
	})
	return out
}

func TestTrackerWalkOrder(t *testing.T) {
	tr := NewTracker()
	a, b, c, d := named("a"), named("b"), named("c"), named("d")
	tr.RegisterAllocator(a, nil)
	tr.RegisterAllocator(b, a)
	tr.RegisterAllocator(c, b)
	tr.RegisterAllocator(d, a)

	require.Equal(t, []visit{{0, "a"}, {1, "b"}, {2, "c"}, {1, "d"}}, walkAll(tr))

	var seen []string
	tr.Walk(func(_ int, a Allocator) bool {
		seen = append(seen, a.Name())
		return len(seen) < 2
	})
	require.Equal(t, []string{"a", "b"}, seen)
}

func TestTrackerConsoleDump(t *testing.T) {
	tr := NewTracker()
	heap, strs := named("heap"), named("strings")
	tr.RegisterAllocator(heap, nil)
	tr.RegisterAllocator(strs, heap)

	p := strs.Allocate(2048, 0)
	defer strs.Deallocate(p)

	var buf bytes.Buffer
	require.NoError(t, tr.ConsoleDump(&buf))
	require.Equal(t,
		"heap allocs=0 bytes=0 (0 B)\n"+
			"  strings allocs=1 bytes=2048 (2.0 KiB)\n",
		buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestTrackerConsoleDumpWriteError(t *testing.T) {
	tr := NewTracker()
	tr.RegisterAllocator(named("a"), nil)
	require.EqualError(t, tr.ConsoleDump(failingWriter{}), "disk full")
}

func TestTrackerPlaceholderParent(t *testing.T) {
	tr := NewTracker()
	root, child := named("root"), named("child")

	// child arrives before its parent
	tr.RegisterAllocator(child, root)
	require.Equal(t, []visit{{0, "root"}, {1, "child"}}, walkAll(tr))

	top := named("top")
	tr.RegisterAllocator(top, nil)
	tr.RegisterAllocator(root, top)
	require.Equal(t, []visit{{0, "top"}, {1, "root"}, {2, "child"}}, walkAll(tr))
}

func TestTrackerReRegisterMovesSubtree(t *testing.T) {
	tr := NewTracker()
	a, b, c, d := named("a"), named("b"), named("c"), named("d")
	tr.RegisterAllocator(a, nil)
	tr.RegisterAllocator(b, a)
	tr.RegisterAllocator(c, b)
	tr.RegisterAllocator(d, nil)

	tr.RegisterAllocator(b, d)
	require.Equal(t, []visit{{0, "a"}, {0, "d"}, {1, "b"}, {2, "c"}}, walkAll(tr))

	tr.RegisterAllocator(b, nil)
	require.Equal(t, []visit{{0, "a"}, {0, "d"}, {0, "b"}, {1, "c"}}, walkAll(tr))
}

func TestTrackerRejectsCycles(t *testing.T) {
	tr := NewTracker()
	a, b, c := named("a"), named("b"), named("c")
	tr.RegisterAllocator(a, nil)
	tr.RegisterAllocator(b, a)
	tr.RegisterAllocator(c, b)

	requireViolation(t, func() { tr.RegisterAllocator(a, a) })
	requireViolation(t, func() { tr.RegisterAllocator(a, c) })
	requireViolation(t, func() { tr.RegisterAllocator(nil, a) })

	// the tree is unchanged and the lock was released
	require.Equal(t, []visit{{0, "a"}, {1, "b"}, {2, "c"}}, walkAll(tr))
}

func TestTrackerUnregister(t *testing.T) {
	tr := NewTracker()
	a, b, c := named("a"), named("b"), named("c")
	tr.RegisterAllocator(a, nil)
	tr.RegisterAllocator(b, a)
	tr.RegisterAllocator(c, b)
	tr.SetAllocator(b)

	tr.Unregister(b)
	require.Equal(t, []visit{{0, "a"}, {1, "c"}}, walkAll(tr))
	require.Nil(t, tr.Allocator())

	tr.Unregister(b)
	tr.Unregister(nil)
	require.Equal(t, []visit{{0, "a"}, {1, "c"}}, walkAll(tr))
}

func TestTrackerCurrentAllocator(t *testing.T) {
	tr := NewTracker()
	require.Nil(t, tr.Allocator())

	a := named("a")
	tr.SetAllocator(a)
	require.Same(t, a, tr.Allocator())
	// the current allocator need not be registered
	require.Empty(t, walkAll(tr))
}
