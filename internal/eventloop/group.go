package eventloop

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Group is a fixed set of loops handed out round-robin.
type Group struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewGroup creates size loops named "<name>-<i>". A size below one uses
// the number of CPUs.
func NewGroup(name string, size int) *Group {
	if size < 1 {
		size = runtime.NumCPU()
	}
	g := &Group{loops: make([]*Loop, size)}
	for i := range g.loops {
		g.loops[i] = New(fmt.Sprintf("%s-%d", name, i))
	}
	return g
}

// Start starts every loop.
func (g *Group) Start() {
	for _, l := range g.loops {
		l.Start()
	}
}

// Stop stops every loop, draining their queues.
func (g *Group) Stop() {
	for _, l := range g.loops {
		l.Stop()
	}
}

// Next returns the next loop in rotation.
func (g *Group) Next() *Loop {
	n := g.next.Add(1) - 1
	return g.loops[n%uint64(len(g.loops))]
}

// Size returns the number of loops.
func (g *Group) Size() int {
	return len(g.loops)
}
