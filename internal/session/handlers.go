package session

import (
	"github.com/energizer-project/proxytransport/internal/batch"
)

// handlerSet is the active pair of packet handler and batch handler. The
// batch handler is direct when transfer is nil and queuing otherwise.
// A set is immutable once stored; swapping means storing a new one.
type handlerSet struct {
	kind     HandlerKind
	packets  PacketHandler
	transfer *transferQueue
}

func (h *handlerSet) queuing() bool {
	return h.transfer != nil && h.transfer.locked
}

// transferQueue holds batches while a server transfer is in progress.
// It is only touched on the session loop.
type transferQueue struct {
	locked   bool
	released bool
	outbound []*batch.Batch
	inbound  []*batch.Batch
}

func (q *transferQueue) pushOutbound(b *batch.Batch) {
	if q.released {
		b.Release()
		return
	}
	q.outbound = append(q.outbound, b)
}

func (q *transferQueue) pushInbound(b *batch.Batch) {
	if q.released {
		b.Release()
		return
	}
	q.inbound = append(q.inbound, b)
}

// drain hands queued batches to out and in, outbound first, each in
// arrival order, and empties the queue.
func (q *transferQueue) drain(out, in func(*batch.Batch)) {
	outbound, inbound := q.outbound, q.inbound
	q.outbound, q.inbound = nil, nil
	q.locked = false

	for _, b := range outbound {
		out(b)
	}
	for _, b := range inbound {
		in(b)
	}
}

// release frees everything still queued. Later pushes are released
// immediately.
func (q *transferQueue) release() {
	q.released = true
	q.drain((*batch.Batch).Release, (*batch.Batch).Release)
}

func (q *transferQueue) len() int {
	return len(q.outbound) + len(q.inbound)
}
