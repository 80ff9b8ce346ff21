// Package fifo implements FIFO Broadcast: per-sender in-order delivery
// layered over URB by exploiting URB's monotonically increasing per-origin
// sequence numbers.
package fifo

import (
	"container/heap"
	"context"
	"encoding/binary"
	"sync"

	"github.com/relaystack/dalg/log"
	"github.com/relaystack/dalg/urb"
)

// DeliverFunc receives a FIFO-ordered delivery: the origin process and the
// decoded 4-byte value it broadcast.
type DeliverFunc func(originID uint8, value uint32)

type bufferedMessage struct {
	seq   uint32
	value uint32
}

// messageHeap is a min-heap by sequence number, one per sender.
type messageHeap []bufferedMessage

func (h messageHeap) Len() int            { return len(h) }
func (h messageHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h messageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x interface{}) { *h = append(*h, x.(bufferedMessage)) }
func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type reorderBuffer struct {
	nextExpected uint32
	heap         messageHeap
}

// Broadcast is a FIFO Broadcast instance layered over one URB instance.
type Broadcast struct {
	urb *urb.Instance
	log log.Log

	mu      sync.Mutex
	buffers map[uint8]*reorderBuffer
}

// New wraps an URB instance with per-sender FIFO reordering.
func New(u *urb.Instance, logger log.Log) *Broadcast {
	return &Broadcast{
		urb:     u,
		log:     logger.WithName("fifo"),
		buffers: make(map[uint8]*reorderBuffer),
	}
}

// Broadcast encodes value as a 4-byte little-endian integer and forwards
// it to URB.
func (f *Broadcast) Broadcast(ctx context.Context, value uint32) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, value)
	return f.urb.Broadcast(ctx, payload)
}

func (f *Broadcast) bufferFor(originID uint8) *reorderBuffer {
	buf, ok := f.buffers[originID]
	if !ok {
		buf = &reorderBuffer{nextExpected: 1}
		f.buffers[originID] = buf
	}
	return buf
}

// Listen drives URB's listener loop, delivering values from each sender
// strictly in the order that sender broadcast them.
func (f *Broadcast) Listen(ctx context.Context, cb DeliverFunc) error {
	return f.urb.Listen(ctx, func(originID uint8, originSeqNr uint32, payloads [][]byte) {
		if len(payloads) != 1 || len(payloads[0]) != 4 {
			f.log.With().Warning("dropping fifo payload with unexpected shape", log.ProcessID(originID))
			return
		}
		value := binary.LittleEndian.Uint32(payloads[0])

		f.mu.Lock()
		defer f.mu.Unlock()

		buf := f.bufferFor(originID)
		if originSeqNr != buf.nextExpected {
			heap.Push(&buf.heap, bufferedMessage{seq: originSeqNr, value: value})
			return
		}

		cb(originID, value)
		buf.nextExpected++

		for len(buf.heap) > 0 && buf.heap[0].seq == buf.nextExpected {
			top := heap.Pop(&buf.heap).(bufferedMessage)
			cb(originID, top.value)
			buf.nextExpected++
		}
	})
}
