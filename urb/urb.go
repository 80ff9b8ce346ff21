// Package urb implements Uniform Reliable Broadcast: majority-ack
// tracking per broadcast identity, delivered at most once, with
// relay-on-first-sight re-broadcast for uniform agreement.
package urb

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/relaystack/dalg/beb"
	"github.com/relaystack/dalg/config"
	"github.com/relaystack/dalg/log"
	"github.com/relaystack/dalg/metrics"
	"github.com/relaystack/dalg/semaphore"
)

// DefaultMaxInFlight is the default number of concurrent self-originated
// broadcasts URB allows before Broadcast blocks (spec §4.4: default 1).
const DefaultMaxInFlight = 1

const identityLen = 8 // 1 byte origin id + 4 byte origin seq nr, packed into 8 bytes

var (
	messagesDelivered = metrics.NewCounter("messages_delivered_total", "urb", "identities delivered exactly once", nil)
	identitiesSeen    = metrics.NewCounter("identities_seen_total", "urb", "distinct broadcast identities first observed", nil)
)

// DeliverFunc receives an URB delivery: the origin process, its per-origin
// sequence number, and the application payload slices.
type DeliverFunc func(originID uint8, originSeqNr uint32, payloads [][]byte)

// identity packs (originID, originSeqNr) into a 64-bit key. The sequence
// number occupies the high bits so identities from the same origin sort
// by sequence number; see DESIGN.md.
type identity uint64

func packIdentity(originID uint8, originSeqNr uint32) identity {
	return identity(uint64(originSeqNr)<<8 | uint64(originID))
}

func (i identity) originID() uint8      { return uint8(i) }
func (i identity) originSeqNr() uint32  { return uint32(i >> 8) }

func encodeIdentityMetadata(originID uint8, originSeqNr uint32) []byte {
	buf := make([]byte, identityLen)
	buf[0] = originID
	binary.LittleEndian.PutUint32(buf[1:], originSeqNr)
	return buf
}

func decodeIdentityMetadata(meta []byte) (uint8, uint32, bool) {
	if len(meta) != identityLen {
		return 0, 0, false
	}
	return meta[0], binary.LittleEndian.Uint32(meta[1:]), true
}

type ackBitset struct {
	acks [2]uint64 // 128 bits, MAX_PROCESSES
}

func (b *ackBitset) set(id uint8) (wasSet bool) {
	// Process ids are 1-based, so id occupies bit id-1.
	word, bit := (id-1)/64, (id-1)%64
	mask := uint64(1) << bit
	wasSet = b.acks[word]&mask != 0
	b.acks[word] |= mask
	return wasSet
}

func (b *ackBitset) popcount() int {
	n := 0
	for _, w := range b.acks {
		for w != 0 {
			n += int(w & 1)
			w >>= 1
		}
	}
	return n
}

type urbEntry struct {
	acks ackBitset
}

// Instance is one Uniform Reliable Broadcast instance layered over one
// Best-Effort Broadcast.
type Instance struct {
	selfID   uint8
	majority int

	beb *beb.Broadcast

	log log.Log

	nextSeq uint32 // atomic

	mu      sync.Mutex
	entries map[identity]*urbEntry

	gate *semaphore.Gate
}

// New wraps a BEB instance with URB's majority-ack bookkeeping.
func New(selfID uint8, hosts *config.Hosts, b *beb.Broadcast, maxInFlight int, logger log.Log) *Instance {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Instance{
		selfID:   selfID,
		majority: hosts.Majority(),
		beb:      b,
		log:      logger.WithName("urb"),
		entries:  make(map[identity]*urbEntry),
		gate:     semaphore.New(int64(maxInFlight)),
	}
}

// Broadcast allocates the next per-origin sequence number, registers the
// identity, and forwards to BEB. It blocks until a self-broadcast slot is
// free and returns once the token has been claimed and the BEB fan-out has
// been issued; the token itself is released at self-delivery.
func (u *Instance) Broadcast(ctx context.Context, payloads ...[]byte) error {
	if err := u.gate.Acquire(ctx); err != nil {
		return err
	}

	seq := atomic.AddUint32(&u.nextSeq, 1)
	id := packIdentity(u.selfID, seq)

	u.mu.Lock()
	if _, exists := u.entries[id]; !exists {
		u.entries[id] = &urbEntry{}
		identitiesSeen.WithLabelValues().Inc()
	}
	u.mu.Unlock()

	meta := encodeIdentityMetadata(u.selfID, seq)
	return u.beb.Broadcast(ctx, meta, payloads...)
}

// Listen processes BEB deliveries, applying the majority-ack delivery
// test and the relay-on-first-sight re-broadcast discipline.
func (u *Instance) Listen(ctx context.Context, cb DeliverFunc) error {
	return u.beb.ListenBatch(ctx, func(senderID uint8, metadata []byte, payloads [][]byte) {
		originID, originSeqNr, ok := decodeIdentityMetadata(metadata)
		if !ok {
			u.log.With().Warning("dropping urb packet with malformed identity metadata")
			return
		}
		id := packIdentity(originID, originSeqNr)

		u.mu.Lock()
		entry, exists := u.entries[id]
		isNew := !exists
		if isNew {
			entry = &urbEntry{}
			u.entries[id] = entry
		}
		hadAcked := entry.acks.set(senderID)
		count := entry.acks.popcount()
		u.mu.Unlock()

		if isNew {
			identitiesSeen.WithLabelValues().Inc()
			// Relay on first sight: this is the re-broadcast that gives
			// uniform agreement. Dispatched off the listener goroutine: it
			// fans out through beb.Broadcast, which blocks on PL's in-flight
			// gate, and that gate only drains via ACKs read by this same
			// listener loop — running it inline risks the listener blocking
			// on its own gate and never reaching the ACKs that would free
			// it. metadata/payloads alias PL's reused receive buffer, so
			// they're copied before crossing the goroutine boundary.
			metaCopy := append([]byte(nil), metadata...)
			payloadsCopy := make([][]byte, len(payloads))
			for i, p := range payloads {
				payloadsCopy[i] = append([]byte(nil), p...)
			}
			go func() {
				if err := u.beb.Broadcast(ctx, metaCopy, payloadsCopy...); err != nil {
					u.log.With().Warning("relay re-broadcast failed", log.Err(err))
				}
			}()
		}

		if !hadAcked && count == u.majority {
			messagesDelivered.WithLabelValues().Inc()
			cb(originID, originSeqNr, payloads)
			if originID == u.selfID {
				u.gate.Release()
			}
		}
	})
}
