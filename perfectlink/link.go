// Package perfectlink implements the Perfect Link: packet framing,
// sequence-number deduplication, unbounded-retry retransmission bounded by
// an in-flight window, and one listener goroutine per socket driving both
// ACK processing and resend.
package perfectlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaystack/dalg/log"
	"github.com/relaystack/dalg/metrics"
	"github.com/relaystack/dalg/semaphore"
	"github.com/relaystack/dalg/wire"
)

// Defaults per spec §4.2.
const (
	DefaultReceiveTimeout = 200 * time.Millisecond
	DefaultMaxInFlight    = 64
	// MaxMessageSize is a conservative, MTU-friendly packet size below
	// wire.MaxMessageSize. Send does not check it: the only size limit
	// applied to outgoing packets is wire.MaxMessageSize, via wire.Encode.
	MaxMessageSize = 1024
)

var (
	// ErrAlreadyBound is returned by Bind after the link has already bound
	// a socket.
	ErrAlreadyBound = errors.New("perfectlink: already bound")
	// ErrNotBound is returned by Send/Listen before Bind has succeeded.
	ErrNotBound = errors.New("perfectlink: not bound")
)

var (
	packetsSent      = metrics.NewCounter("packets_sent_total", "perfectlink", "packets handed to the socket, including resends", nil)
	packetsResent    = metrics.NewCounter("packets_resent_total", "perfectlink", "packets retransmitted on a receive timeout", nil)
	acksSent         = metrics.NewCounter("acks_sent_total", "perfectlink", "ACKs sent in response to a data packet", nil)
	packetsDelivered = metrics.NewCounter("packets_delivered_total", "perfectlink", "packets delivered upward exactly once", nil)
	inFlightGauge    = metrics.NewGauge("in_flight", "perfectlink", "packets currently awaiting an ACK", nil)
)

// DeliverFunc receives a single-payload delivery: the common case for
// callers that ride one logical message per packet.
type DeliverFunc func(senderID uint8, payload []byte)

// BatchDeliverFunc receives the full metadata and payload-slice set a
// packet carried, for callers (URB) that need PL's metadata slice.
type BatchDeliverFunc func(senderID uint8, metadata []byte, payloads [][]byte)

type pendingEntry struct {
	dest    net.Addr
	encoded []byte
}

type deliveredKey struct {
	senderID uint8
	seqNr    uint32
}

// Link is one Perfect Link endpoint: one bound datagram socket, one
// listener loop, and the pending-for-ack / delivered bookkeeping §3
// describes.
type Link struct {
	selfID         uint8
	receiveTimeout time.Duration

	log log.Log

	bindMu sync.Mutex
	conn   net.PacketConn

	nextSeq uint32 // atomic

	pendingMu sync.Mutex
	pending   map[uint32]*pendingEntry

	deliveredMu sync.Mutex
	delivered   map[deliveredKey]struct{}

	gate *semaphore.Gate
}

// New creates an unbound Link. maxInFlight <= 0 selects DefaultMaxInFlight.
func New(selfID uint8, maxInFlight int, logger log.Log) *Link {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Link{
		selfID:         selfID,
		receiveTimeout: DefaultReceiveTimeout,
		log:            logger.WithName("pl"),
		pending:        make(map[uint32]*pendingEntry),
		delivered:      make(map[deliveredKey]struct{}),
		gate:           semaphore.New(int64(maxInFlight)),
	}
}

// Bind opens the link's datagram socket. Idempotent only once: a second
// call returns ErrAlreadyBound.
func (l *Link) Bind(network, laddr string) error {
	l.bindMu.Lock()
	defer l.bindMu.Unlock()
	if l.conn != nil {
		return ErrAlreadyBound
	}
	conn, err := net.ListenPacket(network, laddr)
	if err != nil {
		return fmt.Errorf("perfectlink: bind %s: %w", laddr, err)
	}
	l.conn = conn
	return nil
}

// LocalAddr returns the bound socket's local address.
func (l *Link) LocalAddr() net.Addr {
	l.bindMu.Lock()
	defer l.bindMu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close releases the underlying socket.
func (l *Link) Close() error {
	l.bindMu.Lock()
	defer l.bindMu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Send blocks until the in-flight gate admits this packet, then queues it
// to the kernel at least once and records it under its seq_nr in the
// pending-for-ack map. It returns the seq_nr assigned.
func (l *Link) Send(ctx context.Context, dest net.Addr, metadata []byte, payloads ...[]byte) (uint32, error) {
	l.bindMu.Lock()
	conn := l.conn
	l.bindMu.Unlock()
	if conn == nil {
		return 0, ErrNotBound
	}

	if err := l.gate.Acquire(ctx); err != nil {
		return 0, fmt.Errorf("perfectlink: acquire in-flight slot: %w", err)
	}
	inFlightGauge.WithLabelValues().Inc()

	seqNr := atomic.AddUint32(&l.nextSeq, 1)

	buf := make([]byte, wire.EncodedSize(metadata, payloads...))
	n, err := wire.Encode(buf, seqNr, false, l.selfID, metadata, payloads...)
	if err != nil {
		l.gate.Release()
		inFlightGauge.WithLabelValues().Dec()
		return 0, fmt.Errorf("perfectlink: encode: %w", err)
	}
	buf = buf[:n]

	l.pendingMu.Lock()
	l.pending[seqNr] = &pendingEntry{dest: dest, encoded: buf}
	l.pendingMu.Unlock()

	if _, err := conn.WriteTo(buf, dest); err != nil {
		l.log.With().Warning("initial send failed, will retransmit on timeout", log.Err(err))
	}
	packetsSent.WithLabelValues().Inc()

	return seqNr, nil
}

// Listen runs the single-threaded receive loop, invoking cb for each
// newly delivered single-payload packet. It blocks until ctx is done or
// the socket is closed.
func (l *Link) Listen(ctx context.Context, cb DeliverFunc) error {
	return l.ListenBatch(ctx, func(senderID uint8, _ []byte, payloads [][]byte) {
		var payload []byte
		if len(payloads) > 0 {
			payload = payloads[0]
		}
		cb(senderID, payload)
	})
}

// ListenBatch is Listen's full form, delivering the metadata slice
// alongside the payload slices — used by callers (URB) that ride an
// identity in PL's metadata.
func (l *Link) ListenBatch(ctx context.Context, cb BatchDeliverFunc) error {
	l.bindMu.Lock()
	conn := l.conn
	l.bindMu.Unlock()
	if conn == nil {
		return ErrNotBound
	}

	buf := make([]byte, wire.MaxMessageSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.receiveTimeout)); err != nil {
			return fmt.Errorf("perfectlink: set read deadline: %w", err)
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.resendPending(conn)
				continue
			}
			// Non-transient socket error: crash-stop means this process
			// cannot keep serving this link.
			l.log.With().Error("fatal socket error, aborting listener", log.Err(err))
			return err
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			l.log.With().Warning("dropping malformed packet", log.Err(err))
			continue
		}

		if pkt.IsAck {
			l.handleAck(pkt.SeqNr)
			continue
		}

		l.handleData(conn, addr, pkt, cb)
	}
}

func (l *Link) resendPending(conn net.PacketConn) {
	l.pendingMu.Lock()
	entries := make([]*pendingEntry, 0, len(l.pending))
	for _, e := range l.pending {
		entries = append(entries, e)
	}
	l.pendingMu.Unlock()

	for _, e := range entries {
		if _, err := conn.WriteTo(e.encoded, e.dest); err != nil {
			l.log.With().Warning("resend failed", log.Err(err))
			continue
		}
		packetsResent.WithLabelValues().Inc()
	}
}

func (l *Link) handleAck(seqNr uint32) {
	l.pendingMu.Lock()
	_, ok := l.pending[seqNr]
	delete(l.pending, seqNr)
	l.pendingMu.Unlock()

	if ok {
		l.gate.Release()
		inFlightGauge.WithLabelValues().Dec()
	}
}

func (l *Link) handleData(conn net.PacketConn, addr net.Addr, pkt wire.Packet, cb BatchDeliverFunc) {
	key := deliveredKey{senderID: pkt.SenderID, seqNr: pkt.SeqNr}

	l.deliveredMu.Lock()
	_, seen := l.delivered[key]
	if !seen {
		l.delivered[key] = struct{}{}
	}
	l.deliveredMu.Unlock()

	if !seen {
		cb(pkt.SenderID, pkt.Metadata, pkt.Payloads)
		packetsDelivered.WithLabelValues().Inc()
	}

	ackBuf := make([]byte, wire.EncodedSize(nil))
	n, err := wire.Encode(ackBuf, pkt.SeqNr, true, l.selfID, nil)
	if err != nil {
		l.log.With().Error("failed to encode ack", log.Err(err))
		return
	}
	if _, err := conn.WriteTo(ackBuf[:n], addr); err != nil {
		l.log.With().Warning("failed to send ack", log.Err(err))
		return
	}
	acksSent.WithLabelValues().Inc()
}
