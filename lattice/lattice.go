// Package lattice implements Lattice Agreement: sequential agreements,
// each running one or more Proposal/Ack/Nack rounds, terminating on
// majority ack or lattice saturation.
package lattice

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/relaystack/dalg/beb"
	"github.com/relaystack/dalg/config"
	"github.com/relaystack/dalg/log"
	"github.com/relaystack/dalg/metrics"
	"github.com/relaystack/dalg/semaphore"
)

// DefaultMaxInFlight is the number of agreements a process may have
// proposed but not yet decided at once (spec §4.6: strictly serialised).
const DefaultMaxInFlight = 1

// kind is the message discriminator carried in byte 0 of every LA payload.
type kind uint8

const (
	kindProposal kind = 0
	kindAck      kind = 1
	kindNack     kind = 2
)

const headerLen = 1 + 4 + 4 // kind + agreement_nr + proposal_nr

var (
	agreementsDecided = metrics.NewCounter("agreements_decided_total", "lattice", "agreements decided", nil)
	roundsStarted      = metrics.NewCounter("rounds_total", "lattice", "proposal rounds started, including round 0", nil)
)

// DecideFunc is invoked exactly once per agreement, with the decided
// value set.
type DecideFunc func(agreementNr uint32, decided map[uint32]struct{})

// valueSet is a set of uint32 values, the wire form the spec calls
// proposed_value/accepted_value.
type valueSet map[uint32]struct{}

func newValueSet(values []uint32) valueSet {
	s := make(valueSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s valueSet) union(other valueSet) {
	for v := range other {
		s[v] = struct{}{}
	}
}

func (s valueSet) difference(other valueSet) valueSet {
	diff := make(valueSet)
	for v := range s {
		if _, ok := other[v]; !ok {
			diff[v] = struct{}{}
		}
	}
	return diff
}

func (s valueSet) slice() []uint32 {
	out := make([]uint32, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

type agreement struct {
	proposedValue valueSet
	acceptedValue valueSet
	proposalNr    uint32
	ackCount      int
	nackCount     int
	hasDecided    bool
}

// Instance is one Lattice Agreement instance running over BEB.
type Instance struct {
	selfID          uint8
	n               int
	maxUniqueValues int

	beb *beb.Broadcast
	log log.Log

	mu         sync.Mutex
	agreements map[uint32]*agreement

	gate *semaphore.Gate
}

// New wraps a BEB instance with the lattice-agreement round protocol.
// maxUniqueValues is the config-known saturation cap ("DS" in spec §6).
func New(selfID uint8, hosts *config.Hosts, b *beb.Broadcast, maxUniqueValues, maxInFlight int, logger log.Log) *Instance {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Instance{
		selfID:          selfID,
		n:               hosts.N(),
		maxUniqueValues: maxUniqueValues,
		beb:             b,
		log:             logger.WithName("lattice"),
		agreements:      make(map[uint32]*agreement),
		gate:            semaphore.New(int64(maxInFlight)),
	}
}

// Propose acquires the in-flight token (blocking until any prior
// agreement decides), creates the agreement state, and broadcasts round 0.
// It returns once the proposal has been sent; the decision itself arrives
// asynchronously via the DecideFunc passed to Listen.
func (l *Instance) Propose(ctx context.Context, agreementNr uint32, values []uint32) error {
	if err := l.gate.Acquire(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	// A peer's Proposal for this agreement may already have arrived and
	// lazily created the entry (via agreementFor), accumulating
	// accepted_value from other processes; reuse it rather than
	// discarding that state.
	a := l.agreementFor(agreementNr)
	a.proposedValue = newValueSet(values)
	a.proposalNr = 0
	a.ackCount = 0
	a.nackCount = 0
	a.hasDecided = false
	broadcastValues := make(valueSet, len(a.proposedValue))
	for v := range a.proposedValue {
		broadcastValues[v] = struct{}{}
	}
	l.mu.Unlock()
	roundsStarted.WithLabelValues().Inc()

	return l.broadcastProposal(ctx, agreementNr, 0, broadcastValues)
}

func (l *Instance) broadcastProposal(ctx context.Context, agreementNr, proposalNr uint32, values valueSet) error {
	return l.beb.Broadcast(ctx, nil, encodeProposal(agreementNr, proposalNr, values))
}

// Listen dispatches each inbound Proposal/Ack/Nack per spec §4.6.
func (l *Instance) Listen(ctx context.Context, decide DecideFunc) error {
	return l.beb.Listen(ctx, func(senderID uint8, payload []byte) {
		msg, err := decode(payload)
		if err != nil {
			l.log.With().Warning("dropping malformed lattice message", log.Err(err))
			return
		}
		switch msg.kind {
		case kindProposal:
			l.onProposal(ctx, senderID, msg)
		case kindAck:
			l.onAck(ctx, msg, decide)
		case kindNack:
			l.onNack(ctx, msg, decide)
		default:
			l.log.With().Warning("dropping lattice message with unknown kind")
		}
	})
}

func (l *Instance) agreementFor(agreementNr uint32) *agreement {
	a, ok := l.agreements[agreementNr]
	if !ok {
		a = &agreement{acceptedValue: make(valueSet), proposedValue: make(valueSet)}
		l.agreements[agreementNr] = a
	}
	return a
}

// onProposal replies with an Ack or Nack. The reply is dispatched off the
// listener goroutine for the same reason checkNacksLocked's re-broadcast
// is: beb.Send blocks on PL's in-flight gate, and that gate only drains
// via ACKs read by this same listener loop, so sending inline risks the
// listener deadlocking against its own gate under a burst of Proposals.
func (l *Instance) onProposal(ctx context.Context, sender uint8, msg message) {
	l.mu.Lock()
	a := l.agreementFor(msg.agreementNr)
	diff := a.acceptedValue.difference(msg.values)
	a.acceptedValue.union(msg.values)
	l.mu.Unlock()

	if len(diff) == 0 {
		payload := encodeAck(msg.agreementNr, msg.proposalNr)
		go func() {
			if err := l.beb.Send(ctx, sender, nil, payload); err != nil {
				l.log.With().Warning("failed to send ack", log.Err(err))
			}
		}()
		return
	}
	payload := encodeNack(msg.agreementNr, msg.proposalNr, diff)
	go func() {
		if err := l.beb.Send(ctx, sender, nil, payload); err != nil {
			l.log.With().Warning("failed to send nack", log.Err(err))
		}
	}()
}

func (l *Instance) onAck(ctx context.Context, msg message, decide DecideFunc) {
	l.mu.Lock()
	a, ok := l.agreements[msg.agreementNr]
	if !ok || a.hasDecided || msg.proposalNr != a.proposalNr {
		l.mu.Unlock()
		return
	}

	a.ackCount++
	if 2*a.ackCount >= l.n {
		decided := l.markDecidedLocked(a)
		l.mu.Unlock()
		decide(msg.agreementNr, decided)
		l.gate.Release()
		return
	}
	l.checkNacksLocked(ctx, msg.agreementNr, a)
	l.mu.Unlock()
}

func (l *Instance) onNack(ctx context.Context, msg message, decide DecideFunc) {
	l.mu.Lock()
	a, ok := l.agreements[msg.agreementNr]
	if !ok || a.hasDecided || msg.proposalNr != a.proposalNr {
		l.mu.Unlock()
		return
	}

	a.proposedValue.union(msg.values)
	a.nackCount++

	if len(a.proposedValue) == l.maxUniqueValues {
		decided := l.markDecidedLocked(a)
		l.mu.Unlock()
		decide(msg.agreementNr, decided)
		l.gate.Release()
		return
	}
	l.checkNacksLocked(ctx, msg.agreementNr, a)
	l.mu.Unlock()
}

// checkNacksLocked runs the combined ack+nack test and, if it passes,
// starts a new round. l.mu must be held.
func (l *Instance) checkNacksLocked(ctx context.Context, agreementNr uint32, a *agreement) {
	if 2*(a.ackCount+a.nackCount) < l.n {
		return
	}
	a.proposalNr++
	a.ackCount = 0
	a.nackCount = 0
	roundsStarted.WithLabelValues().Inc()

	values := make(valueSet, len(a.proposedValue))
	for v := range a.proposedValue {
		values[v] = struct{}{}
	}
	proposalNr := a.proposalNr
	go func() {
		if err := l.broadcastProposal(ctx, agreementNr, proposalNr, values); err != nil {
			l.log.With().Warning("failed to re-broadcast proposal", log.Err(err))
		}
	}()
}

// markDecidedLocked marks a decided, folding proposedValue into
// acceptedValue if the lattice saturated, and returns a snapshot of the
// decided set. l.mu must be held; the caller unlocks before invoking the
// decide callback and releasing the in-flight token, so a user callback
// never runs while l.mu is held and DefaultMaxInFlight=1's serialisation
// (the next Propose can't start until Release) isn't undercut by a
// callback that hasn't actually run yet.
func (l *Instance) markDecidedLocked(a *agreement) map[uint32]struct{} {
	if len(a.proposedValue) == l.maxUniqueValues {
		a.acceptedValue.union(a.proposedValue)
	}
	a.hasDecided = true
	agreementsDecided.WithLabelValues().Inc()

	decided := make(map[uint32]struct{}, len(a.proposedValue))
	for v := range a.proposedValue {
		decided[v] = struct{}{}
	}
	return decided
}

type message struct {
	kind       kind
	agreementNr uint32
	proposalNr  uint32
	values      valueSet
}

func encodeProposal(agreementNr, proposalNr uint32, values valueSet) []byte {
	return encodeMessage(kindProposal, agreementNr, proposalNr, values)
}

func encodeAck(agreementNr, proposalNr uint32) []byte {
	return encodeMessage(kindAck, agreementNr, proposalNr, nil)
}

func encodeNack(agreementNr, proposalNr uint32, values valueSet) []byte {
	return encodeMessage(kindNack, agreementNr, proposalNr, values)
}

func encodeMessage(k kind, agreementNr, proposalNr uint32, values valueSet) []byte {
	buf := make([]byte, headerLen+4*len(values))
	buf[0] = byte(k)
	binary.LittleEndian.PutUint32(buf[1:], agreementNr)
	binary.LittleEndian.PutUint32(buf[5:], proposalNr)
	off := headerLen
	for _, v := range values.slice() {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	return buf
}

func decode(payload []byte) (message, error) {
	if len(payload) < headerLen {
		return message{}, fmt.Errorf("lattice: message too short (%d bytes)", len(payload))
	}
	k := kind(payload[0])
	agreementNr := binary.LittleEndian.Uint32(payload[1:])
	proposalNr := binary.LittleEndian.Uint32(payload[5:])

	rest := payload[headerLen:]
	if len(rest)%4 != 0 {
		return message{}, fmt.Errorf("lattice: value list length %d not a multiple of 4", len(rest))
	}
	values := make(valueSet, len(rest)/4)
	for off := 0; off < len(rest); off += 4 {
		values[binary.LittleEndian.Uint32(rest[off:])] = struct{}{}
	}

	return message{kind: k, agreementNr: agreementNr, proposalNr: proposalNr, values: values}, nil
}
