// Package beb implements Best-Effort Broadcast: a thin fan-out of a
// message to every known process over a Perfect Link.
package beb

import (
	"context"
	"fmt"

	"github.com/relaystack/dalg/config"
	"github.com/relaystack/dalg/perfectlink"
)

// Broadcast fans a message out to every process in hosts, including self.
type Broadcast struct {
	link  *perfectlink.Link
	hosts *config.Hosts
}

// New wraps an already-bound link with the process membership it
// broadcasts to.
func New(link *perfectlink.Link, hosts *config.Hosts) *Broadcast {
	return &Broadcast{link: link, hosts: hosts}
}

// Broadcast sends metadata+payloads to every known process, including
// self. A destination that never acknowledges is a crash-stop peer, not a
// broadcast failure, so only encode/send errors on the local link are
// returned (aggregated), not remote unresponsiveness.
func (b *Broadcast) Broadcast(ctx context.Context, metadata []byte, payloads ...[]byte) error {
	var errs []error
	for _, addr := range b.hosts.Addresses() {
		if _, err := b.link.Send(ctx, addr, metadata, payloads...); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("beb: %d/%d sends failed: %w", len(errs), len(b.hosts.Addresses()), errs[0])
	}
	return nil
}

// Send is the point-to-point primitive BEB exposes for callers (Lattice
// Agreement's Ack/Nack replies) that need a single-destination reply
// riding the same underlying link.
func (b *Broadcast) Send(ctx context.Context, destID uint8, metadata []byte, payloads ...[]byte) error {
	addr, ok := b.hosts.Address(destID)
	if !ok {
		return fmt.Errorf("beb: unknown destination id %d", destID)
	}
	_, err := b.link.Send(ctx, addr, metadata, payloads...)
	return err
}

// Listen forwards PL's single-payload deliveries unchanged.
func (b *Broadcast) Listen(ctx context.Context, cb perfectlink.DeliverFunc) error {
	return b.link.Listen(ctx, cb)
}

// ListenBatch forwards PL's full metadata+payloads deliveries unchanged.
func (b *Broadcast) ListenBatch(ctx context.Context, cb perfectlink.BatchDeliverFunc) error {
	return b.link.ListenBatch(ctx, cb)
}
