package perfectlink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaystack/dalg/log/logtest"
	"github.com/relaystack/dalg/perfectlink"
)

func newBoundLink(t *testing.T, id uint8) *perfectlink.Link {
	t.Helper()
	l := perfectlink.New(id, 0, logtest.New(t))
	require.NoError(t, l.Bind("udp", "127.0.0.1:0"))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSendDeliversAtLeastOnceExactlyOnceUpward(t *testing.T) {
	a := newBoundLink(t, 1)
	b := newBoundLink(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	var got [][]byte
	go func() { _ = b.Listen(ctx, func(senderID uint8, payload []byte) {
		mu.Lock()
		got = append(got, append([]byte(nil), payload...))
		mu.Unlock()
	}) }()
	go func() { _ = a.Listen(ctx, func(uint8, []byte) {}) }()

	for i := 0; i < 5; i++ {
		_, err := a.Send(ctx, b.LocalAddr(), nil, []byte{byte(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	seen := map[byte]bool{}
	for _, p := range got {
		require.Len(t, p, 1)
		seen[p[0]] = true
	}
	require.Len(t, seen, 5)
}

func TestRetransmitsUntilAcked(t *testing.T) {
	a := newBoundLink(t, 1)

	// Reserve an address and close it, so the first transmission finds no
	// socket and is dropped; only a retransmission can reach the receiver
	// bound there afterwards.
	placeholder := perfectlink.New(2, 0, logtest.New(t))
	require.NoError(t, placeholder.Bind("udp", "127.0.0.1:0"))
	dest := placeholder.LocalAddr()
	require.NoError(t, placeholder.Close())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = a.Listen(ctx, func(uint8, []byte) {}) }()

	_, err := a.Send(ctx, dest, nil, []byte("hello"))
	require.NoError(t, err)

	b := perfectlink.New(2, 0, logtest.New(t))
	require.NoError(t, b.Bind("udp", dest.String()))
	t.Cleanup(func() { _ = b.Close() })

	delivered := make(chan struct{}, 1)
	go func() {
		_ = b.Listen(ctx, func(uint8, []byte) {
			select {
			case delivered <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestInFlightGateBlocksBeyondCapacity(t *testing.T) {
	a := perfectlink.New(1, 1, logtest.New(t))
	require.NoError(t, a.Bind("udp", "127.0.0.1:0"))
	t.Cleanup(func() { _ = a.Close() })

	// A destination that never acks (closed socket) keeps the single slot
	// occupied, so a second send under a short-lived context must fail
	// with context.DeadlineExceeded rather than proceed.
	deadEnd := perfectlink.New(2, 0, logtest.New(t))
	require.NoError(t, deadEnd.Bind("udp", "127.0.0.1:0"))
	dest := deadEnd.LocalAddr()
	require.NoError(t, deadEnd.Close())

	ctx := context.Background()
	_, err := a.Send(ctx, dest, nil, []byte("x"))
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Send(shortCtx, dest, nil, []byte("y"))
	require.Error(t, err)
}
