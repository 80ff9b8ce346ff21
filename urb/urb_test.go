package urb_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaystack/dalg/beb"
	"github.com/relaystack/dalg/config"
	"github.com/relaystack/dalg/log/logtest"
	"github.com/relaystack/dalg/perfectlink"
	"github.com/relaystack/dalg/urb"
)

type node struct {
	id   uint8
	link *perfectlink.Link
	beb  *beb.Broadcast
	urb  *urb.Instance
}

func setup(t *testing.T, n int) ([]*node, *config.Hosts) {
	t.Helper()

	links := make([]*perfectlink.Link, n)
	for i := 0; i < n; i++ {
		links[i] = perfectlink.New(uint8(i+1), 0, logtest.New(t))
		require.NoError(t, links[i].Bind("udp", "127.0.0.1:0"))
		t.Cleanup(func(l *perfectlink.Link) func() { return func() { _ = l.Close() } }(links[i]))
	}

	var sb strings.Builder
	for i, l := range links {
		host, port, err := net.SplitHostPort(l.LocalAddr().String())
		require.NoError(t, err)
		fmt.Fprintf(&sb, "%d %s %s\n", i+1, host, port)
	}
	hosts, err := config.ParseHostsFile(strings.NewReader(sb.String()))
	require.NoError(t, err)

	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		b := beb.New(links[i], hosts)
		u := urb.New(uint8(i+1), hosts, b, 0, logtest.New(t))
		nodes[i] = &node{id: uint8(i + 1), link: links[i], beb: b, urb: u}
	}
	return nodes, hosts
}

func TestURBUniformAgreement(t *testing.T) {
	nodes, _ := setup(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	delivered := make(map[uint8]map[string]bool)
	for _, n := range nodes {
		delivered[n.id] = make(map[string]bool)
	}

	for _, n := range nodes {
		n := n
		go func() {
			_ = n.urb.Listen(ctx, func(originID uint8, originSeqNr uint32, payloads [][]byte) {
				mu.Lock()
				delivered[n.id][fmt.Sprintf("%d:%d", originID, originSeqNr)] = true
				mu.Unlock()
			})
		}()
	}

	require.NoError(t, nodes[0].urb.Broadcast(ctx, []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range nodes {
			if len(delivered[n.id]) != 1 {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

func TestURBAtMostOnceDelivery(t *testing.T) {
	nodes, _ := setup(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	counts := make(map[uint8]int)

	for _, n := range nodes {
		n := n
		go func() {
			_ = n.urb.Listen(ctx, func(uint8, uint32, [][]byte) {
				mu.Lock()
				counts[n.id]++
				mu.Unlock()
			})
		}()
	}

	require.NoError(t, nodes[1].urb.Broadcast(ctx, []byte("x")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range nodes {
			if counts[n.id] != 1 {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, n := range nodes {
		require.Equal(t, 1, counts[n.id], "identity delivered more than once at node %d", n.id)
	}
}
