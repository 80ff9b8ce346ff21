package lattice_test

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaystack/dalg/beb"
	"github.com/relaystack/dalg/config"
	"github.com/relaystack/dalg/lattice"
	"github.com/relaystack/dalg/log/logtest"
	"github.com/relaystack/dalg/perfectlink"
)

type node struct {
	id      uint8
	lattice *lattice.Instance
}

func setup(t *testing.T, n, maxUniqueValues int) []*node {
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
		la := lattice.New(uint8(i+1), hosts, b, maxUniqueValues, 0, logtest.New(t))
		nodes[i] = &node{id: uint8(i + 1), lattice: la}
	}
	return nodes
}

func sortedValues(m map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func isSubset(a, b map[uint32]struct{}) bool {
	for v := range a {
		if _, ok := b[v]; !ok {
			return false
		}
	}
	return true
}

func TestLatticeBasicDecision(t *testing.T) {
	nodes := setup(t, 3, 2)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	decided := make(map[uint8]map[uint32]struct{})

	for _, n := range nodes {
		n := n
		go func() {
			_ = n.lattice.Listen(ctx, func(agreementNr uint32, values map[uint32]struct{}) {
				mu.Lock()
				decided[n.id] = values
				mu.Unlock()
			})
		}()
	}

	proposals := [][]uint32{{1}, {2}, {1, 2}}
	for i, n := range nodes {
		require.NoError(t, n.lattice.Propose(ctx, 0, proposals[i]))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(decided) == len(nodes)
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	universe := map[uint32]struct{}{1: {}, 2: {}}
	for id, values := range decided {
		require.True(t, isSubset(values, universe), "node %d decided value outside universe: %v", id, sortedValues(values))
	}
	// Consistency: any two decided sets must be comparable (one a subset
	// of the other).
	all := make([][]uint32, 0, len(decided))
	for _, v := range decided {
		all = append(all, sortedValues(v))
	}
	for i := range all {
		for j := range all {
			if i == j {
				continue
			}
			ai, aj := toSet(all[i]), toSet(all[j])
			require.True(t, isSubset(ai, aj) || isSubset(aj, ai), "decided sets not comparable: %v vs %v", all[i], all[j])
		}
	}
}

func toSet(vs []uint32) map[uint32]struct{} {
	s := make(map[uint32]struct{}, len(vs))
	for _, v := range vs {
		s[v] = struct{}{}
	}
	return s
}

func TestLatticeSaturationShortCircuit(t *testing.T) {
	nodes := setup(t, 5, 3)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	decided := make(map[uint8]map[uint32]struct{})

	for _, n := range nodes {
		n := n
		go func() {
			_ = n.lattice.Listen(ctx, func(agreementNr uint32, values map[uint32]struct{}) {
				mu.Lock()
				decided[n.id] = values
				mu.Unlock()
			})
		}()
	}

	proposals := [][]uint32{{1}, {2}, {3}, {1, 2}, {2, 3}}
	for i, n := range nodes {
		require.NoError(t, n.lattice.Propose(ctx, 0, proposals[i]))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(decided) == len(nodes)
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, values := range decided {
		require.ElementsMatch(t, []uint32{1, 2, 3}, sortedValues(values), "node %d did not saturate to {1,2,3}", id)
	}
}
