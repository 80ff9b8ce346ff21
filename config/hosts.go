// Package config parses the hosts file and the per-mode configuration
// files described in spec §6.
package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/relaystack/dalg/log"
)

// Hosts is the immutable, resolved process-id -> address mapping.
type Hosts struct {
	byID map[uint8]*net.UDPAddr
	ids  []uint8 // sorted, for deterministic iteration
}

// ParseHostsFile reads the hosts file format: one line per host,
// "<id> <hostname-or-ip> <port>". Ids must form {1,...,N} with no gaps;
// at least two hosts are required.
func ParseHostsFile(r io.Reader) (*Hosts, error) {
	byID := make(map[uint8]*net.UDPAddr)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, log.ErrMalformedHosts(fmt.Sprintf("line %d: expected 3 fields, got %d", lineNo, len(fields)))
		}

		id, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			return nil, log.ErrMalformedHosts(fmt.Sprintf("line %d: bad id %q: %v", lineNo, fields[0], err))
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, log.ErrMalformedHosts(fmt.Sprintf("line %d: bad port %q: %v", lineNo, fields[2], err))
		}

		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", fields[1], port))
		if err != nil {
			return nil, log.ErrMalformedHosts(fmt.Sprintf("line %d: cannot resolve %q: %v", lineNo, fields[1], err))
		}

		if _, dup := byID[uint8(id)]; dup {
			return nil, log.ErrMalformedHosts(fmt.Sprintf("line %d: duplicate id %d", lineNo, id))
		}
		byID[uint8(id)] = addr
	}
	if err := scanner.Err(); err != nil {
		return nil, log.ErrMalformedHosts(fmt.Sprintf("reading hosts file: %v", err))
	}

	if len(byID) < 2 {
		return nil, log.ErrMalformedHosts(fmt.Sprintf("need at least two hosts, got %d", len(byID)))
	}

	ids := make([]uint8, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if int(id) != i+1 {
			return nil, log.ErrMalformedHosts(fmt.Sprintf("ids must form {1,...,N} with no gaps, missing %d", i+1))
		}
	}

	return &Hosts{byID: byID, ids: ids}, nil
}

// N is the total number of processes.
func (h *Hosts) N() int { return len(h.ids) }

// Majority is floor(N/2) + 1.
func (h *Hosts) Majority() int { return h.N()/2 + 1 }

// Address returns the resolved address for a process id.
func (h *Hosts) Address(id uint8) (*net.UDPAddr, bool) {
	a, ok := h.byID[id]
	return a, ok
}

// Addresses returns every known address, self included, in ascending id
// order.
func (h *Hosts) Addresses() []net.Addr {
	out := make([]net.Addr, 0, len(h.ids))
	for _, id := range h.ids {
		out = append(out, h.byID[id])
	}
	return out
}

// IDs returns every known process id in ascending order.
func (h *Hosts) IDs() []uint8 {
	out := make([]uint8, len(h.ids))
	copy(out, h.ids)
	return out
}
