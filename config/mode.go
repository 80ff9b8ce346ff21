package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/relaystack/dalg/log"
)

// Mode selects which of the three top-level protocols this process runs.
type Mode int

const (
	// ModePerfectLinks runs the perfect-links exercise config: "<M> <I>".
	ModePerfectLinks Mode = iota
	// ModeFIFO runs the FIFO broadcast exercise config: "<M>".
	ModeFIFO
	// ModeLatticeAgreement runs the lattice-agreement exercise config.
	ModeLatticeAgreement
)

// PerfectLinksConfig is "<M> <I>": every process but I sends M sequenced
// 4-byte integers to process I, which listens.
type PerfectLinksConfig struct {
	MessageCount int
	ListenerID   uint8
}

// ParsePerfectLinksConfig parses a single "<M> <I>" line.
func ParsePerfectLinksConfig(r io.Reader) (PerfectLinksConfig, error) {
	fields, err := firstLineFields(r)
	if err != nil {
		return PerfectLinksConfig{}, err
	}
	if len(fields) != 2 {
		return PerfectLinksConfig{}, log.ErrMalformedConfig(fmt.Sprintf("perfect-links config: expected 2 fields, got %d", len(fields)))
	}
	m, err := strconv.Atoi(fields[0])
	if err != nil {
		return PerfectLinksConfig{}, log.ErrMalformedConfig(fmt.Sprintf("perfect-links config: bad M %q: %v", fields[0], err))
	}
	i, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return PerfectLinksConfig{}, log.ErrMalformedConfig(fmt.Sprintf("perfect-links config: bad I %q: %v", fields[1], err))
	}
	return PerfectLinksConfig{MessageCount: m, ListenerID: uint8(i)}, nil
}

// FIFOConfig is "<M>": every process broadcasts integers 1..M.
type FIFOConfig struct {
	MessageCount int
}

// ParseFIFOConfig parses a single "<M>" line.
func ParseFIFOConfig(r io.Reader) (FIFOConfig, error) {
	fields, err := firstLineFields(r)
	if err != nil {
		return FIFOConfig{}, err
	}
	if len(fields) != 1 {
		return FIFOConfig{}, log.ErrMalformedConfig(fmt.Sprintf("fifo config: expected 1 field, got %d", len(fields)))
	}
	m, err := strconv.Atoi(fields[0])
	if err != nil {
		return FIFOConfig{}, log.ErrMalformedConfig(fmt.Sprintf("fifo config: bad M %q: %v", fields[0], err))
	}
	return FIFOConfig{MessageCount: m}, nil
}

// LatticeConfig is the first line "<P> <VS> <DS>" plus P proposal lines,
// each a whitespace-separated list of at most VS uint32 values.
type LatticeConfig struct {
	AgreementCount  int
	MaxProposalSize int
	MaxUniqueValues int
	Proposals       [][]uint32
}

// ParseLatticeConfig parses the full lattice-agreement config file.
func ParseLatticeConfig(r io.Reader) (LatticeConfig, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return LatticeConfig{}, log.ErrMalformedConfig("lattice config: empty file")
	}
	header := strings.Fields(scanner.Text())
	if len(header) != 3 {
		return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: header expected 3 fields, got %d", len(header)))
	}
	p, err := strconv.Atoi(header[0])
	if err != nil {
		return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: bad P %q: %v", header[0], err))
	}
	vs, err := strconv.Atoi(header[1])
	if err != nil {
		return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: bad VS %q: %v", header[1], err))
	}
	ds, err := strconv.Atoi(header[2])
	if err != nil {
		return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: bad DS %q: %v", header[2], err))
	}

	cfg := LatticeConfig{AgreementCount: p, MaxProposalSize: vs, MaxUniqueValues: ds}
	for i := 0; i < p; i++ {
		if !scanner.Scan() {
			return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: expected %d proposal lines, got %d", p, i))
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) > vs {
			return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: proposal %d has %d values, exceeds VS=%d", i, len(fields), vs))
		}
		values := make([]uint32, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("lattice config: proposal %d: bad value %q: %v", i, f, err))
			}
			values = append(values, uint32(v))
		}
		cfg.Proposals = append(cfg.Proposals, values)
	}
	if err := scanner.Err(); err != nil {
		return LatticeConfig{}, log.ErrMalformedConfig(fmt.Sprintf("reading lattice config: %v", err))
	}

	return cfg, nil
}

func firstLineFields(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.Fields(line), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, log.ErrMalformedConfig(fmt.Sprintf("reading config: %v", err))
	}
	return nil, log.ErrMalformedConfig("config file is empty")
}

// ParseMode maps the --mode flag value to a Mode. The three modes were
// separate build-time binaries in original_source/; this toolkit is one
// binary that dispatches on this flag instead.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "perfect-links":
		return ModePerfectLinks, nil
	case "fifo":
		return ModeFIFO, nil
	case "lattice-agreement":
		return ModeLatticeAgreement, nil
	default:
		return 0, log.ErrBadFlags(fmt.Sprintf("unknown --mode %q, want perfect-links|fifo|lattice-agreement", s))
	}
}
