// Package outputlog buffers delivered/decided events in memory and
// flushes them to the --output file under signal-driven shutdown, per
// spec §5/§6. It is the external collaborator spec.md names but leaves
// unspecified in implementation detail; this repo grounds the durable
// write on github.com/natefinch/atomic so a SIGTERM mid-flush can never
// leave a half-written file.
package outputlog

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/relaystack/dalg/log"
)

// Log buffers formatted output lines and flushes them atomically.
type Log struct {
	mu     sync.Mutex
	lines  []string
	frozen bool
	log    log.Log
}

// New creates an empty output log.
func New(logger log.Log) *Log {
	return &Log{log: logger.WithName("outlog")}
}

// Broadcast records a FIFO-mode "b <n>" line.
func (l *Log) Broadcast(value uint32) {
	l.append(fmt.Sprintf("b %d", value))
}

// Deliver records a FIFO-mode "d <origin_id> <n>" line.
func (l *Log) Deliver(originID uint8, value uint32) {
	l.append(fmt.Sprintf("d %d %d", originID, value))
}

// Decide records a Lattice-Agreement-mode decided-set line: the values in
// the order given, space-separated (no sorting is done here).
func (l *Log) Decide(values []uint32) {
	l.append(formatDecided(values))
}

func formatDecided(values []uint32) string {
	var sb bytes.Buffer
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	return sb.String()
}

func (l *Log) append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return
	}
	l.lines = append(l.lines, line)
}

// Freeze permanently stops accepting further appends. Called from the
// signal handler before Flush, per spec §5's freeze-flush-exit sequence.
func (l *Log) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
}

// Flush writes every buffered line to path as a single atomic
// rename-into-place, so a crash mid-write never corrupts a prior output
// file.
func (l *Log) Flush(path string) error {
	l.mu.Lock()
	var buf bytes.Buffer
	for _, line := range l.lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	l.mu.Unlock()

	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("outputlog: flush %s: %w", path, err)
	}
	l.log.With().Info("output flushed", log.String("path", path))
	return nil
}
