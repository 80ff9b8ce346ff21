package outputlog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaystack/dalg/log/logtest"
	"github.com/relaystack/dalg/outputlog"
)

func TestFIFOModeFormatting(t *testing.T) {
	l := outputlog.New(logtest.New(t))
	l.Broadcast(1)
	l.Deliver(2, 1)
	l.Broadcast(2)

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, l.Flush(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "b 1\nd 2 1\nb 2\n", string(got))
}

func TestLatticeModeFormatting(t *testing.T) {
	l := outputlog.New(logtest.New(t))
	l.Decide([]uint32{3, 1, 2})

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, l.Flush(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "3 1 2\n", string(got))
}

func TestFreezeStopsFurtherAppends(t *testing.T) {
	l := outputlog.New(logtest.New(t))
	l.Broadcast(1)
	l.Freeze()
	l.Broadcast(2)

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, l.Flush(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "b 1\n", string(got))
}
