package log_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/relaystack/dalg/log"
)

func newObserved() (log.Log, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return log.NewFromLog(zap.New(core)), logs
}

func TestWithFieldsAttachesStructuredFields(t *testing.T) {
	l, logs := newObserved()

	l.With().Info("packet delivered", log.ProcessID(3), log.SeqNr(7))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "packet delivered", entries[0].Message)

	fields := entries[0].ContextMap()
	require.EqualValues(t, 3, fields["process_id"])
	require.EqualValues(t, 7, fields["seq_nr"])
}

func TestErrFieldCarriesUnderlyingError(t *testing.T) {
	l, logs := newObserved()
	cause := errors.New("boom")

	l.With().Error("send failed", log.Err(cause))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestFatalErrorFormatsArgs(t *testing.T) {
	fe := log.ErrMalformedHosts("bad line 3")
	require.Contains(t, fe.Error(), "bad line 3")
	require.Equal(t, "ERR_MALFORMED_HOSTS", fe.Code)
}

func TestWithNamePrefixesLogger(t *testing.T) {
	l, logs := newObserved()
	named := l.WithName("pl")
	named.Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "pl   ", entries[0].LoggerName)
}
