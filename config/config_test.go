package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaystack/dalg/config"
)

func TestParseHostsFile(t *testing.T) {
	hosts, err := config.ParseHostsFile(strings.NewReader("1 127.0.0.1 11001\n2 127.0.0.1 11002\n3 127.0.0.1 11003\n"))
	require.NoError(t, err)
	require.Equal(t, 3, hosts.N())
	require.Equal(t, 2, hosts.Majority())
	require.Equal(t, []uint8{1, 2, 3}, hosts.IDs())

	addr, ok := hosts.Address(2)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:11002", addr.String())
}

func TestParseHostsFileRejectsGaps(t *testing.T) {
	_, err := config.ParseHostsFile(strings.NewReader("1 127.0.0.1 11001\n3 127.0.0.1 11003\n"))
	require.Error(t, err)
}

func TestParseHostsFileRejectsTooFew(t *testing.T) {
	_, err := config.ParseHostsFile(strings.NewReader("1 127.0.0.1 11001\n"))
	require.Error(t, err)
}

func TestParsePerfectLinksConfig(t *testing.T) {
	cfg, err := config.ParsePerfectLinksConfig(strings.NewReader("100 1\n"))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.MessageCount)
	require.Equal(t, uint8(1), cfg.ListenerID)
}

func TestParseFIFOConfig(t *testing.T) {
	cfg, err := config.ParseFIFOConfig(strings.NewReader("10\n"))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MessageCount)
}

func TestParseLatticeConfig(t *testing.T) {
	cfg, err := config.ParseLatticeConfig(strings.NewReader("3 2 3\n1\n2\n1 2\n"))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.AgreementCount)
	require.Equal(t, 2, cfg.MaxProposalSize)
	require.Equal(t, 3, cfg.MaxUniqueValues)
	require.Equal(t, [][]uint32{{1}, {2}, {1, 2}}, cfg.Proposals)
}

func TestParseLatticeConfigRejectsOversizedProposal(t *testing.T) {
	_, err := config.ParseLatticeConfig(strings.NewReader("1 1 3\n1 2\n"))
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := config.ParseMode("fifo")
	require.NoError(t, err)
	require.Equal(t, config.ModeFIFO, m)

	_, err = config.ParseMode("bogus")
	require.Error(t, err)
}
