// Package cmd wires the CLI: flag parsing, hosts/config-file loading,
// process bootstrap, and the signal-driven freeze-flush-exit shutdown
// sequence, matching the teacher's cobra-based command structure.
package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relaystack/dalg/beb"
	"github.com/relaystack/dalg/config"
	"github.com/relaystack/dalg/fifo"
	"github.com/relaystack/dalg/lattice"
	"github.com/relaystack/dalg/log"
	"github.com/relaystack/dalg/metrics"
	"github.com/relaystack/dalg/outputlog"
	"github.com/relaystack/dalg/perfectlink"
	"github.com/relaystack/dalg/urb"
)

var (
	flagID          uint8
	flagHostsFile   string
	flagOutputFile  string
	flagMode        string
	flagMetricsPort int
)

var rootCmd = &cobra.Command{
	Use:   "dalg CONFIG_FILE",
	Short: "layered perfect-link / broadcast / agreement toolkit over UDP",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.Uint8Var(&flagID, "id", 0, "this process's id, in [1, N]")
	flags.StringVar(&flagHostsFile, "hosts", "", "path to the hosts file")
	flags.StringVar(&flagOutputFile, "output", "", "path to the output file")
	flags.StringVar(&flagMode, "mode", "", "perfect-links | fifo | lattice-agreement")
	flags.IntVar(&flagMetricsPort, "metrics-port", 0, "if nonzero, serve Prometheus metrics on localhost:<port>/metrics")
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	configPath := args[0]

	if flagID == 0 || flagHostsFile == "" || flagOutputFile == "" || flagMode == "" {
		return log.ErrBadFlags("--id, --hosts, --output, and --mode are all required")
	}
	mode, err := config.ParseMode(flagMode)
	if err != nil {
		return err
	}

	hostsF, err := os.Open(flagHostsFile)
	if err != nil {
		return log.ErrMalformedHosts(fmt.Sprintf("opening %s: %v", flagHostsFile, err))
	}
	defer hostsF.Close()
	hosts, err := config.ParseHostsFile(hostsF)
	if err != nil {
		return err
	}
	selfAddr, ok := hosts.Address(flagID)
	if !ok {
		return log.ErrBadFlags(fmt.Sprintf("--id %d is not present in the hosts file", flagID))
	}

	if flagMetricsPort != 0 {
		metrics.StartCollectingMetrics(flagMetricsPort)
	}

	logger := log.GetLogger().WithFields(log.ProcessID(flagID))

	link := perfectlink.New(flagID, 0, logger)
	if err := link.Bind("udp", fmt.Sprintf(":%d", selfAddr.Port)); err != nil {
		return log.ErrBindFailed(err)
	}
	defer link.Close()

	broadcast := beb.New(link, hosts)
	out := outputlog.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	installSignalHandler(out, flagOutputFile, logger)

	configF, err := os.Open(configPath)
	if err != nil {
		return log.ErrMalformedConfig(fmt.Sprintf("opening %s: %v", configPath, err))
	}
	defer configF.Close()

	g, gctx := errgroup.WithContext(ctx)

	switch mode {
	case config.ModePerfectLinks:
		plCfg, err := config.ParsePerfectLinksConfig(configF)
		if err != nil {
			return err
		}
		runPerfectLinksMode(gctx, g, link, hosts, plCfg, flagID, out)
	case config.ModeFIFO:
		fifoCfg, err := config.ParseFIFOConfig(configF)
		if err != nil {
			return err
		}
		u := urb.New(flagID, hosts, broadcast, 0, logger)
		f := fifo.New(u, logger)
		runFIFOMode(gctx, g, f, fifoCfg, out)
	case config.ModeLatticeAgreement:
		laCfg, err := config.ParseLatticeConfig(configF)
		if err != nil {
			return err
		}
		la := lattice.New(flagID, hosts, broadcast, laCfg.MaxUniqueValues, 0, logger)
		runLatticeMode(gctx, g, la, laCfg, out)
	}

	return g.Wait()
}

func runPerfectLinksMode(ctx context.Context, g *errgroup.Group, link *perfectlink.Link, hosts *config.Hosts, cfg config.PerfectLinksConfig, selfID uint8, out *outputlog.Log) {
	if selfID == cfg.ListenerID {
		g.Go(func() error {
			return link.Listen(ctx, func(senderID uint8, payload []byte) {
				if len(payload) != 4 {
					return
				}
				out.Deliver(senderID, binary.LittleEndian.Uint32(payload))
			})
		})
		return
	}

	g.Go(func() error { return link.Listen(ctx, func(uint8, []byte) {}) })
	g.Go(func() error {
		dest, _ := hosts.Address(cfg.ListenerID)
		for i := uint32(1); i <= uint32(cfg.MessageCount); i++ {
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint32(payload, i)
			if _, err := link.Send(ctx, dest, nil, payload); err != nil {
				return err
			}
			out.Broadcast(i)
		}
		return nil
	})
}

func runFIFOMode(ctx context.Context, g *errgroup.Group, f *fifo.Broadcast, cfg config.FIFOConfig, out *outputlog.Log) {
	g.Go(func() error {
		return f.Listen(ctx, func(originID uint8, value uint32) {
			out.Deliver(originID, value)
		})
	})
	g.Go(func() error {
		for v := uint32(1); v <= uint32(cfg.MessageCount); v++ {
			if err := f.Broadcast(ctx, v); err != nil {
				return err
			}
			out.Broadcast(v)
		}
		return nil
	})
}

func runLatticeMode(ctx context.Context, g *errgroup.Group, la *lattice.Instance, cfg config.LatticeConfig, out *outputlog.Log) {
	g.Go(func() error {
		return la.Listen(ctx, func(agreementNr uint32, values map[uint32]struct{}) {
			sorted := make([]uint32, 0, len(values))
			for v := range values {
				sorted = append(sorted, v)
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			out.Decide(sorted)
		})
	})
	g.Go(func() error {
		for agreementNr, proposal := range cfg.Proposals {
			if err := la.Propose(ctx, uint32(agreementNr), proposal); err != nil {
				return err
			}
		}
		return nil
	})
}

func installSignalHandler(out *outputlog.Log, outputPath string, logger log.Log) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		out.Freeze()
		if err := out.Flush(outputPath); err != nil {
			logger.With().Error("failed to flush output on shutdown", log.Err(err))
		}
		signal.Reset(sig)
		os.Exit(0)
	}()
}
