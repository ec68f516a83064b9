package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hara602/blockTracker/internal/collector"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr string
	journalDir string
	maxPayload uint64
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "collector",
	Short:        "Receive block change records from trackers",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&listenAddr, "listen", "l", ":1234", "TCP listen address")
	f.StringVarP(&journalDir, "journal-dir", "d", "", "append records to <dir>/<device>.journal")
	f.Uint64Var(&maxPayload, "max-payload", collector.DefaultMaxPayload, "largest accepted record payload in bytes")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func run(cmd *cobra.Command, args []string) error {
	sysutil.InitLogger(logLevel)
	defer sysutil.Log.Sync()
	log := sysutil.Log

	journal, err := collector.NewJournal(journalDir, log)
	if err != nil {
		return err
	}
	defer journal.Close()

	srv, err := collector.Listen(listenAddr, journal, log)
	if err != nil {
		return err
	}
	srv.SetMaxPayload(maxPayload)
	log.Info("Collector listening", zap.String("addr", srv.Addr().String()), zap.String("journal", journalDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	err = g.Wait()
	log.Info("Shutting down...")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
