package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/config"
	"github.com/Hara602/blockTracker/internal/control"
	"github.com/Hara602/blockTracker/internal/store"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/Hara602/blockTracker/internal/tracker"
	"github.com/Hara602/blockTracker/internal/watcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracking daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	defaults := config.Default()
	f := serveCmd.Flags()
	f.String("collector-host", defaults.Collector.Host, "collector host")
	f.Int("collector-port", defaults.Collector.Port, "collector port")
	f.Int("pool-min", defaults.Pool.Min, "connections dialed when tracking starts")
	f.Int("pool-max", defaults.Pool.Max, "upper bound of pooled connections")
	f.String("mode", defaults.Intercept.Mode, "interception mode: global or per-device")
	f.String("store", defaults.Store.Path, "sqlite file for the tracked device list (empty disables)")
	f.Bool("udev", defaults.Watch.Udev, "untrack devices when they are unplugged")
	f.String("log-level", defaults.Logging.Level, "debug, info, warn or error")
	f.StringSlice("mem-disk", nil, "attach an in-memory disk at /dev/<name> (repeatable)")

	for key, flag := range map[string]string{
		"collector.host": "collector-host",
		"collector.port": "collector-port",
		"pool.min":       "pool-min",
		"pool.max":       "pool-max",
		"intercept.mode": "mode",
		"store.path":     "store",
		"watch.udev":     "udev",
		"logging.level":  "log-level",
		"host.mem_disks": "mem-disk",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// 初始化日志
	sysutil.InitLogger(cfg.Logging.Level)
	defer sysutil.Log.Sync()
	log := sysutil.Log

	// 打开 /dev 下的设备需要 Root 权限
	if os.Geteuid() != 0 {
		log.Warn("Not running as root, opening block devices will likely fail")
	}
	log.Info("Block tracker starting",
		zap.String("collector", cfg.Tracker().Pool.Address()),
		zap.String("mode", cfg.Intercept.Mode))

	queue := blockio.NewQueue(blockio.WithOpener(blockio.OpenFile))
	defer queue.Close()
	for _, name := range cfg.Host.MemDisks {
		dev := queue.AttachMemDisk(name)
		sysutil.LogSugar.Infof("In-memory disk %s attached as %s", dev.Path(), dev.ID())
	}

	opts := []tracker.Option{tracker.WithLogger(log)}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		opts = append(opts, tracker.WithStore(st))
	}
	tr := tracker.New(cfg.Tracker(), queue, opts...)
	defer tr.Close()
	if n := tr.Restore(); n > 0 {
		sysutil.LogSugar.Infof("Restored %d tracked devices", n)
	}

	srv, err := control.Listen(cfg.Control.Socket, control.NewRouter(tr, queue, log), log)
	if err != nil {
		return err
	}

	// 捕获操作系统信号，优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Serve(ctx) })

	if cfg.Watch.Udev {
		devWatcher := watcher.New()
		events, err := devWatcher.Start()
		if err != nil {
			log.Warn("Watcher init failed, unplugged devices stay tracked", zap.Error(err))
		} else {
			defer devWatcher.Stop()
			g.Go(func() error {
				watcher.Follow(ctx, events, tr, log)
				return nil
			})
		}
	}

	err = g.Wait()
	log.Info("Shutting down...")
	return err
}
