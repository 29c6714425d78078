// Command tachyon-exportd is the export task engine daemon: it loads
// configuration, opens persistence, connects to Telegram, and serves
// the control-plane HTTP API until signalled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"tachyon-export/internal/chunkdownload"
	"tachyon-export/internal/config"
	"tachyon-export/internal/controlapi"
	"tachyon-export/internal/filesystem"
	"tachyon-export/internal/logger"
	"tachyon-export/internal/mtclient"
	"tachyon-export/internal/persistence"
	"tachyon-export/internal/ratelimit"
	"tachyon-export/internal/taskmanager"
	"tachyon-export/internal/tdlclient"
	"tachyon-export/internal/workerpool"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "tachyon-exportd",
	Short: "Telegram export task engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file with daemon configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o777); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	log := logger.New(os.Stdout, cfg.LogDir, level)

	log.Info("tachyon-exportd starting", "listen", cfg.ListenAddr)

	store, err := persistence.Open(
		filepath.Join(cfg.DataDir, "tasks.json"),
		filepath.Join(cfg.DataDir, "tasks.db"),
		log,
	)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}

	client, err := mtclient.NewGotdClient(cfg.APIID, cfg.APIHash, cfg.SessionFile, cfg.ProxyURL)
	if err != nil {
		return fmt.Errorf("build telegram client: %w", err)
	}

	limiter := ratelimit.New()
	chunkGate := chunkdownload.NewGlobalGate(16)
	chunkDL := chunkdownload.New(client, chunkGate)
	allocator := filesystem.NewAllocator()
	tdl := tdlclient.New("tdl", 4, log)
	batcher := workerpool.NewBatcher(tdl, nil)

	tasks, err := taskmanager.New(taskmanager.Deps{
		Client:    client,
		Store:     store,
		ChunkDL:   chunkDL,
		Limiter:   limiter,
		Allocator: allocator,
		Batcher:   batcher,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("build task manager: %w", err)
	}

	writer := persistence.NewWriter(store, tasks.Snapshot, persistence.DefaultFlushInterval, log)
	tasks.SetWriter(writer)
	go writer.Run(ctx)

	api := controlapi.New(log, tasks, cfg.ControlToken)
	tasks.SetNotify(api.Broadcast)

	log.Info("control token", "token", cfg.ControlToken)
	api.Start(cfg.ListenAddr)

	<-ctx.Done()
	log.Info("tachyon-exportd shutting down")

	if err := api.Stop(); err != nil {
		log.Error("control api shutdown", "error", err)
	}
	writer.Flush()

	return nil
}
