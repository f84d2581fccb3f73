package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/config"
	"github.com/whisper/chatstream/internal/eventlog"
)

// RunFunc is one service's body.
type RunFunc func(ctx context.Context, cfg config.Config, log eventlog.Log, logger *zap.Logger) error

// Main is the shared entry point of the service binaries. It loads the
// configuration named by -c, builds the logger, opens the event log, and
// runs fn until SIGINT or SIGTERM. A fatal error exits with status 1.
func Main(service string, fn RunFunc) {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", service, err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log, service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", service, err)
		os.Exit(1)
	}

	if err := run(service, cfg, logger, fn); err != nil {
		logger.Error("fatal", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(service string, cfg config.Config, logger *zap.Logger, fn RunFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, release, err := OpenLog(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	logger.Info("starting",
		zap.String("server_name", cfg.ServerName),
		zap.String("eventlog_backend", cfg.EventLogBackend))

	if err := fn(ctx, cfg, log, logger); err != nil {
		return err
	}
	logger.Info(service + " stopped")
	return nil
}
