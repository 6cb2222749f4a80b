// Command tempshare-cleanup runs the sweeps once and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tempshare/internal/cache"
	"tempshare/internal/config"
	"tempshare/internal/database"
	"tempshare/internal/logging"
	"tempshare/internal/services"
	"tempshare/internal/storage"
)

func main() {
	all := flag.Bool("all", false, "deactivate expired shares and delete stale ones")
	oldOnly := flag.Bool("old-only", false, "only delete shares inactive for longer than the retention period")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for TEMPSHARE_ADMIN_PASSWORD_HASH and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := services.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if *all && *oldOnly {
		fmt.Fprintln(os.Stderr, "Error: -all and -old-only are mutually exclusive")
		os.Exit(2)
	}

	if err := run(*all, *oldOnly); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(all, oldOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	blobs, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open payload store: %w", err)
	}

	lifecycle := services.NewLifecycleManager(store, blobs, cache.Nop{}, cfg, logger)

	failed := 0
	if !oldOnly {
		res, err := lifecycle.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("expired sweep failed: %w", err)
		}
		fmt.Printf("Deactivated %d of %d expired shares\n", res.Affected, res.Candidates)
		failed += res.Failed
	}

	if all || oldOnly {
		res, err := lifecycle.SweepStale(ctx, cfg.Lifecycle.Retention)
		if err != nil {
			return fmt.Errorf("stale sweep failed: %w", err)
		}
		fmt.Printf("Deleted %d of %d shares inactive for more than %s\n", res.Affected, res.Candidates, cfg.Lifecycle.Retention)
		failed += res.Failed
	}

	if failed > 0 {
		logger.Warn("some shares could not be cleaned up", zap.Int("failed", failed))
		return fmt.Errorf("%d shares could not be cleaned up", failed)
	}
	return nil
}
