package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/blobsync/internal/blossom"
	"github.com/alexjbarnes/blobsync/internal/bridge"
	"github.com/alexjbarnes/blobsync/internal/cache"
	"github.com/alexjbarnes/blobsync/internal/config"
	"github.com/alexjbarnes/blobsync/internal/logging"
	"github.com/alexjbarnes/blobsync/internal/relay"
	"github.com/alexjbarnes/blobsync/internal/state"
	"github.com/alexjbarnes/blobsync/internal/syncer"
	"github.com/alexjbarnes/blobsync/internal/upload"
	"github.com/alexjbarnes/blobsync/internal/vault"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment).With(slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := vault.Open(cfg.VaultDir)
	if err != nil {
		return err
	}

	signer := bridge.NewHTTPSigner(cfg.SignerURL)

	var rel relay.Relay
	if cfg.RelayURL != "" {
		rel = bridge.NewHTTPRelay(cfg.RelayURL)
	}

	client := blossom.NewClient(signer, cfg.SignerIdentity, "", logger)

	var localCache string

	if cfg.EnableLocalCache {
		localCache = client.DetectLocalCache(ctx)
		client.SetLocalCache(localCache)
	}

	uploader := upload.NewCoordinator(client, cfg.Servers, signer, cfg.SignerIdentity, rel, logger)
	service := syncer.New(client, st, cfg.Servers, cfg.Pubkey, rel, uploader, logger)
	tiers := cache.NewManager(st, v, client, nil, localCache, logger)

	logger.Info("blobsync starting",
		slog.Int("servers", len(cfg.Servers)),
		slog.String("vault", cfg.VaultDir),
		slog.Bool("local_cache", localCache != ""),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runRefreshLoop(gctx, cfg, service, tiers, logger)
	})

	g.Go(func() error {
		err := v.Watch(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("blobsync stopped")

	return nil
}

// runRefreshLoop runs one refresh immediately and then on the
// configured interval. Cache tier syncs follow each completed refresh;
// their failures are contained per cycle.
func runRefreshLoop(ctx context.Context, cfg *config.Config, service *syncer.Service, tiers *cache.Manager, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		cycle(ctx, service, tiers, logger)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func cycle(ctx context.Context, service *syncer.Service, tiers *cache.Manager, logger *slog.Logger) {
	snap, err := service.Refresh(ctx)
	if err != nil {
		logger.Warn("refresh failed", slog.String("error", err.Error()))
		return
	}

	if diag := service.Diagnostics(); diag != "" {
		logger.Warn("refresh had server failures", slog.String("detail", diag))
	}

	if err := service.SyncMetadata(ctx); err != nil {
		logger.Warn("metadata sync failed", slog.String("error", err.Error()))
	}

	if _, err := tiers.SyncVault(ctx, snap.Registry); err != nil {
		logger.Warn("vault sync failed", slog.String("error", err.Error()))
	}

	if _, err := tiers.SyncLocalCache(ctx, snap.Registry); err != nil {
		logger.Warn("local cache sync failed", slog.String("error", err.Error()))
	}
}
