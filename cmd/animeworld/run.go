package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/alvarorichard/animeworld/internal/bot"
	"github.com/alvarorichard/animeworld/internal/config"
	"github.com/alvarorichard/animeworld/internal/downloader"
	"github.com/alvarorichard/animeworld/internal/health"
	"github.com/alvarorichard/animeworld/internal/metrics"
	"github.com/alvarorichard/animeworld/internal/player"
	"github.com/alvarorichard/animeworld/internal/scraper"
	"github.com/alvarorichard/animeworld/internal/telegram"
	"github.com/alvarorichard/animeworld/internal/tracking"
	"github.com/alvarorichard/animeworld/internal/util"
	"github.com/alvarorichard/animeworld/internal/version"
)

func runBot(parent context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	util.Info("Starting", "version", version.String())

	if err := player.Install(); err != nil {
		util.Warn("Browser install failed, extraction may not work", "error", err)
	}

	catalog := scraper.NewAnimeWorldClient(cfg.BaseURL, cfg.UserAgent, cfg.RequestDelay.Duration)
	defer catalog.Close()

	bypass := player.NewBypass(cfg.Bypass, cfg.UserAgent, catalog.BaseURL()+"/")
	defer func() {
		if err := bypass.Close(); err != nil {
			util.Warn("Failed to stop browser driver", "error", err)
		}
	}()

	pool := util.NewWorkerPool(cfg.Workers)
	util.Info("Worker pool ready", "workers", pool.Size())

	runner := downloader.NewYtDlp()
	store := bot.NewMemoryStore(cfg.SessionTTL.Duration)
	defer store.Close()
	metrics.RegisterSessionGauge(store.Len)

	deps := bot.Deps{
		Catalog:   catalog,
		Extractor: bypass,
		Prober:    downloader.NewNegotiator(runner),
		Deliverer: downloader.NewDeliverer(runner, cfg.WorkDir, cfg.InlineLimit(), cfg.LargeLimit()),
		Pool:      pool,
		Store:     store,
	}

	var history telegram.HistoryReader
	tracking.HandleTrackingNotice()
	if log, err := tracking.Open(cfg.HistoryDB); err != nil {
		util.Warn("Delivery history unavailable", "path", cfg.HistoryDB, "error", err)
	} else {
		defer func() {
			if err := log.Close(); err != nil {
				util.Warn("Failed to close delivery history", "error", err)
			}
		}()
		if n, err := log.Count(); err == nil {
			util.Info("Delivery history opened", "path", cfg.HistoryDB, "deliveries", n)
		}
		deps.History = log
		history = log
	}

	tg, err := telegram.New(bot.NewMachine(deps), telegram.Options{
		Token:       cfg.BotToken,
		APIURL:      cfg.APIURL,
		LocalAPIURL: cfg.LocalAPIURL,
		IsAdmin:     cfg.IsAdmin,
		MaxRoutines: cfg.MaxRoutines,
		History:     history,
	})
	if err != nil {
		return err
	}

	// a failing server stops the other one
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.NewServer(cfg.Port).Run(gctx) })
	g.Go(func() error { return tg.Run(gctx) })
	return g.Wait()
}
