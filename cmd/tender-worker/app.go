package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderscan/config"
	"tenderscan/download"
	"tenderscan/feed"
	"tenderscan/folder"
	"tenderscan/keyword"
	"tenderscan/matcher"
	"tenderscan/ossstore"
	"tenderscan/prepare"
	"tenderscan/processor"
	"tenderscan/runner"
	"tenderscan/scanner"
	"tenderscan/store"
)

// app owns every long-lived handle of the worker process.
type app struct {
	cfg *config.Config
	log *slog.Logger
	db  *sql.DB
	rdb redis.UniversalClient
	// ownsRedis is false when rdb belongs to the redis result store
	ownsRedis bool
	store     store.ResultStore
	feed      *feed.Postgres
	folders   *folder.Manager
	oss       *ossstore.Store
	catalogs  *keyword.Cache
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		folders:  folder.NewManager(cfg.WorkDir, folder.NoopUnlocker{}, log),
		catalogs: keyword.NewCache(4, time.Hour),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// the tender feed always lives in postgres
	db, err := store.OpenPostgres(ctx, cfg.PostgresDSN, cfg.Workers*2+4)
	if err != nil {
		return nil, fmt.Errorf("tender feed: %w", err)
	}
	a.db = db
	a.feed = feed.NewPostgres(db, 10*time.Minute, log)

	switch cfg.ResultStore {
	case "postgres":
		a.store = store.NewPostgres(db, cfg.LockTTL(), log)
	case "redis":
		rs, err := store.OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			store.RedisOptions{LockTTL: cfg.LockTTL(), Logger: log})
		if err != nil {
			return nil, err
		}
		a.store = rs
		a.rdb = rs.Client()
	case "memory":
		log.Warn("result store: memory, outcomes are lost on exit and not shared between workers")
		a.store = store.NewMemory(cfg.LockTTL())
	default:
		return nil, fmt.Errorf("unknown RESULT_STORE %q", cfg.ResultStore)
	}

	// the reprocess stream needs redis even when results go elsewhere
	if a.rdb == nil && strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb := newRedisClient(cfg)
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		a.rdb = rdb
		a.ownsRedis = true
	}

	st, enabled, err := ossstore.NewFromEnv(log)
	if err != nil {
		if enabled {
			return nil, fmt.Errorf("init oss store failed: %w", err)
		}
	} else if enabled {
		a.oss = st
		log.Info("failed-file archive enabled")
	}

	ok = true
	return a, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.ownsRedis {
		_ = a.rdb.Close()
	}
	if a.db != nil && a.cfg.ResultStore != "postgres" {
		_ = a.db.Close()
	}
}

// searcher compiles the product catalog (CATALOG_FILE, else the products table)
// and the phrase lists.
func (a *app) searcher(ctx context.Context) (*keyword.Searcher, error) {
	var (
		names []string
		err   error
	)
	if a.cfg.CatalogFile != "" {
		names, err = keyword.LoadCatalog(a.cfg.CatalogFile)
	} else {
		names, err = a.feed.Products(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if len(names) == 0 {
		return nil, errors.New("product catalog is empty")
	}
	phrases, err := keyword.LoadPhrases(a.cfg.PhrasesFile)
	if err != nil {
		return nil, err
	}
	stop, err := keyword.LoadStopPhrases(a.cfg.PhrasesFile)
	if err != nil {
		return nil, err
	}
	cat := a.catalogs.Get(names)
	a.log.Info("catalog ready", "products", cat.Len(), "phrases", len(phrases), "stop_phrases", len(stop))
	return keyword.NewSearcher(cat,
		keyword.WithAdditionalPhrases(phrases),
		keyword.WithStopPhrases(stop),
		keyword.WithLogger(a.log)), nil
}

func (a *app) scanner() *scanner.Scanner {
	opts := []scanner.Option{
		scanner.WithConverter(&scanner.Converter{Bin: a.cfg.UnoconvertBin}),
		scanner.WithLogger(a.log),
	}
	if a.cfg.OCREnabled {
		opts = append(opts, scanner.WithOCR(&scanner.Tesseract{
			PdftoppmBin:  a.cfg.PdftoppmBin,
			TesseractBin: a.cfg.TesseractBin,
			Lang:         a.cfg.OCRLang,
		}))
	}
	return scanner.New(opts...)
}

// coordinator wires a fresh processor around the current catalog.
func (a *app) coordinator(ctx context.Context) (*runner.Coordinator, error) {
	search, err := a.searcher(ctx)
	if err != nil {
		return nil, err
	}
	dl := download.New(
		download.WithWorkers(a.cfg.DownloadWorkers),
		download.WithTimeout(a.cfg.DownloadTimeout()),
		download.WithLogger(a.log))
	exec := matcher.New(a.scanner(), search,
		matcher.WithWorkers(a.cfg.MatchWorkers),
		matcher.WithFileTimeout(a.cfg.FileTimeout()),
		matcher.WithBatchDelay(a.cfg.BatchDelay()),
		matcher.WithLogger(a.log))

	deps := processor.Deps{
		Store:      a.store,
		Feed:       a.feed,
		Folders:    a.folders,
		Downloader: dl,
		Preparer:   prepare.New(dl, prepare.WithLogger(a.log)),
		Matcher:    exec,
	}
	if a.oss != nil {
		deps.Archiver = a.oss
	}
	proc := processor.New(deps, a.cfg.WorkerID,
		processor.WithLockRefresh(a.cfg.LockRefresh()),
		processor.WithLogger(a.log))

	return runner.New(proc, a.feed, a.store, a.folders, runner.Config{
		Workers:         a.cfg.Workers,
		PrefetchWindow:  a.cfg.PrefetchWindow,
		PrefetchTimeout: a.cfg.PrefetchTimeout(),
		QueueThreshold:  a.cfg.QueueThreshold(),
		LockTTL:         a.cfg.LockTTL(),
	}, runner.WithSettings(a.feed), runner.WithLogger(a.log)), nil
}
