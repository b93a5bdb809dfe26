package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mreis/archivum/internal/crawl"
	"github.com/mreis/archivum/internal/extractor"
	"github.com/mreis/archivum/internal/fetcher"
	"github.com/mreis/archivum/internal/frontier"
	"github.com/mreis/archivum/internal/hash/sha256"
	"github.com/mreis/archivum/internal/worker"
)

var seedFileFlag string

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl seeded URLs and process the resulting documents",
	Long: `Crawl drains the URL frontier through fetch and extract, then runs
the processing worker pool until the work queue is empty. The run is
resumable: interrupting it leaves all state in the store, and the next
run picks up where this one stopped.`,
	RunE: runCrawl,
}

func init() {
	crawlCmd.Flags().StringVar(&seedFileFlag, "seeds", "",
		"file with one seed URL per line (overrides crawl.seed_file)")
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openPipelineDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	fr, err := frontier.New(db, systemClock, frontier.Config{
		MaxRetries:  cfg.Crawl.MaxURLRetries,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init frontier: %w", err)
	}

	q, err := buildQueue(cfg, db, systemClock)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	store, releaseStore, err := buildDocumentStore(ctx, cfg, db, systemClock)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}
	defer releaseStore()

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	seeds, err := collectSeeds()
	if err != nil {
		return err
	}
	added, err := fr.Seed(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}
	logger.Info("frontier seeded",
		zap.Int("provided", len(seeds)),
		zap.Int("added", added),
	)

	f := fetcher.New(nil, systemClock, logger, fetcher.Config{
		Timeout:         cfg.FetchTimeout(),
		MaxRetries:      cfg.Fetch.MaxRetries,
		BackoffInitial:  time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:      time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
		MaxConcurrent:   cfg.Fetch.MaxConcurrent,
		PerHostInterval: time.Duration(cfg.Fetch.PerHostIntervalMs) * time.Millisecond,
		UserAgent:       cfg.Fetch.UserAgent,
		MaxBodyBytes:    cfg.Fetch.MaxDocBytes,
	})
	ex := extractor.New(sha256.New(), extractor.Config{
		MinTextLen:  cfg.Enrich.MinTextLen,
		MaxPDFPages: cfg.Enrich.MaxPDFPages,
	})

	engine := crawl.New(fr, f, ex, q, store, blobs, logger, crawl.Config{
		Workers:       cfg.Crawl.Concurrency,
		StaleClaimAge: time.Duration(cfg.Crawl.StaleClaimSec) * time.Second,
	})

	summarizer, embedder := buildEnrichers(cfg, logger)
	pool := worker.NewPool(cfg.Workers.Count, q, store, blobs, summarizer,
		embedder, logger, worker.Config{
			PollInterval:  time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
			EnrichTimeout: cfg.EnrichTimeout(),
		})

	// Workers run alongside the crawl so enrichment starts while URLs
	// are still being fetched.
	poolCtx, stopPool := context.WithCancel(ctx)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()

	if err := engine.Run(ctx); err != nil {
		stopPool()
		<-poolDone
		return fmt.Errorf("crawl: %w", err)
	}

	if ctx.Err() == nil {
		if err := pool.WaitDrained(ctx, 250*time.Millisecond); err != nil && ctx.Err() == nil {
			logger.Warn("queue drain interrupted", zap.Error(err))
		}
	}
	stopPool()
	if err := <-poolDone; err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	logger.Info("crawl complete")
	return nil
}

// collectSeeds merges configured seeds with the seed file, if any.
func collectSeeds() ([]string, error) {
	seeds := append([]string(nil), cfg.Crawl.Seeds...)

	path := cfg.Crawl.SeedFile
	if seedFileFlag != "" {
		path = seedFileFlag
	}
	if path == "" {
		return seeds, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return seeds, nil
}
