// Package main provides the ordindexd daemon - a sat-tracking ordinals and
// BIT-20 indexer for a UTXO chain node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/ord-index/internal/config"
	"github.com/klingon-exchange/ord-index/internal/index"
	"github.com/klingon-exchange/ord-index/internal/rpcclient"
	"github.com/klingon-exchange/ord-index/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.ord-index", "Data directory")
		rpcURL      = flag.String("rpc-url", "", "Node JSON-RPC URL, overrides config")
		rpcUser     = flag.String("rpc-user", "", "Node RPC username, overrides config")
		rpcPass     = flag.String("rpc-pass", "", "Node RPC password, overrides config")
		heightLimit = flag.Int("height-limit", 0, "Stop indexing at this height (0 means no limit), overrides config")
		noBit20     = flag.Bool("no-index-bit20", false, "Disable the BIT-20 overlay regardless of config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ordindexd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *rpcURL != "" {
		cfg.RPCURL = *rpcURL
	}
	if *rpcUser != "" {
		cfg.RPCUser = *rpcUser
	}
	if *rpcPass != "" {
		cfg.RPCPass = *rpcPass
	}
	if *heightLimit > 0 {
		limit := uint32(*heightLimit)
		cfg.HeightLimit = &limit
	}
	if *noBit20 {
		cfg.IndexBit20 = false
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	log.Info("config loaded", "data_dir", cfg.DataDir, "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := index.OpenStore(cfg.DataDir)
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer store.Close()
	log.Info("store opened", "path", cfg.DataDir)

	client := rpcclient.New(cfg.RPCURL, cfg.RPCUser, cfg.RPCPass)

	driver := index.NewDriver(cfg, store, client)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown requested, finishing current block...")
		driver.Shutdown()
		cancel()
	}()

	log.Info("starting indexer", "index_bit20", cfg.IndexBit20, "index_dunes", cfg.IndexDunes)
	if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("indexer stopped with error", "error", err)
	}

	log.Info("goodbye")
}
