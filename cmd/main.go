package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"bridge-relayer/chain"
	"bridge-relayer/checkpoint"
	"bridge-relayer/db"
	"bridge-relayer/gas"
	"bridge-relayer/handlers"
	"bridge-relayer/indexer"
	"bridge-relayer/logger"
	"bridge-relayer/merkle"
	"bridge-relayer/metadata"
	"bridge-relayer/models"
	"bridge-relayer/nonce"
	"bridge-relayer/op"
	"bridge-relayer/repository"
	"bridge-relayer/routers"
)

// validatorConfig is one entry of ism.validators in config.yaml.
type validatorConfig struct {
	Address  string `mapstructure:"address"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
	S3Region string `mapstructure:"s3_region"`
}

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting relayer...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize repository
	repo := repository.NewRelayerRepository(ldb)

	// Validator checkpoint sources
	var validatorCfgs []validatorConfig
	if err := viper.UnmarshalKey("ism.validators", &validatorCfgs); err != nil {
		logger.Logger.Fatal("Failed to parse validator set", zap.Error(err))
	}
	validators := make([]common.Address, 0, len(validatorCfgs))
	sources := make(map[common.Address]checkpoint.Source, len(validatorCfgs))
	for _, vc := range validatorCfgs {
		addr := common.HexToAddress(vc.Address)
		src, err := checkpoint.NewS3Source(ctx, vc.S3Bucket, vc.S3Prefix, vc.S3Region)
		if err != nil {
			logger.Logger.Fatal("Failed to open checkpoint source",
				zap.String("validator", addr.Hex()), zap.Error(err))
		}
		validators = append(validators, addr)
		sources[addr] = src
	}
	fetcher := checkpoint.NewQuorumFetcher(sources)

	// Merkle tree + metadata builder
	tree := merkle.NewTreeBuilder()
	scheme, err := metadata.SchemeFromString(viper.GetString("ism.scheme"))
	if err != nil {
		logger.Logger.Fatal("Bad ism scheme", zap.Error(err))
	}
	originMailbox := common.HexToHash(viper.GetString("origin.mailbox"))
	builder := metadata.NewBuilder(scheme, fetcher, tree, repo, originMailbox)

	// Destination chain adapter
	adapter, err := chain.NewEVMAdapter(ctx,
		viper.GetString("destination.rpc_url"),
		common.HexToAddress(viper.GetString("destination.mailbox")),
		viper.GetString("destination.private_key"),
		viper.GetUint64("destination.finality_depth"))
	if err != nil {
		logger.Logger.Fatal("Failed to connect destination chain", zap.Error(err))
	}

	// Gas payment policy
	enforcer := gas.NewEnforcer(gasPolicy(), priceOracle(), repo, logger.Named("gas"))

	// Nonce manager + scheduler
	nonces := nonce.NewManager(adapter, repo, logger.Named("nonce"))
	deps := &op.Deps{
		Adapter:    adapter,
		Metadata:   builder,
		Enforcer:   enforcer,
		Nonces:     nonces,
		Repo:       repo,
		Clock:      op.SystemClock(),
		Validators: validators,
		Threshold:  viper.GetInt("ism.threshold"),
		Log:        logger.Named("op"),
	}
	sched := op.NewScheduler(deps, viper.GetInt("scheduler.workers"))
	if err := sched.Recover(); err != nil {
		logger.Logger.Fatal("Failed to recover operations", zap.Error(err))
	}

	// Origin feed
	feed := indexer.NewFeedConsumer(
		viper.GetString("origin.feed_endpoint"),
		tree, repo,
		func(msg *models.Message) { sched.Enqueue(msg) },
		logger.Named("indexer"))
	if err := feed.RebuildTree(); err != nil {
		logger.Logger.Fatal("Failed to rebuild merkle tree", zap.Error(err))
	}

	go sched.Run(ctx)
	go func() {
		if err := feed.Run(ctx); err != nil {
			logger.Logger.Fatal("Feed consumer stopped", zap.Error(err))
		}
	}()
	go reconcileNonces(ctx, nonces, adapter)

	// Initialize HTTP handlers
	h := handlers.NewHandler(repo, sched)

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	cancel()
	srv.Close()
}

func gasPolicy() gas.Policy {
	policy, err := gas.PolicyFromString(viper.GetString("gas.policy"))
	if err != nil {
		logger.Logger.Fatal("Bad gas policy", zap.Error(err))
	}
	switch policy {
	case gas.PolicyMinimum:
		minimum, err := uint256.FromDecimal(viper.GetString("gas.minimum"))
		if err != nil {
			logger.Logger.Fatal("Bad gas.minimum", zap.Error(err))
		}
		return gas.MinimumPolicy(minimum)
	case gas.PolicyMeetsEstimatedCost:
		return gas.MeetsEstimatedCostPolicy()
	}
	return gas.NonePolicy()
}

func priceOracle() gas.PriceOracle {
	if endpoint := viper.GetString("gas.price_api"); endpoint != "" {
		return gas.NewCachingPriceOracle(gas.NewHTTPPriceOracle(endpoint))
	}
	prices := make(map[uint32]float64)
	for domain := range viper.GetStringMap("gas.static_prices") {
		var d uint32
		if _, err := fmt.Sscanf(domain, "%d", &d); err != nil {
			logger.Logger.Fatal("Bad gas.static_prices key", zap.String("key", domain))
		}
		prices[d] = viper.GetFloat64("gas.static_prices." + domain)
	}
	return gas.NewStaticPriceOracle(prices)
}

// reconcileNonces periodically re-anchors every signer's nonce window on
// the chain's finalized view.
func reconcileNonces(ctx context.Context, nonces *nonce.Manager, adapter chain.Adapter) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nonces.Reconcile(ctx, adapter.Signer()); err != nil {
				logger.Logger.Warn("Nonce reconciliation failed", zap.Error(err))
			}
		}
	}
}
