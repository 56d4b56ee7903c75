package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-insights/internal/cache"
	"github.com/miradorstack/mirador-insights/internal/churn"
	"github.com/miradorstack/mirador-insights/internal/clv"
	"github.com/miradorstack/mirador-insights/internal/config"
	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/normalize"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/repo"
	"github.com/miradorstack/mirador-insights/internal/segment"
	"github.com/miradorstack/mirador-insights/internal/sentiment"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

var rootCmd = &cobra.Command{
	Use:           "insights",
	Short:         "Customer analytics over arbitrary tabular datasets",
	Long:          "Profile a customer dataset, gate the analyses its schema supports and run churn, segmentation, sentiment and geospatial insights.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var globalArgs struct {
	configPath string
	logLevel   string
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalArgs.configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&globalArgs.logLevel, "log-level", "", "Override the configured log level")
	rootCmd.AddCommand(newServeCmd(), newProfileCmd(), newAnalyzeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadRuntime reads configuration and builds the logger shared by every subcommand.
func loadRuntime() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(globalArgs.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if globalArgs.logLevel != "" {
		cfg.Logging.Level = globalArgs.logLevel
	}
	return cfg, utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON), nil
}

// components holds what buildPipeline opened and must be closed on exit.
type components struct {
	pipeline  *engine.Pipeline
	artifacts *repo.ArtifactStore
	cache     cache.Provider
}

func (c *components) Close() {
	if c.artifacts != nil {
		_ = c.artifacts.Close()
	}
	if c.cache != nil {
		_ = c.cache.Close()
	}
}

// buildPipeline wires the engines, the optional Redis cache and the optional SQLite artifact
// store from cfg. An unreachable cache degrades to no caching.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	out := &components{cache: cache.NoopProvider{}}

	if cfg.Cache.Enabled && cfg.Cache.URL != "" {
		provider, err := cache.NewRedisProvider(ctx, cfg.Cache.URL, "mirador-insights")
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			out.cache = provider
		}
	}

	var artifacts engine.ArtifactStore
	if cfg.Artifacts.Enabled {
		store, err := repo.OpenArtifactStore(cfg.Artifacts.Path, out.cache, cfg.Cache.ArtifactTTL, logger)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.artifacts = store
		artifacts = store
	}

	registry, err := profiler.LoadRegistry(cfg.Profiler.AliasesPath)
	if err != nil {
		out.Close()
		return nil, err
	}
	personas, err := segment.LoadPersonaTable(cfg.Segmentation.PersonasPath)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("load personas: %w", err)
	}

	churnCfg := churn.DefaultConfig()
	churnCfg.Trees = cfg.Churn.Trees
	churnCfg.MaxDepth = cfg.Churn.MaxDepth
	churnCfg.LearningRate = cfg.Churn.LearningRate
	churnCfg.Lambda = cfg.Churn.Lambda
	churnCfg.MinChildWeight = cfg.Churn.MinChildWeight
	churnCfg.BalanceClasses = cfg.Churn.BalanceClasses
	churnCfg.TopK = cfg.Churn.TopK

	valueCfg := clv.DefaultConfig()
	valueCfg.Trees = cfg.Value.Trees
	valueCfg.MaxDepth = cfg.Value.MaxDepth
	valueCfg.LearningRate = cfg.Value.LearningRate

	segCfg := segment.Config{
		Seed:            cfg.Segmentation.Seed,
		NInit:           cfg.Segmentation.NInit,
		MaxIter:         cfg.Segmentation.MaxIter,
		MaxK:            cfg.Segmentation.MaxK,
		KTolerance:      cfg.Segmentation.KTolerance,
		RuleDepth:       cfg.Segmentation.RuleDepth,
		PurityThreshold: cfg.Segmentation.PurityThreshold,
	}

	prof := profiler.New(registry, profiler.Options{SampleSize: cfg.Profiler.SampleSize}, logger)
	out.pipeline = engine.NewPipeline(logger, engine.Dependencies{
		Profiler:   prof,
		Normalizer: normalize.New(registry, logger),
		Churn:      churn.NewEngine(churnCfg, logger),
		Value:      clv.NewEngine(valueCfg, logger),
		Segments:   segment.NewEngine(segCfg, personas, logger),
		Sentiment:  sentiment.NewAnalyzer(logger),
		Artifacts:  artifacts,
	})
	return out, nil
}
