package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-momentum-bot/config"
	"futures-momentum-bot/internal/api"
	"futures-momentum-bot/internal/database"
	"futures-momentum-bot/internal/engine"
	"futures-momentum-bot/internal/events"
	"futures-momentum-bot/internal/logging"
	"futures-momentum-bot/internal/position"
	sig "futures-momentum-bot/internal/signal"
	"futures-momentum-bot/internal/vault"
	"futures-momentum-bot/internal/venue"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LoggingConfig)
	log.Info().Bool("testnet", cfg.BinanceConfig.TestNet).Msg("starting futures momentum bot")

	ctx := context.Background()

	// Credentials come from Vault when enabled, otherwise from env/config.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("vault client init failed")
	}
	creds, err := vaultClient.LoadCredentials(ctx, cfg.BinanceConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("loading exchange credentials failed")
	}

	// All REST traffic funnels through the gateway.
	gateway := venue.NewGateway(venue.GatewayConfig{
		MaxConcurrent:  cfg.GatewayConfig.MaxConcurrent,
		QueueSize:      cfg.GatewayConfig.QueueSize,
		QueueWarnDepth: cfg.GatewayConfig.QueueWarnDepth,
		CacheTTL:       time.Duration(cfg.GatewayConfig.CacheTTLSec) * time.Second,
		RequestTimeout: time.Duration(cfg.GatewayConfig.TimeoutSec) * time.Second,
	}, log)

	client := venue.NewClient(creds.APIKey, creds.SecretKey, cfg.BinanceConfig.TestNet, gateway)

	bus := events.NewBus()

	priceCache := venue.NewPriceCache(30 * time.Second)
	stream := venue.NewPriceStream(priceCache, cfg.BinanceConfig.TestNet, log)

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
	}
	store := position.NewStateStore(redisClient, log)

	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		repo = database.NewRepository(db)
		database.NewRecorder(repo, bus, log)
	}

	manager := position.NewManager(client, priceCache, store, bus, position.Config{
		MaxOpenPositions: cfg.TradingConfig.MaxOpenPositions,
		PositionNotional: cfg.TradingConfig.PositionNotional,
		MinNotional:      cfg.TradingConfig.MinNotional,
		Leverage:         cfg.TradingConfig.Leverage,
		InitialStopPct:   cfg.TradingConfig.InitialStopPct,
		TrailPct:         cfg.TradingConfig.TrailPct,
		Cooldown:         cfg.Cooldown(),
	}, log)

	tiers := sig.DefaultTiers()
	maxAge := time.Duration(cfg.SignalConfig.CacheMaxAgeMin) * time.Minute
	caches := make(map[string]*sig.TimeframeCache)
	for _, tier := range tiers {
		if tier.Cached {
			caches[tier.Name] = sig.NewTimeframeCache(tier, maxAge, 500*time.Millisecond, client, log)
		}
	}
	pipeline := sig.NewPipeline(tiers, caches, client, manager, bus, sig.PipelineConfig{
		WorkerCount: cfg.SignalConfig.WorkerCount,
	}, log)

	eng := engine.New(client, pipeline, manager, priceCache, stream, bus, engine.Config{
		ScanInterval:  time.Duration(cfg.SignalConfig.ScanIntervalSec) * time.Second,
		TrailInterval: 30 * time.Second,
		PriceInterval: 10 * time.Second,
		SweepInterval: time.Duration(cfg.SignalConfig.SweepIntervalMin) * time.Minute,
		MinVolume:     cfg.SignalConfig.MinVolume,
		MaxSymbols:    cfg.SignalConfig.MaxSymbols,
		DryRun:        !cfg.TradingConfig.Enabled,
	}, log)
	if !cfg.TradingConfig.Enabled {
		log.Warn().Msg("trading disabled, running in dry-run mode")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)
		server = api.NewServer(addr, manager, pipeline, gateway, repo, cfg.ServerConfig.Debug, log)
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("api server failed")
			}
		}()
	}

	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	eng.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api server shutdown failed")
		}
		cancel()
	}

	gateway.Stop()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Info().Msg("shutdown complete")
}
