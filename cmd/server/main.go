// Package main provides the entry point for the ccrelay broker: a
// multi-tenant reverse proxy that fronts Claude, Gemini, and Bedrock
// upstream accounts behind a single stable API-key surface, scheduling
// each inbound request onto a healthy upstream account and metering the
// result.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/relaybroker/ccrelay/internal/account"
	"github.com/relaybroker/ccrelay/internal/accounting"
	"github.com/relaybroker/ccrelay/internal/api"
	"github.com/relaybroker/ccrelay/internal/api/middleware"
	"github.com/relaybroker/ccrelay/internal/apikey"
	"github.com/relaybroker/ccrelay/internal/breaker"
	"github.com/relaybroker/ccrelay/internal/buildinfo"
	"github.com/relaybroker/ccrelay/internal/config"
	"github.com/relaybroker/ccrelay/internal/constant"
	"github.com/relaybroker/ccrelay/internal/crypto"
	"github.com/relaybroker/ccrelay/internal/health"
	"github.com/relaybroker/ccrelay/internal/kv"
	"github.com/relaybroker/ccrelay/internal/logging"
	"github.com/relaybroker/ccrelay/internal/oauth"
	"github.com/relaybroker/ccrelay/internal/relay"
	"github.com/relaybroker/ccrelay/internal/scheduler"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logging.ConfigureLogOutput(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
		log.SetLevel(log.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log.WithFields(log.Fields{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
	}).Info("starting ccrelay")

	store := buildStore(cfg)
	cipher, err := crypto.NewCipher(cfg.EncryptionKeyHex)
	if err != nil {
		log.WithError(err).Fatal("failed to construct oauth cipher")
	}

	repo := account.NewRepository(store)
	oauthManager := oauth.New(repo, store, cipher, cfg.RefreshSkew)
	registerRefreshers(oauthManager, cfg)

	brk := breaker.NewRegistry(breakerThreshold(cfg), cfg.Breaker.OpenDuration)
	sched := scheduler.New(repo, store, brk, cfg.StickySessionTTL)
	engine := relay.New(oauthManager, cfg.RequestTimeout, cfg.StreamTimeout, cfg.StreamIdleTimeout)

	keys := apikey.NewManager(store, 256)
	defer keys.Close()

	priceTable := loadPriceTable(cfg)
	calculator := accounting.NewCalculator(priceTable)
	rateLimiter := accounting.NewRateLimiter(store)

	usageManager := accounting.NewManager()
	usageManager.Start(context.Background())
	defer usageManager.Stop()

	rollup := accounting.NewKVRollupSink(store)
	usageManager.Register(rollup)
	if sink := buildClickHouseSink(cfg); sink != nil {
		usageManager.Register(sink)
		defer func() {
			if err := sink.Close(); err != nil {
				log.WithError(err).Warn("failed to close clickhouse sink")
			}
		}()
	}

	metrics := health.NewMetrics()

	apiServer := &api.Server{
		Config:       cfg,
		APIKeys:      keys,
		Scheduler:    sched,
		Engine:       engine,
		Breaker:      brk,
		RateLimiter:  rateLimiter,
		Calculator:   calculator,
		UsageManager: usageManager,
		UsageRollup:  rollup,
	}
	healthHandler := health.NewHandler(store, metrics)

	router := gin.New()
	router.Use(logging.GinLogrusRecovery())
	router.Use(middleware.RequestLogging())
	apiServer.Register(router)
	healthHandler.Register(router)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runServer(httpServer)
}

// runServer starts httpServer and blocks until SIGINT/SIGTERM, then drains
// in-flight requests before returning.
func runServer(httpServer *http.Server) {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Fatal("http server failed")
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// buildStore constructs the KV adapter: a Redis-backed primary store with
// an in-process memory fallback the relay, scheduler, and accounting
// packages keep working against during a Redis outage (spec §4 component
// 2, "degrades to an in-process fallback when the remote store is
// unreachable").
func buildStore(cfg *config.Config) kv.Store {
	fallback := kv.NewMemoryStore()

	redisStore, err := kv.NewRedisStore(context.Background(), cfg.KVAddr, cfg.KVPassword, cfg.KVDB)
	if err != nil {
		log.WithError(err).Warn("failed to connect to redis at startup, starting in fallback-only mode")
		return kv.NewAdapter(fallback, fallback, 5*time.Second)
	}
	return kv.NewAdapter(redisStore, fallback, 5*time.Second)
}

// registerRefreshers wires one HTTP-based OAuth refresher per configured
// OAuth provider, so the manager never has to know the provider-specific
// token endpoint shape itself.
func registerRefreshers(manager *oauth.Manager, cfg *config.Config) {
	client := &http.Client{Timeout: 30 * time.Second}
	for _, provider := range []string{constant.ProviderClaudeOAuth, constant.ProviderGemini} {
		pc, ok := cfg.Providers[provider]
		if !ok {
			continue
		}
		switch provider {
		case constant.ProviderGemini:
			if pc.ClientID == "" || pc.ClientSecret == "" {
				continue
			}
			manager.Register(provider, oauth.NewGeminiRefresher(pc.ClientID, pc.ClientSecret))
		default:
			if pc.TokenURL == "" {
				continue
			}
			manager.Register(provider, oauth.NewHTTPRefresher(client, pc.TokenURL, pc.ClientID, nil))
		}
	}
}

// breakerThreshold derives the consecutive-failure count that opens a
// circuit from the configured error ratio and minimum sample size, since
// the breaker's own constructor takes a flat threshold rather than a
// ratio.
func breakerThreshold(cfg *config.Config) int {
	threshold := cfg.Breaker.MinSamples
	if cfg.Breaker.ErrorRatio > 0 {
		threshold = int(float64(cfg.Breaker.MinSamples) * cfg.Breaker.ErrorRatio)
	}
	if threshold <= 0 {
		threshold = 5
	}
	return threshold
}

// loadPriceTable reads the configured pricing file, falling back to an
// empty table (every model prices to zero) if none is configured; the
// calculator treats an unpriced model as a soft failure rather than an
// error, so a missing pricing file never blocks the relay path.
func loadPriceTable(cfg *config.Config) *accounting.PriceTable {
	if cfg.PricingTablePath == "" {
		return accounting.NewPriceTable("unset")
	}
	table, err := accounting.LoadPriceTable(cfg.PricingTablePath)
	if err != nil {
		log.WithError(err).Warn("failed to load pricing table, falling back to an empty table")
		return accounting.NewPriceTable("unset")
	}
	return table
}

// buildClickHouseSink opens the analytics sink when clickhouse settings are
// present in the environment; ccrelay has no dedicated config section for
// it yet; wiring it is left to CLICKHOUSE_* environment variables read
// directly here since they're operational, not structural, settings.
func buildClickHouseSink(cfg *config.Config) *accounting.ClickHouseSink {
	_ = cfg
	addr, ok := os.LookupEnv("CLICKHOUSE_ADDR")
	if !ok || addr == "" {
		return nil
	}
	database := os.Getenv("CLICKHOUSE_DATABASE")
	username := os.Getenv("CLICKHOUSE_USERNAME")
	password := os.Getenv("CLICKHOUSE_PASSWORD")
	table := os.Getenv("CLICKHOUSE_TABLE")

	sink, err := accounting.NewClickHouseSink(addr, database, username, password, table)
	if err != nil {
		log.WithError(err).Warn("failed to open clickhouse sink, usage events will not be archived")
		return nil
	}
	return sink
}
