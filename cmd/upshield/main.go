package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/upshield/upshield"
	"github.com/upshield/upshield/cache"
	"github.com/upshield/upshield/metrics"
)

var (
	configFilenameFlag string
	originFlag         string
	portFlag           int
	providerFlag       string
	freshTTLFlag       time.Duration
	staleTTLFlag       time.Duration
	maxRetriesFlag     int
	refererFlag        string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Upstream origin to shield (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Caching provider to use: memory or sqlite (overrides config)")
	flag.DurationVar(&freshTTLFlag, "fresh", 0, "Freshness window for cached entries (overrides config)")
	flag.DurationVar(&staleTTLFlag, "stale", 0, "Staleness window for degraded fallbacks (overrides config)")
	flag.IntVar(&maxRetriesFlag, "retries", -1, "Upstream retry attempts for transient failures (overrides config)")
	flag.StringVar(&refererFlag, "referer", "", "Referer to send upstream (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	config := upshield.DefaultConfig()
	if configFilenameFlag != "" {
		var err error
		config, err = upshield.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Str("config", configFilenameFlag).Msg("Could not read config file")
		}
	}
	if err := config.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("Invalid environment configuration")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if providerFlag != "" {
		config.Provider = providerFlag
	}
	if freshTTLFlag != 0 {
		config.FreshTTL = freshTTLFlag
	}
	if staleTTLFlag != 0 {
		config.StaleTTL = staleTTLFlag
	}
	if maxRetriesFlag >= 0 {
		config.MaxRetries = maxRetriesFlag
	}
	if refererFlag != "" {
		config.Referer = refererFlag
	}

	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var provider cache.Provider
	switch config.Provider {
	case "sqlite":
		sqlite, err := cache.NewSQLiteCache(config.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", config.SQLitePath).Msg("Could not open cache database")
		}
		provider = sqlite
	case "memory":
		provider = cache.NewMemCache()
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", config.Provider)
	}

	shield, err := upshield.New(config, provider, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create shield")
	}

	metrics.Init()

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Get("/*", shield.ServeHTTP)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("provider", config.Provider).
			Dur("fresh", config.FreshTTL).
			Dur("stale", config.StaleTTL).
			Msg("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
}
