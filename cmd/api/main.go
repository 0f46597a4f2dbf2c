package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"genorder/internal/adapter/repo"
	"genorder/internal/generation"
	"genorder/internal/http/handlers"
	httpapi "genorder/internal/http/httpapi"
	"genorder/internal/infra"
	"genorder/internal/infra/geoip"
	"genorder/internal/middleware"
	"genorder/internal/pricing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	orders := repo.NewOrderRepository(dbpool)
	credits := repo.NewCreditLedger(dbpool)

	var countryLookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable, country resolution disabled")
	} else if resolver != nil {
		countryLookup = resolver.CountryCode
	}

	strategy, err := pricing.ParseStrategy(cfg.CreditStrategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid credit strategy")
	}
	reduced := make(map[string]bool, len(cfg.ReducedCountries))
	for _, code := range cfg.ReducedCountries {
		reduced[code] = true
	}
	pricer := pricing.New(strategy, pricing.Config{
		ImageCredits:     cfg.CreditsImage,
		VideoCredits:     cfg.CreditsVideo,
		TextCredits:      cfg.CreditsText,
		ReducedCountries: reduced,
		ReducedPercent:   cfg.ReducedPercent,
		ABTestPercent:    cfg.ABTestPercent,
	})

	invoker := generation.NewHTTPInvoker(generation.HTTPInvokerOptions{
		BaseURL: cfg.GenerationBaseURL,
		APIKey:  cfg.GenerationAPIKey,
		Timeout: cfg.GenerationTimeout,
	})

	service := generation.NewService(orders, credits, invoker, logger, generation.Options{
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.PollInterval,
	})

	app := handlers.NewApp(service, pricer, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   countryLookup,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
