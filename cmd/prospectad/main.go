package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	flag "github.com/spf13/pflag"

	"github.com/prospectaio/prospecta/api/config"
	"github.com/prospectaio/prospecta/api/handlers"
	"github.com/prospectaio/prospecta/pipeline/pkg/analyst"
	"github.com/prospectaio/prospecta/pipeline/pkg/broadcast"
	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/pipeline/pkg/ingest"
	"github.com/prospectaio/prospecta/pipeline/pkg/photostore"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
	"github.com/prospectaio/prospecta/pipeline/pkg/workers"
	"github.com/prospectaio/prospecta/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	portFlag := flag.Int("port", 8080, "HTTP server port")
	bindFlag := flag.String("bind", "0.0.0.0", "Bind address")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	apiOnlyFlag := flag.Bool("api-only", false, "serve the API without running queue workers")
	photoDirFlag := flag.String("photo-dir", "./data/photos", "directory for downloaded photos")
	pprofFlag := flag.Bool("pprof", false, "serve pprof on localhost:6060")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	log.Info("starting prospectad", "port", *portFlag, "api_only", *apiOnlyFlag)

	if *pprofFlag {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("pprof server error", "error", err)
			}
		}()
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "development"),
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if err := config.LoadPostgres(log); err != nil {
		return fmt.Errorf("failed to load postgres: %w", err)
	}
	defer config.ClosePostgres()
	if err := config.LoadRedis(log); err != nil {
		return fmt.Errorf("failed to load redis: %w", err)
	}
	defer config.CloseRedis()

	st := store.New(log, config.PgPool, nil)

	var providerCache cache.Cache
	if config.RedisClient != nil {
		providerCache = cache.NewRedis(log, config.RedisClient)
	}

	photos, err := photostore.New(log, *photoDirFlag)
	if err != nil {
		return fmt.Errorf("failed to open photo store: %w", err)
	}

	deps, err := buildWorkerDeps(log, st, providerCache, photos)
	if err != nil {
		return err
	}

	var riverWorkers *river.Workers
	if !*apiOnlyFlag {
		riverWorkers = river.NewWorkers()
	}
	q, err := queue.NewRiver(queue.Config{
		Log:     log,
		Pool:    config.PgPool,
		Workers: riverWorkers,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	deps.Queue = q
	if riverWorkers != nil {
		if err := workers.Register(riverWorkers, deps); err != nil {
			return fmt.Errorf("failed to register workers: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	bc := broadcast.New(log, q)
	go bc.Run(ctx)

	parser := ingest.NewParser(log, deps.NormalizerA)

	srv, err := handlers.NewServer(handlers.ServerConfig{
		Log:        log,
		Store:      st,
		Queue:      q,
		Broadcast:  bc,
		Ingest:     parser,
		AuthSecret: []byte(authSecret),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", *bindFlag, *portFlag),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down http server", "error", err)
	}
	if err := q.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop queue", "error", err)
	}
	return nil
}

// buildWorkerDeps constructs the provider clients from the environment.
// Providers without credentials stay nil and the affected stages degrade
// (single-geocoder runs, rule-based normalization, skipped vision).
func buildWorkerDeps(log *slog.Logger, st *store.Store, providerCache cache.Cache, photos *photostore.Store) (*workers.Deps, error) {
	deps := &workers.Deps{
		Log:    log,
		Store:  st,
		Cache:  providerCache,
		Photos: photos,
	}

	cnpj, err := providers.NewCNPJClient(providers.CNPJClientConfig{
		Log:           log,
		BaseURL:       envOr("CNPJ_API_BASE_URL", "https://publica.cnpj.ws"),
		Cache:         providerCache,
		RatePerMinute: envInt("CNPJ_RATE_PER_MINUTE", 3),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create CNPJ client: %w", err)
	}
	deps.CNPJ = cnpj

	if os.Getenv("CPF_CLIENT_ID") != "" || os.Getenv("CPF_FALLBACK_BASE_URL") != "" {
		cpf, err := providers.NewCPFClient(providers.CPFClientConfig{
			Log:             log,
			AuthBaseURL:     os.Getenv("CPF_API_BASE_URL"),
			TokenURL:        os.Getenv("CPF_TOKEN_URL"),
			ClientID:        os.Getenv("CPF_CLIENT_ID"),
			ClientSecret:    os.Getenv("CPF_CLIENT_SECRET"),
			FallbackBaseURL: os.Getenv("CPF_FALLBACK_BASE_URL"),
			Cache:           providerCache,
			RatePerMinute:   envInt("CPF_RATE_PER_MINUTE", 30),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create CPF client: %w", err)
		}
		deps.CPF = cpf
	} else {
		log.Warn("CPF registry credentials not set, falling back to checksum validation")
	}

	if key := os.Getenv("GEOCODER_API_KEY"); key != "" {
		geoA, err := providers.NewGeocoderA(providers.GeocoderAConfig{
			Log:     log,
			BaseURL: envOr("GEOCODER_BASE_URL", "https://maps.googleapis.com/maps/api"),
			APIKey:  key,
			Cache:   providerCache,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create geocoder A: %w", err)
		}
		deps.GeocoderA = geoA
	}
	geoB, err := providers.NewGeocoderB(providers.GeocoderBConfig{
		Log:       log,
		BaseURL:   envOr("GEOCODER_B_BASE_URL", "https://nominatim.openstreetmap.org"),
		UserAgent: envOr("GEOCODER_B_USER_AGENT", "prospecta/1.0"),
		Cache:     providerCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create geocoder B: %w", err)
	}
	deps.GeocoderB = geoB

	if key := os.Getenv("PLACES_API_KEY"); key != "" {
		places, err := providers.NewPlacesClient(providers.PlacesClientConfig{
			Log:     log,
			BaseURL: envOr("PLACES_BASE_URL", "https://maps.googleapis.com/maps/api/place"),
			APIKey:  key,
			Cache:   providerCache,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create places client: %w", err)
		}
		deps.Places = places
	} else {
		log.Warn("PLACES_API_KEY not set, places stage will fail as INCOMPLETE")
	}

	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		textModel := anthropic.Model(envOr("TEXT_MODEL", "claude-3-5-haiku-latest"))
		visionModel := anthropic.Model(envOr("VISION_MODEL", "claude-sonnet-4-0"))
		deps.NormalizerA = providers.NewAnthropicTextClient(textModel, 1024, "normalizer-a")
		deps.NormalizerB = providers.NewAnthropicTextClient(textModel, 1024, "normalizer-b")
		deps.VisionPre = providers.NewAnthropicVisionClient(textModel, 512, "vision-pre")
		deps.VisionDeep = providers.NewAnthropicVisionClient(visionModel, 2048, "vision-deep")
		deps.Analyst = analyst.New(log, providers.NewAnthropicTextClient(visionModel, 4096, "analyst"))
	} else {
		log.Warn("ANTHROPIC_API_KEY not set, LLM stages degrade to rule-based paths")
	}

	return deps, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
