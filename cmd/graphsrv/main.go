package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygrid/followcache/internal/config"
	"github.com/relaygrid/followcache/internal/loader"
	"github.com/relaygrid/followcache/internal/metrics"
	"github.com/relaygrid/followcache/internal/server"
	"github.com/relaygrid/followcache/pkg/graphcache"
)

func main() {
	configPath := flag.String("config", "", "path to a graphsrv YAML config file")
	flag.Parse()

	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid configuration")
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	logger = logger.Level(parseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rl, err := loader.NewRedisLoader(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("could not reach redis follow store")
	}

	g := graphcache.NewGraphCore(withTimeout(rl.Load, cfg.LoadTimeout), graphcache.CoreConfig{
		LogCapacity: cfg.LogCapacity,
		MaxStride:   cfg.MaxStride,
		StripeCount: cfg.StripeCount,
	}, graphcache.DefaultExecutor, logger)

	mux := http.NewServeMux()
	server.AttachRoutes(mux, g)

	addr := getenv("ADDR", cfg.Addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.HTTPMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("followcache listening")
	logger.Fatal().Err(srv.ListenAndServe()).Msg("server stopped")
}

// withTimeout bounds every load behind a deadline derived from cfg, so a
// stuck backing store can't hold a slot's resolution open forever.
func withTimeout(load graphcache.Loader, d time.Duration) graphcache.Loader {
	return func(ctx context.Context, id graphcache.UserID) (<-chan graphcache.FollowRecord, <-chan error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		recCh, errCh := load(ctx, id)

		out := make(chan graphcache.FollowRecord)
		outErr := make(chan error, 1)
		go func() {
			defer cancel()
			defer close(out)
			for r := range recCh {
				out <- r
			}
		}()
		go func() {
			for e := range errCh {
				outErr <- e
			}
			close(outErr)
		}()
		return out, outErr
	}
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
