package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dimas4dev/talkiplay/internal/backend"
	"github.com/dimas4dev/talkiplay/internal/config"
	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("TALKIPLAY_CONFIG", ""), "config file path")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg := logger.New(logger.FromConfig(cfg.Log.Level, cfg.Log.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Backend, cfg.Metrics.Addr, lg); err != nil {
		lg.Error("backend stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.BackendConfig, metricsAddr string, lg *logger.Logger) error {
	repo, err := backend.OpenRepository(cfg.DSN)
	if err != nil {
		return err
	}
	defer repo.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewBackend(reg)
	hub := backend.NewHub(backend.HubOptions{OriginPatterns: originPatterns(cfg.CORSOrigins), Metrics: m, Logger: lg})
	svc, err := backend.NewService(backend.ServiceOptions{Repository: repo, Hub: hub, Metrics: m, Logger: lg})
	if err != nil {
		return err
	}
	api := backend.NewServer(svc, hub, backend.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalHMACSecret: cfg.InternalHMACSecret,
		InternalMaxSkew:    cfg.InternalMaxSkew,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSOrigins:        cfg.CORSOrigins,
	}, backend.ServerOptions{Metrics: m, Logger: lg})

	mux := http.NewServeMux()
	if metricsAddr == "" {
		mux.Handle("/metrics", metrics.Handler(reg))
	}
	mux.Handle("/", api)

	var ingress *backend.NATSIngress
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("talkiplay-backend"))
		if err != nil {
			return err
		}
		defer nc.Close()
		ingress = backend.NewNATSIngress(nc, svc, cfg.NATSSubject, lg)
		if err := ingress.Start(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("backend listening", "addr", cfg.Addr, "dsn_scheme", dsnScheme(cfg.DSN))
		return serve(ctx, cfg.Addr, mux, hub.Close)
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return serve(ctx, metricsAddr, metrics.Handler(reg), nil)
		})
	}
	if ingress != nil {
		g.Go(func() error {
			<-ctx.Done()
			return ingress.Stop()
		})
	}
	return g.Wait()
}

// serve runs srv until ctx is done. beforeShutdown runs before the
// listener drains.
func serve(ctx context.Context, addr string, handler http.Handler, beforeShutdown func()) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	if beforeShutdown != nil {
		beforeShutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// originPatterns converts CORS origins into websocket origin host patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, strings.TrimRight(o, "/"))
	}
	return out
}

func dsnScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	if dsn == "" {
		return "memory"
	}
	return "unknown"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
