package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dimas4dev/talkiplay/internal/backend"
	"github.com/dimas4dev/talkiplay/internal/bridge"
	"github.com/dimas4dev/talkiplay/internal/config"
	"github.com/dimas4dev/talkiplay/internal/credential"
	"github.com/dimas4dev/talkiplay/internal/decoder"
	"github.com/dimas4dev/talkiplay/internal/desktop"
	"github.com/dimas4dev/talkiplay/internal/eventstream"
	"github.com/dimas4dev/talkiplay/internal/gateway"
	"github.com/dimas4dev/talkiplay/internal/logger"
	"github.com/dimas4dev/talkiplay/internal/metrics"
	"github.com/dimas4dev/talkiplay/internal/notification"
	"github.com/dimas4dev/talkiplay/internal/session"
)

func main() {
	configPath := flag.String("config", envOrDefault("TALKIPLAY_CONFIG", config.DefaultPath()), "config file path")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	token := flag.String("token", "", "bearer token (overrides credential.source)")
	storeToken := flag.String("store-token", "", "save the token in the OS keyring and exit")
	mintFor := flag.String("mint-token", "", "print a development token for this subject and exit")
	mintTTL := flag.Duration("mint-ttl", 24*time.Hour, "lifetime of a minted token")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg := logger.New(logger.FromConfig(cfg.Log.Level, cfg.Log.Format))

	if *mintFor != "" {
		signed, err := backend.MintToken(cfg.Backend.JWTSecret, *mintFor, []string{backend.ScopeRead, backend.ScopeWrite}, *mintTTL, time.Now())
		if err != nil {
			log.Fatalf("failed to mint token: %v", err)
		}
		fmt.Println(signed)
		return
	}
	if *storeToken != "" {
		ring, err := credential.OpenKeyring(cfg.Credential.KeyringService, cfg.Credential.KeyringUser, cfg.Credential.KeyringDir)
		if err != nil {
			log.Fatalf("failed to open keyring: %v", err)
		}
		if err := ring.Store(*storeToken); err != nil {
			log.Fatalf("failed to store token: %v", err)
		}
		lg.Info("token stored in keyring", "service", cfg.Credential.KeyringService)
		return
	}
	if *token != "" {
		cfg.Credential.Source = "static"
		cfg.Credential.Token = *token
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("notify client stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	creds, credFile, err := buildCredentials(cfg.Credential, lg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)

	gw := gateway.NewClient(cfg.API.BaseURL, cfg.API.NotificationsPath, creds, &http.Client{Timeout: cfg.API.Timeout})
	store := notification.NewStore(notification.StoreOptions{
		Confirmer: gw,
		Logger:    lg,
		OnConfirmFailure: func(op, _ string, _ error) {
			m.ConfirmFailures.WithLabelValues(op).Inc()
		},
	})
	dec, err := decoder.New(decoder.Options{Logger: lg})
	if err != nil {
		return err
	}
	stream, err := eventstream.NewManager(eventstream.Options{
		URL:                  cfg.Stream.URL,
		Credentials:          creds,
		ReconnectInterval:    cfg.Stream.ReconnectInterval,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Stream.HandshakeTimeout,
		Buffer:               cfg.Stream.Buffer,
		Logger:               lg,
		OnStatus: func(st eventstream.Status) {
			m.ConnectionState.Set(float64(st.State))
			if st.Exhausted {
				lg.Warn("connection lost, send SIGHUP to reconnect", "attempts", st.Attempts, "error", st.Err)
			}
		},
		OnReconnectScheduled: func(int, time.Duration) {
			m.ReconnectsScheduled.Inc()
		},
	})
	if err != nil {
		return err
	}

	toasts := bridge.NewChannelSink(32)
	notifier := desktop.New(desktop.Options{
		Enabled: cfg.Notifier.Enabled,
		AppName: cfg.Notifier.AppName,
		Icon:    cfg.Notifier.Icon,
		Logger:  lg,
	})
	sess, err := session.New(session.Options{
		Stream:        stream,
		Decoder:       dec,
		Store:         store,
		Loader:        gw,
		Toasts:        toasts,
		ToastDuration: cfg.Toast.Duration,
		Metrics:       m,
		Logger:        lg,
		LoadTimeout:   cfg.API.Timeout,
		Notifier:      notifier,
		OnEvent: func(ev session.Event) {
			lg.Info("event received", "event", ev.Name, "bytes", len(ev.Payload))
		},
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.Start(ctx); err != nil {
			if errors.Is(err, eventstream.ErrAuthMissing) {
				_ = sess.Close()
				return err
			}
			lg.Warn("initial connect failed", "error", err)
		}
		<-ctx.Done()
		return sess.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-toasts.C:
				lg.Info(formatToast(t), "severity", t.Severity, "id", t.NotificationID, "unread", sess.Unread())
			}
		}
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		reconnectOn(ctx, hup, sess.Reconnect, lg)
		return nil
	})
	if credFile != nil {
		g.Go(func() error { return credFile.Watch(ctx, nil) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, reg, lg) })
	}
	return g.Wait()
}

// reconnectOn restarts the stream each time trigger fires, until ctx ends.
func reconnectOn(ctx context.Context, trigger <-chan os.Signal, reconnect func() error, lg *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-trigger:
			lg.Info("manual reconnect requested", "signal", sig.String())
			if err := reconnect(); err != nil {
				lg.Warn("manual reconnect failed", "error", err)
			}
		}
	}
}

func buildCredentials(cfg config.CredentialConfig, lg *logger.Logger) (credential.Provider, *credential.File, error) {
	switch cfg.Source {
	case "static":
		return credential.Static(cfg.Token), nil, nil
	case "env":
		return credential.Env(cfg.EnvVar), nil, nil
	case "file":
		f, err := credential.NewFile(cfg.File, lg)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	case "keyring":
		k, err := credential.OpenKeyring(cfg.KeyringService, cfg.KeyringUser, cfg.KeyringDir)
		if err != nil {
			return nil, nil, err
		}
		return k, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential source %q", cfg.Source)
	}
}

func formatToast(t bridge.Toast) string {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "Notification"
	}
	if msg := strings.TrimSpace(t.Message); msg != "" {
		return title + ": " + msg
	}
	return title
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, lg *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	lg.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
