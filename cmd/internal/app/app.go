// Package app wires the tether server runtime: config, logging, the session
// store, HTTP routes, the session feed and background jobs.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	authapi "tether/cmd/internal/auth/api"
	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/events"
	"tether/cmd/internal/realtime"
)

// App is the tether server runtime: it owns HTTP server wiring and the
// session subsystem's long-lived dependencies.
type App struct {
	cfg Config
	log Logger

	store    *storeHandle
	sessions *session.Service
	sweeper  *session.Sweeper
	producer *events.Producer
	feed     *realtime.Feed
	auth     *authapi.Handler
	registry *prometheus.Registry
}

// accessVerifier adapts an AccessTokenManager to the feed's hello check.
type accessVerifier struct {
	tokens session.AccessTokenManager
}

func (v accessVerifier) VerifyAccess(tok string, now time.Time) (session.AccessClaims, error) {
	return v.tokens.Verify(tok, now)
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewAccessTokenManager(sessCfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := session.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, store: st, registry: registry}

	a.feed = realtime.NewFeed(log, accessVerifier{tokens: tokens}, realtime.LoadFeedConfigFromEnv())
	notifiers := session.MultiNotifier{a.feed}

	if len(cfg.KafkaBrokers) > 0 {
		a.producer, err = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		notifiers = append(notifiers, a.producer)
		log.Info("events.kafka.enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	a.sessions = session.NewService(sessCfg, st.store, tokens,
		session.WithHasher(hasher),
		session.WithMetrics(metrics),
		session.WithNotifier(notifiers),
		session.WithLogger(log),
	)

	a.auth, err = authapi.NewHandler(log, a.sessions, authapi.LoadConfigFromEnv())
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}

	a.sweeper, err = session.NewSweeper(a.sessions, cfg.SweepSchedule, log)
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}

	log.Info("app.ready",
		"store", st.driver,
		"token_format", sessCfg.TokenFormat,
		"token_hmac", hasher.HMAC(),
	)
	return a, nil
}

// Sessions exposes the session service to an embedding login flow.
func (a *App) Sessions() *session.Service { return a.sessions }

// Auth exposes the HTTP handler, including IssueFor, to an embedding login flow.
func (a *App) Auth() *authapi.Handler { return a.auth }

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.store, a.store.persistent, a.registry, a.feed, a.auth)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg, a.log)
	h = WithRequestLogging(h, a.log)
	h = WithRequestID(h)
	return h
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.sweeper.Start()
	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.store.driver)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.sweeper.Stop(shutdownCtx)
	a.closeResources(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources(ctx context.Context) {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Error("events.kafka.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
