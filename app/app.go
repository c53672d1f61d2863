package chatter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/putto11262002/chatter-client/api"
	"github.com/putto11262002/chatter-client/chat"
	"github.com/putto11262002/chatter-client/internal/metrics"
	"github.com/putto11262002/chatter-client/pkg/token"
	"github.com/putto11262002/chatter-client/rooms"
)

// shutdownTimeout bounds the cleanup functions run by Shutdown.
const shutdownTimeout = 10 * time.Second

// App wires the chat client components from a Config.
type App struct {
	config  *Config
	context context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	zap     *zap.Logger

	tokens   *token.CookieStore
	api      *api.Client
	channel  *chat.Channel
	session  *chat.Session
	rooms    *rooms.List
	notifier *rooms.Notifier

	registry *prometheus.Registry
	metrics  *http.Server

	mu           sync.Mutex
	cleanupFuncs []func(context.Context)
	shutdown     sync.Once

	wg sync.WaitGroup
}

// New builds an App. A nil ctx is cancelled by SIGINT, SIGTERM, SIGQUIT
// and SIGHUP; a nil config is loaded from the working directory.
func New(ctx context.Context, config *Config) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	app := &App{context: ctx, cancel: cancel}

	if config == nil {
		var err error
		config, err = LoadConfig("")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		cancel()
		return nil, errors.New(FormatValidationErrors(err))
	}
	app.config = config

	zl, logger, err := newLogger(config.Log.Level, config.Log.Format)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build logger: %w", err)
	}
	app.zap, app.logger = zl, logger
	app.AddCleanupFunc(func(context.Context) {
		// stderr sync fails on some terminals
		_ = app.zap.Sync()
	})

	app.tokens, err = token.NewCookieStore(config.API.URL, token.WithCookieName(config.Auth.Cookie))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("token store: %w", err)
	}
	if config.Auth.Token != "" {
		exp, _ := token.ExpiresAt(config.Auth.Token)
		app.tokens.SetToken(config.Auth.Token, exp)
	}

	app.api = api.New(config.API.URL, app.tokens,
		api.WithHTTPClient(&http.Client{Timeout: config.API.Timeout, Jar: app.tokens.Jar()}),
		api.WithLogger(logger.With(slog.String("component", "api"))))

	app.channel = chat.NewChannel(
		chat.StompDialer{
			URL:       config.WS.URL,
			Heartbeat: config.WS.Heartbeat,
			Logger:    logger.With(slog.String("component", "stomp")),
		},
		app.tokens,
		chat.WithDestinations(config.Destinations()),
		chat.WithReconnectDelay(config.WS.ReconnectDelay),
		chat.WithChannelLogger(logger.With(slog.String("component", "channel"))),
	)
	app.session = chat.NewSession(app.api, app.api, app.channel,
		chat.WithSessionLogger(logger.With(slog.String("component", "session"))))
	app.AddCleanupFunc(func(context.Context) {
		app.session.Shutdown()
	})

	app.rooms = rooms.NewList(app.api, rooms.WithListLogger(logger.With(slog.String("component", "rooms"))))
	app.notifier = rooms.NewNotifier(config.NotificationURL(), app.tokens,
		rooms.WithNotifierLogger(logger.With(slog.String("component", "notifier"))))

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector())
	metrics.Register(app.registry)

	return app, nil
}

func (app *App) Context() context.Context { return app.context }

func (app *App) Config() *Config { return app.config }

func (app *App) Logger() *slog.Logger { return app.logger }

func (app *App) API() *api.Client { return app.api }

func (app *App) Channel() *chat.Channel { return app.channel }

func (app *App) Session() *chat.Session { return app.session }

func (app *App) Rooms() *rooms.List { return app.rooms }

func (app *App) Notifier() *rooms.Notifier { return app.notifier }

// Start signs in when credentials are configured and no token is held,
// and serves /metrics when an address is configured.
func (app *App) Start() error {
	if _, err := app.tokens.Token(); err != nil && app.config.Auth.UserID != "" {
		ctx, cancel := context.WithTimeout(app.context, app.config.API.Timeout)
		defer cancel()
		if err := app.api.Login(ctx, app.config.Auth.UserID, app.config.Auth.Password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		app.logger.Info(fmt.Sprintf("signed in as %s", app.config.Auth.UserID))
	}

	if app.config.Metrics.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", app.config.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	app.metrics = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return app.context
		},
	}
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(fmt.Sprintf("metrics server: %v", err))
		}
	}()
	app.AddCleanupFunc(func(ctx context.Context) {
		app.metrics.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("metrics served on %s", ln.Addr()))
	return nil
}

// Shutdown runs the cleanup functions concurrently and reports whether they
// finished in time.
func (app *App) Shutdown() bool {
	ok := true
	app.shutdown.Do(func() {
		app.cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()

		app.mu.Lock()
		funcs := app.cleanupFuncs
		app.mu.Unlock()

		var wg sync.WaitGroup
		for _, f := range funcs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f(closeCtx)
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			app.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			ok = false
		}
	})
	return ok
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}
