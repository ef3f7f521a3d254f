// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/statusboard/internal/config"
	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/identity"
	"github.com/bissquit/statusboard/internal/notifications"
	"github.com/bissquit/statusboard/internal/notifications/email"
	"github.com/bissquit/statusboard/internal/notifications/live"
	"github.com/bissquit/statusboard/internal/notifications/mailqueue"
	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
	"github.com/bissquit/statusboard/internal/pkg/httputil"
	"github.com/bissquit/statusboard/internal/pkg/metrics"
	"github.com/bissquit/statusboard/internal/pkg/postgres"
	"github.com/bissquit/statusboard/internal/status"
	statuspostgres "github.com/bissquit/statusboard/internal/status/postgres"
	"github.com/bissquit/statusboard/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	registry   *notifications.Registry
	dispatcher *notifications.Dispatcher
	closers    []io.Closer
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.MigrationsDir != "" {
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
		registry:      notifications.NewRegistry(),
	}

	go metrics.CollectDBPoolMetrics(metricsCtx, db, 15*time.Second)

	router, err := app.setupRouter(connectCtx)
	if err != nil {
		app.closeResources()
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers and blocks until the main server stops.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, drains in-flight notifications, closes live
// connections and releases the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	addErr := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			addErr(fmt.Errorf("shutdown server: %w", err))
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			addErr(fmt.Errorf("shutdown metrics server: %w", err))
		}
	}()

	wg.Wait()

	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			addErr(err)
		}
	}

	// Live connections are hijacked, so server.Shutdown does not wait for them.
	a.registry.CloseAll()

	a.closeResources()
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) closeResources() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close resource", "error", err)
		}
	}
	a.closers = nil
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Registry returns the live subscriber registry. Used in tests.
func (a *App) Registry() *notifications.Registry {
	return a.registry
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	repo := statuspostgres.NewRepository(a.db)

	var dispatcher status.Dispatcher
	if a.config.Notifications.Enabled {
		d, err := a.setupDispatcher(ctx, repo)
		if err != nil {
			return nil, err
		}
		a.dispatcher = d
		dispatcher = d
	}

	mode := notifications.ModeFireAndForget
	if a.config.Notifications.AwaitDelivery {
		mode = notifications.ModeAwaited
	}

	statusHandler := status.NewHandler(status.NewService(repo, dispatcher, mode))
	liveHandler := live.NewHandler(a.registry, live.Config{
		PingInterval:   a.config.Notifications.Push.PingInterval,
		WriteTimeout:   a.config.Notifications.Push.SendTimeout,
		MaxMessageSize: a.config.Notifications.Push.MaxMessageSize,
		AllowedOrigins: a.config.CORS.AllowedOrigins,
	})

	validator, err := identity.NewValidator(identity.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; must stay outside the request timeout.
		liveHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			statusHandler.RegisterPublicRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.AuthMiddleware(validator))

				statusHandler.RegisterUserRoutes(r)

				r.Group(func(r chi.Router) {
					r.Use(httputil.RequireRole(domain.RoleOperator))
					statusHandler.RegisterOperatorRoutes(r)
				})
			})
		})
	})

	return r, nil
}

func (a *App) setupDispatcher(ctx context.Context, repo *statuspostgres.Repository) (*notifications.Dispatcher, error) {
	cfg := a.config.Notifications

	slog.Info("notifications configured",
		"email_enabled", cfg.Email.Enabled,
		"email_transport", cfg.Email.Transport,
		"await_delivery", cfg.AwaitDelivery,
	)

	var emailChannel notifications.EmailChannel
	if cfg.Email.Enabled {
		transport, err := a.mailTransport(ctx)
		if err != nil {
			return nil, err
		}

		renderer, err := notifications.NewRenderer(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("create email renderer: %w", err)
		}

		emailChannel = notifications.NewEmailNotifier(repo, transport, renderer, notifications.EmailConfig{
			Concurrency: cfg.Email.Concurrency,
			SendTimeout: cfg.Email.SendTimeout,
		})
	} else {
		slog.Warn("email channel is disabled: state changes will only be pushed to live viewers")
	}

	push := notifications.NewPushNotifier(a.registry, notifications.PushConfig{
		SendTimeout: cfg.Push.SendTimeout,
	})

	return notifications.NewDispatcher(emailChannel, push,
		notifications.WithAggregator(status.NewAggregator(repo)),
	), nil
}

func (a *App) mailTransport(ctx context.Context) (notifications.MailTransport, error) {
	cfg := a.config.Notifications

	if cfg.Email.Transport == config.TransportAMQP {
		t, err := mailqueue.NewTransport(ctx, mailqueue.Config{
			URL:             cfg.AMQP.URL,
			Exchange:        cfg.AMQP.Exchange,
			RoutingKey:      cfg.AMQP.RoutingKey,
			Queue:           cfg.AMQP.Queue,
			ConnectAttempts: cfg.AMQP.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("create mail queue transport: %w", err)
		}
		a.closers = append(a.closers, t)
		return t, nil
	}

	sender, err := email.NewSender(email.Config{
		Enabled:       true,
		SMTPHost:      cfg.Email.SMTPHost,
		SMTPPort:      cfg.Email.SMTPPort,
		SMTPUser:      cfg.Email.SMTPUser,
		SMTPPassword:  cfg.Email.SMTPPassword,
		FromAddress:   cfg.Email.FromAddress,
		RatePerSecond: cfg.Email.RatePerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("create smtp sender: %w", err)
	}
	return sender, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
