package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/antoncomputershare/reverse-proxy/internal/balancer"
	"github.com/antoncomputershare/reverse-proxy/internal/client"
	"github.com/antoncomputershare/reverse-proxy/internal/config"
	"github.com/antoncomputershare/reverse-proxy/internal/handler"
	"github.com/antoncomputershare/reverse-proxy/internal/metrics"
	"github.com/antoncomputershare/reverse-proxy/internal/middleware"
	"github.com/antoncomputershare/reverse-proxy/internal/route"
	"github.com/antoncomputershare/reverse-proxy/internal/service"
	"github.com/antoncomputershare/reverse-proxy/internal/telemetry"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI is the top-level command line.
type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit."`

	Run    RunCmd    `cmd:"" default:"withargs" help:"Start the proxy and control listeners."`
	Status StatusCmd `cmd:"" help:"Print health and counters of a running proxy."`
}

// RunCmd starts the proxy.
type RunCmd struct {
	config.RunCLI `embed:""`
}

// StatusCmd reads the control surface of a running proxy once.
type StatusCmd struct {
	Control string        `help:"Control listener base URL." default:"http://127.0.0.1:9000" env:"CHARLES_CONTROL_URL"`
	Timeout time.Duration `help:"Request timeout." default:"5s"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("charles"),
		kong.Description("Host and path based HTTP reverse proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// Run builds the fx graph and blocks until SIGINT/SIGTERM. A listener that
// fails to bind aborts startup and exits non-zero.
func (r *RunCmd) Run() error {
	fx.New(
		fx.Supply(&r.RunCLI),
		fx.Provide(
			config.Load,
			newLogger,
			telemetry.NewStore,
			metrics.New,
			newRouteTable,
			newSelector,
			client.NewUpstreamClient,
			service.NewForwarder,
			handler.NewProxyHandler,
			handler.NewControlHandler,
			fx.Annotate(newProxyEcho, fx.ResultTags(`name:"proxy"`)),
			fx.Annotate(newControlEcho, fx.ResultTags(`name:"control"`)),
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Invoke(registerRoutes, registerStoreMetrics, warnConfig, startServers),
	).Run()
	return nil
}

// Run prints a one-shot view of the control surface.
func (s *StatusCmd) Run() error {
	c := client.NewControlClient(s.Control, s.Timeout)
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	m, err := c.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	fmt.Printf("control:          %s\n", s.Control)
	fmt.Printf("health:           %s\n", health)
	fmt.Printf("total requests:   %d\n", m.TotalRequests)
	fmt.Printf("active requests:  %d\n", m.ActiveRequests)
	fmt.Printf("total errors:     %d\n", m.TotalErrors)
	fmt.Printf("upstreams:        %d\n", len(m.Upstreams))
	for _, u := range m.Upstreams {
		state := "healthy"
		if !u.Healthy {
			state = "unhealthy"
		}
		fmt.Printf("  %s  %s  failures=%d\n", u.URL, state, u.Failures)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newRouteTable(cfg *config.Config, logger *slog.Logger) *route.Table {
	t := cfg.RouteTable()
	logger.Info("route table loaded", "routes", t.Len())
	return t
}

func newSelector(cfg *config.Config, logger *slog.Logger) (balancer.Selector, error) {
	sel, err := balancer.New(cfg.Upstream.Selector)
	if err != nil {
		return nil, err
	}
	logger.Info("upstream selector", "strategy", sel.Name())
	return sel, nil
}

// newProxyEcho builds the proxy listener. It adds no response headers of its
// own so upstream responses reach the client unmodified.
func newProxyEcho(logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// No ReadTimeout or WriteTimeout: request and response bodies are
	// streamed and bounded by the upstream client timeout instead.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(middleware.RequestLogger(logger.With("component", "proxy_access")))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.Recover())

	return e
}

func newControlEcho(cfg *config.Config, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ControlErrorHandler(logger)

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger.With("component", "control_access")))
	e.Use(middleware.SecurityHeaders())

	if cfg.Control.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Control.RateLimit.RequestsPerSecond))
		logger.Info("control rate limiter enabled", "rps", cfg.Control.RateLimit.RequestsPerSecond)
	}

	return e
}

type echoServers struct {
	fx.In

	Proxy   *echo.Echo `name:"proxy"`
	Control *echo.Echo `name:"control"`
}

func registerRoutes(s echoServers, proxy *handler.ProxyHandler, control *handler.ControlHandler) {
	handler.RegisterProxyRoutes(s.Proxy, proxy)
	handler.RegisterControlRoutes(s.Control, control)
}

func registerStoreMetrics(m *metrics.Metrics, store *telemetry.Store) {
	m.RegisterStore(store)
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnUpstreams(logger)
}

func startServers(lc fx.Lifecycle, s echoServers, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	serve(lc, logger, "proxy", cfg.Listen, s.Proxy.Server)
	serve(lc, logger, "control", cfg.Control.Listen, s.Control.Server)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
		serve(lc, logger, "metrics", cfg.Metrics.Listen, &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
}

// serve binds addr when the app starts and shuts srv down when it stops.
func serve(lc fx.Lifecycle, logger *slog.Logger, name, addr string, srv *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
			}
			logger.Info("starting server", "listener", name, "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "listener", name, "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "listener", name)
			return srv.Shutdown(ctx)
		},
	})
}
