package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/wahub/wahub/internal/adapter"
	"github.com/wahub/wahub/internal/authstore"
	"github.com/wahub/wahub/internal/config"
	"github.com/wahub/wahub/internal/frontend"
	"github.com/wahub/wahub/internal/logging"
	"github.com/wahub/wahub/internal/metrics"
	"github.com/wahub/wahub/internal/mock"
	"github.com/wahub/wahub/internal/session"
	"github.com/wahub/wahub/internal/webhook"
	"github.com/wahub/wahub/internal/whatsapp"
	"github.com/wahub/wahub/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// serveFlags maps serve flags onto config keys.
var serveFlags = map[string]string{
	"host":         "server.host",
	"port":         "server.port",
	"sessions-dir": "sessions.dir",
	"webhook-url":  "webhook.url",
	"static-dir":   "dashboard.static_dir",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"mock":         "mock",
}

func newServeCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Long: `Run the HTTP control API, the dashboard stream and every session.
Sessions with stored credentials are restored on start unless
sessions.restore_on_start is false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var dialer adapter.Dialer
			if cfg.Mock {
				logger.Info("Starting in mock mode")
				dialer = mock.NewSimulator()
			} else {
				dialer = whatsapp.NewDialer(logger)
			}

			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
			}
			return newApp(cfg, dialer, logger).serve(cmd.Context(), ln)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "", "listen host")
	flags.Int("port", 0, "listen port")
	flags.String("sessions-dir", "", "directory holding per-session credentials")
	flags.String("webhook-url", "", "URL that receives inbound messages")
	flags.String("static-dir", "", "serve the dashboard from this directory")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.Bool("mock", false, "simulate sessions instead of connecting to WhatsApp")

	return cmd
}

// loadConfig reads file and environment, then applies any flags the user
// set explicitly.
func loadConfig(configFile string, flags *pflag.FlagSet) (*config.Config, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return nil, err
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range serveFlags {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

// app is one fully wired server.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	manager     *session.Manager
	broadcaster *ws.Broadcaster
	relay       *webhook.Relay
	metrics     *metrics.Metrics
	handler     http.Handler
}

func newApp(cfg *config.Config, dialer adapter.Dialer, logger *slog.Logger) *app {
	registry := session.NewRegistry()

	broadcaster := ws.NewBroadcaster(registry, ws.BroadcasterOptions{
		SnapshotInterval: cfg.Dashboard.SnapshotInterval,
		MaxConnections:   cfg.Dashboard.MaxConnections,
		Privacy: &session.PrivacyFilter{
			MaskNumbers:     cfg.Dashboard.MaskNumbers,
			HideMessageText: cfg.Dashboard.HideMessageText,
		},
		Logger: logger.With(slog.String("component", "dashboard")),
	})
	m := metrics.New(registry, broadcaster.ClientCount)
	fanout := session.NewFanout(logger, broadcaster, m)

	relay := webhook.New(webhook.Options{
		URL:             cfg.Webhook.URL,
		Timeout:         cfg.Webhook.Timeout,
		BreakerFailures: cfg.Webhook.BreakerFailures,
		BreakerDelay:    cfg.Webhook.BreakerDelay,
		Publisher:       fanout,
		Recorder:        m,
		Logger:          logger.With(slog.String("component", "webhook")),
	})

	manager := session.NewManager(authstore.NewStore(cfg.Sessions.Dir), dialer, session.Options{
		Registry:              registry,
		Publisher:             fanout,
		Relay:                 relay,
		Logger:                logger,
		ReconnectInitialDelay: cfg.Reconnect.InitialDelay,
		ReconnectMaxDelay:     cfg.Reconnect.MaxDelay,
	})

	server := ws.NewServer(manager, broadcaster, ws.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Static:         staticHandler(cfg, logger),
		Metrics:        m.Handler(),
		Logger:         logger.With(slog.String("component", "http")),
	})

	return &app{
		cfg:         cfg,
		logger:      logger,
		manager:     manager,
		broadcaster: broadcaster,
		relay:       relay,
		metrics:     m,
		handler:     server.Handler(),
	}
}

func staticHandler(cfg *config.Config, logger *slog.Logger) http.Handler {
	if cfg.Dashboard.StaticDir != "" {
		logger.Info("Serving dashboard from directory", slog.String("dir", cfg.Dashboard.StaticDir))
		return http.FileServer(http.Dir(cfg.Dashboard.StaticDir))
	}
	h := frontend.Handler()
	if h == nil {
		logger.Info("No embedded dashboard; build with -tags embed or set dashboard.static_dir")
	}
	return h
}

// serve runs the HTTP server on ln and restores stored sessions, then
// shuts everything down once ctx is cancelled or the server fails.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Server running", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	restored := make(chan struct{})
	if a.cfg.Sessions.RestoreOnStart {
		g.Go(func() error {
			defer close(restored)
			if err := a.manager.RestoreSessions(gctx); err != nil {
				a.logger.Warn("Some sessions could not be restored", slog.Any("error", err))
			}
			return nil
		})
	} else {
		close(restored)
	}

	g.Go(func() error {
		<-gctx.Done()
		<-restored
		a.logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srvErr := srv.Shutdown(shutdownCtx)
		a.broadcaster.Stop()
		mgrErr := a.manager.Shutdown(shutdownCtx)
		a.relay.Wait()
		return errors.Join(srvErr, mgrErr)
	})

	return g.Wait()
}
