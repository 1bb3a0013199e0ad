package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"asicast/internal/auth"
	"asicast/internal/config"
	"asicast/internal/encode"
	"asicast/internal/logging"
	"asicast/internal/session"
	"asicast/internal/source"
	"asicast/internal/store"
	"asicast/internal/stream"
	"asicast/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file")
		listenF = flag.String("listen", "", "HTTP listen address (overrides server.listen)")
		dbgF    = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asicast: %v\n", err)
		os.Exit(1)
	}
	if *listenF != "" {
		cfg.Server.Listen = *listenF
	}
	if *dbgF {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "asicast: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Server.Listen).Msg("failed to listen")
		logger.Close()
		os.Exit(1)
	}

	if err := run(ctx, cfg, *configF, ln, logger.Logger); err != nil {
		logger.Error().Err(err).Msg("exiting")
		logger.Close()
		os.Exit(1)
	}
	logger.Info().Msg("exited")
}

// run wires the service together, serves HTTP on ln and blocks until ctx is
// done or a component fails
func run(ctx context.Context, cfg *config.Config, configPath string, ln net.Listener, logger zerolog.Logger) error {
	defer ln.Close()

	var st *store.Store
	if cfg.Store.Path != "" {
		var err error
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close store")
			}
		}()
	}

	src, err := source.New(cfg.SourceOptions(), logger)
	if err != nil {
		return err
	}
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("open source %s: %w", cfg.Source.Device, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close source")
		}
	}()
	info := src.Info()
	logger.Info().Str("source", info.Name).Str("driver", info.Driver).Str("mode", string(info.Mode)).
		Int("width", info.Width).Int("height", info.Height).Msg("source opened")

	jpeg := encode.NewJPEGEncoder(cfg.Stream.JPEGQuality, cfg.Stream.PreviewWidth)
	hub := ws.NewHub(logger)
	mjpeg := stream.NewMJPEG(logger)

	opts := []session.Option{
		session.WithTopic(cfg.Stream.Topic),
		session.WithPublishInterval(cfg.PublishInterval()),
		session.WithTickInterval(cfg.TickInterval()),
		session.WithAcquireTimeout(cfg.AcquireTimeout()),
		session.WithEncoders(jpeg, encode.NewHistogramEncoder(jpeg)),
		session.WithOnDemand(cfg.Source.OnDemand),
		session.WithFrameListener(mjpeg.Publish),
		session.WithControlDefaults(cfg.InitialControls()),
	}
	if st != nil {
		opts = append(opts, session.WithStore(st))
	}
	sess := session.New(src, hub, logger, opts...)

	// Defaults and config file overrides are seeded by the session, values
	// clients set last time go on top
	if st != nil {
		saved, err := st.LoadControls(ctx)
		if err != nil {
			return err
		}
		sess.Controls().Seed(saved)
		startSessionRecord(ctx, st, sess, info, logger)
		defer endSessionRecord(st, sess, logger)
	}
	// Both transports count as subscribers for on-demand streaming
	var wsClients, mjpegClients atomic.Int64
	hub.Observe(func(n int) {
		wsClients.Store(int64(n))
		sess.SetSubscribers(int(wsClients.Load() + mjpegClients.Load()))
	})
	mjpeg.Observe(func(n int) {
		mjpegClients.Store(int64(n))
		sess.SetSubscribers(int(wsClients.Load() + mjpegClients.Load()))
	})

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		TokenTTL:  cfg.TokenTTL(),
	})
	if err != nil {
		return err
	}

	a := &api{
		session:  sess,
		hub:      hub,
		mjpeg:    mjpeg,
		source:   src,
		auth:     authenticator,
		started:  time.Now(),
		onDemand: cfg.Source.OnDemand,
		logger:   logger.With().Str("component", "HTTP").Logger(),
	}
	if st != nil {
		a.store = st
	}
	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{
		Topic:        sess.Topic(),
		MessageRate:  cfg.Stream.MessageRate,
		MessageBurst: cfg.Stream.MessageBurst,
		OnMessage: func(m ws.Message) {
			// Errors are logged by the session; the connection stays open
			_ = sess.HandleCommand(ctx, m.Text)
		},
	}, logger)
	srv := &http.Server{Handler: a.routes(wsHandler), ReadHeaderTimeout: 10 * time.Second}
	// Streaming handlers never finish on their own; end them as soon as
	// Shutdown starts so it only waits for ordinary requests
	srv.RegisterOnShutdown(hub.Close)
	srv.RegisterOnShutdown(mjpeg.Close)

	var pruner *store.Pruner
	if st != nil && cfg.Retention() > 0 {
		pruner, err = store.NewPruner(st, cfg.Store.PruneSchedule, cfg.Retention(), sess.ID(), logger)
		if err != nil {
			return fmt.Errorf("store.prune_schedule: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	// The session outlives the HTTP server so subscribers are gone before
	// the loops stop
	sessCtx, stopSession := context.WithCancel(context.Background())
	defer stopSession()

	g.Go(func() error {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sess.Run(sessCtx)
	})

	g.Go(func() error {
		<-gctx.Done()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopSession()
		if err != nil {
			return fmt.Errorf("HTTP shutdown: %w", err)
		}
		return nil
	})

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, func(next *config.Config) {
			applyHot(next, sess, jpeg, logger)
		}, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn().Err(err).Msg("config hot reload disabled")
			}
			return nil
		})
	}

	g.Go(func() error {
		return watchdog(gctx)
	})

	if pruner != nil {
		g.Go(func() error {
			return pruner.Run(gctx)
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug().Err(err).Msg("sd_notify failed")
	} else if ok {
		logger.Debug().Msg("notified systemd")
	}

	return g.Wait()
}

// applyHot applies the tunables that can change without a restart
func applyHot(cfg *config.Config, sess *session.Session, jpeg *encode.JPEGEncoder, logger zerolog.Logger) {
	sess.SetPublishInterval(cfg.PublishInterval())
	jpeg.SetQuality(cfg.Stream.JPEGQuality)
	jpeg.SetMaxWidth(cfg.Stream.PreviewWidth)
	level := logging.SetLevel(cfg.Log.Level)
	logger.Info().
		Dur("publish_interval", sess.PublishInterval()).
		Int("jpeg_quality", jpeg.Quality()).
		Int("preview_width", cfg.Stream.PreviewWidth).
		Str("log_level", level.String()).
		Msg("hot settings applied")
}

// watchdog pings the systemd watchdog when one is configured
func watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func startSessionRecord(ctx context.Context, st *store.Store, sess *session.Session, info source.Info, logger zerolog.Logger) {
	err := st.StartSession(ctx, &store.SessionRecord{
		ID:         sess.ID(),
		SourceName: info.Name,
		Driver:     info.Driver,
		Mode:       string(info.Mode),
		Width:      info.Width,
		Height:     info.Height,
		StartedAt:  time.Now(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record session start")
	}
}

func endSessionRecord(st *store.Store, sess *session.Session, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats := sess.Stats()
	if err := st.EndSession(ctx, sess.ID(), time.Now(), stats.FramesPublished, stats.Broadcasts); err != nil {
		logger.Warn().Err(err).Msg("failed to record session end")
	}
}
