package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/config"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	"github.com/fyrsmithlabs/metapod/internal/events"
	api "github.com/fyrsmithlabs/metapod/internal/http"
	"github.com/fyrsmithlabs/metapod/internal/logging"
	"github.com/fyrsmithlabs/metapod/internal/providers/approvaldir"
	"github.com/fyrsmithlabs/metapod/internal/secrets"
	"github.com/fyrsmithlabs/metapod/internal/session"
	"github.com/fyrsmithlabs/metapod/internal/telemetry"
)

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads configuration and initializes logging and telemetry
//  2. Locks and opens the session store
//  3. Connects to NATS when configured
//  4. Builds the providers and the coordinator
//  5. Resumes sessions left active by an earlier run (engine.auto_resume)
//  6. Serves the HTTP API and watches the approval inbox
//  7. Shuts everything down when ctx is cancelled
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	d, err := newDaemon(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info(ctx, "starting metapodd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Dir),
		zap.String("inbox", d.inboxDir()),
		zap.Bool("nats", d.nc != nil),
		zap.Bool("dry_run", cfg.Engine.DryRun))

	if cfg.Engine.AutoResume {
		resumeActive(ctx, d.coord, zl)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("approval inbox: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return errors.Join(d.server.Shutdown(sctx), d.coord.Shutdown(sctx))
	})

	err = g.Wait()
	logger.Info(context.Background(), "metapodd stopped")
	return err
}

// daemon holds the long-lived components of one run.
type daemon struct {
	cfg     *config.Config
	lock    *session.Lock
	nc      *nats.Conn
	coord   *coordinator.Coordinator
	watcher *approvaldir.Watcher
	server  *api.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (_ *daemon, err error) {
	zl := logger.Underlying()
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Store.Dir, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if d.lock, err = session.AcquireLock(filepath.Join(cfg.Store.Dir, "metapodd.pid")); err != nil {
		return nil, err
	}
	store, err := session.NewFileStore(cfg.Store.Dir, zl.Named("store"))
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		if d.nc, err = events.Connect(cfg.NATS.URL, "metapodd", zl.Named("nats")); err != nil {
			return nil, err
		}
		publisher = events.NewNATSPublisher(d.nc, cfg.NATS.SubjectPrefix)
	}

	scrubber, err := newScrubber(cfg)
	if err != nil {
		return nil, err
	}

	caps, err := capabilities(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}

	ccfg, err := coordinator.FromSettings(cfg)
	if err != nil {
		return nil, err
	}

	// The watcher delivers into the coordinator, which does not exist yet.
	var coord *coordinator.Coordinator
	var notify func(autonomy.Prompt)
	if !cfg.Approval.DisableInbox {
		d.watcher, err = approvaldir.New(cfg.Approval.InboxDir, func(ctx context.Context, id string, dec autonomy.Decision) error {
			_, err := coord.Approve(ctx, id, dec)
			return err
		}, zl.Named("inbox"))
		if err != nil {
			return nil, err
		}
		notify = d.watcher.Publish
	}

	coord, err = coordinator.New(caps, ccfg,
		coordinator.WithStore(store),
		coordinator.WithChannel(autonomy.NewInbox(notify)),
		coordinator.WithEvents(publisher),
		coordinator.WithScrubber(scrubber),
		coordinator.WithTelemetry(tel.MeterProvider(), tel.TracerProvider()),
		coordinator.WithLogger(logger.Named("coordinator")),
	)
	if err != nil {
		return nil, err
	}
	d.coord = coord

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		api.NewSessionCollector(coord, zl.Named("collector")),
	)
	d.server, err = api.NewServer(coord, zl.Named("http"),
		&api.Config{Host: "localhost", Port: cfg.Server.Port},
		api.WithBreakers(coord.Executor()),
		api.WithRegistry(reg),
		api.WithVersion(version),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) inboxDir() string {
	if d.watcher == nil {
		return ""
	}
	return d.watcher.Dir()
}

// Close releases the NATS connection and the store lock.
func (d *daemon) Close() {
	if d.nc != nil {
		d.nc.Close()
	}
	if d.lock != nil {
		_ = d.lock.Release()
	}
}

// resumeActive relaunches the drivers of persisted sessions that were still
// active when the previous daemon stopped.
func resumeActive(ctx context.Context, coord *coordinator.Coordinator, logger *zap.Logger) {
	infos, err := coord.List(ctx)
	if err != nil {
		logger.Warn("listing sessions for resume failed", zap.Error(err))
		return
	}
	for _, info := range infos {
		if info.Archived || info.Status != session.StatusActive {
			continue
		}
		if _, err := coord.Resume(ctx, info.ID); err != nil {
			logger.Warn("resume failed", zap.String("session_id", info.ID), zap.Error(err))
			continue
		}
		logger.Info("resumed session", zap.String("session_id", info.ID), zap.String("phase", string(info.Phase)))
	}
}

// initLogger builds the zap logger, bridged to the global OTEL logger provider
// when logging.otel is set.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if lcfg.Output.OTEL {
		return logging.NewLogger(lcfg, global.GetLoggerProvider())
	}
	return logging.NewLogger(lcfg, nil)
}

func newScrubber(cfg *config.Config) (secrets.Scrubber, error) {
	if cfg.Secrets.Disabled {
		return secrets.Nop(), nil
	}
	allow, err := secrets.LoadAllowlists("", cfg.Secrets.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading secret allowlist: %w", err)
	}
	scrubber, err := secrets.New(allow)
	if err != nil {
		return nil, err
	}
	return scrubber, nil
}
