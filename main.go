package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/internal/status"
	"optionflow/logger"
	"optionflow/pipeline"
	"optionflow/reader/nse"
	"optionflow/scheduler"
	"optionflow/writer"
)

func main() {
	startedAt := time.Now()
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := config.ResolveConfigPath()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": configPath}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":        cfg.Optionflow.Name,
		"version":        cfg.Optionflow.Version,
		"environment":    config.AppEnvironment(),
		"config":         configPath,
		"symbol":         cfg.Source.NSE.Symbol,
		"interval":       cfg.Scheduler.Interval.String(),
		"session_policy": cfg.Source.NSE.SessionPolicy,
		"directory":      cfg.Writer.Directory,
	}).Info("starting optionflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if logger.IsReportLevel(cfg.Logging.Level) {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.Metrics.Prometheus.Enabled {
		metrics.Init(ctx, cfg.Metrics.Prometheus.Address)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	limiter := nse.NewLimiter(cfg.Source.NSE.RateLimit)
	sessions := nse.NewSessionProvider(nse.NewBootstrapper(cfg.Source.NSE, limiter), cfg.Source.NSE.SessionPolicy)
	fetcher := nse.NewFetcher(cfg.Source.NSE, limiter)
	store := writer.NewSnapshotWriter(cfg.Writer)

	var mirror pipeline.Mirror
	if cfg.Storage.S3.Enabled {
		s3Mirror, err := writer.NewS3Mirror(ctx, cfg.Storage.S3, cfg.Optionflow.Version)
		if err != nil {
			log.WithError(err).Error("failed to create S3 mirror")
			os.Exit(1)
		}
		mirror = s3Mirror
	} else {
		log.WithComponent("main").Info("S3 storage disabled; snapshots stay local")
	}

	p := pipeline.New(cfg.Source.NSE.Symbol, sessions, fetcher, store, mirror)
	sched := scheduler.New(cfg.Scheduler, scheduler.RunnerFunc(func(ctx context.Context) error {
		_, err := p.RunCycle(ctx)
		return err
	}))

	if srv := status.NewServer(cfg, log, sched, p); srv != nil {
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).WithComponent("status").Error("status API stopped")
			}
		}()
	}

	if err := sched.Run(ctx); err != nil {
		log.WithError(err).Error("scheduler exited")
	}

	counters := logger.Snapshot()
	log.WithFields(logger.Fields{
		"cycles":         counters.Cycles,
		"cycle_failures": counters.CycleFailures,
		"records":        counters.RecordsWritten,
		"uptime":         time.Since(startedAt).Round(time.Second).String(),
	}).Info("optionflow stopped")
}
