package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/pipeline"
	"optionflow/scheduler"
)

// SchedulerView is the scheduler state exposed by /api/status.
type SchedulerView interface {
	State() scheduler.State
	Cycles() int64
	NextDue() time.Time
}

// CycleView reports the most recent cycle outcome.
type CycleView interface {
	LastCycle() (pipeline.CycleStatus, bool)
}

var diskUsageFn = disk.UsageWithContext

// Server hosts the JSON status API.
type Server struct {
	cfg        config.StatusConfig
	app        config.OptionflowConfig
	symbol     string
	dataDir    string
	log        *logger.Log
	logStore   *logStore
	scheduler  SchedulerView
	cycles     CycleView
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer returns nil when the status API is disabled.
func NewServer(cfg *config.Config, log *logger.Log, sched SchedulerView, cycles CycleView) *Server {
	if !cfg.Status.Enabled {
		return nil
	}

	statusCfg := cfg.Status
	statusCfg.Address = normalizeAddress(statusCfg.Address)

	store := newLogStore(statusCfg.LogHistory, logrus.InfoLevel)
	log.AddHook(store)

	return &Server{
		cfg:       statusCfg,
		app:       cfg.Optionflow,
		symbol:    cfg.Source.NSE.Symbol,
		dataDir:   cfg.Writer.Directory,
		log:       log,
		logStore:  store,
		scheduler: sched,
		cycles:    cycles,
		startedAt: time.Now(),
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.logStore.close()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("status").WithFields(logger.Fields{"address": s.cfg.Address}).Info("serving status API")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/logs", s.handleLogs)
	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	payload := gin.H{
		"service": s.app.Name,
		"version": s.app.Version,
		"symbol":  s.symbol,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.scheduler != nil {
		sched := gin.H{
			"state":  s.scheduler.State().String(),
			"cycles": s.scheduler.Cycles(),
		}
		if due := s.scheduler.NextDue(); !due.IsZero() {
			sched["next_due"] = due.Format(time.RFC3339)
		}
		payload["scheduler"] = sched
	}

	if s.cycles != nil {
		if last, ok := s.cycles.LastCycle(); ok {
			payload["last_cycle"] = last
		}
	}

	counters := logger.Snapshot()
	payload["counters"] = gin.H{
		"cycles":          counters.Cycles,
		"cycle_failures":  counters.CycleFailures,
		"records_written": counters.RecordsWritten,
		"bytes_written":   counters.BytesWritten,
		"uploads":         counters.Uploads,
		"upload_failures": counters.UploadFailures,
		"warnings":        counters.Warns,
		"errors":          counters.Errors,
	}

	if usage, err := diskUsageFn(c.Request.Context(), s.dataDir); err == nil {
		payload["storage"] = gin.H{
			"path":         s.dataDir,
			"used":         usage.Used,
			"total":        usage.Total,
			"used_percent": usage.UsedPercent,
		}
	}

	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleLogs(c *gin.Context) {
	logs := s.logStore.snapshot()
	if level := strings.ToLower(c.Query("level")); level != "" {
		filtered := logs[:0:0]
		for _, l := range logs {
			if l.Level == level {
				filtered = append(filtered, l)
			}
		}
		logs = filtered
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
