package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/processor"
	"optionflow/reader/nse"
)

// Stage names used in errors, logs and metrics.
const (
	StageBootstrap = "bootstrap"
	StageFetch     = "fetch"
	StagePersist   = "persist"
)

// SessionSource hands out upstream sessions.
type SessionSource interface {
	Acquire(ctx context.Context) (*nse.Session, error)
	Release(session *nse.Session, fetchErr error)
}

// ChainFetcher retrieves the raw option chain through a session.
type ChainFetcher interface {
	Fetch(ctx context.Context, session *nse.Session, symbol string) ([]models.RawChainItem, error)
}

// SnapshotStore persists a snapshot and reports the files it produced.
type SnapshotStore interface {
	Write(snapshot models.Snapshot) (string, error)
	Outputs(path string) []string
}

// Mirror copies a written file to remote storage.
type Mirror interface {
	Upload(ctx context.Context, path string) (models.MirrorAck, error)
}

// StageError attributes a cycle failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Result summarises one successful cycle.
type Result struct {
	CycleID     string
	CaptureTime time.Time
	Path        string
	Records     int
	Bytes       int64
	Uploaded    []models.MirrorAck
	MirrorErrs  []error
	Duration    time.Duration
}

// CycleStatus describes the most recent cycle.
type CycleStatus struct {
	CycleID      string    `json:"cycle_id"`
	FinishedAt   time.Time `json:"finished_at"`
	OK           bool      `json:"ok"`
	Stage        string    `json:"stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	Path         string    `json:"path,omitempty"`
	Records      int       `json:"records"`
	MirrorErrors int       `json:"mirror_errors"`
	DurationMs   int64     `json:"duration_ms"`
}

// Pipeline runs bootstrap, fetch, flatten, write and mirror as one cycle.
type Pipeline struct {
	symbol    string
	sessions  SessionSource
	fetcher   ChainFetcher
	flattener *processor.Flattener
	store     SnapshotStore
	mirror    Mirror
	log       *logger.Log
	now       func() time.Time

	mu   sync.RWMutex
	last *CycleStatus
}

// New builds a pipeline for symbol. mirror may be nil.
func New(symbol string, sessions SessionSource, fetcher ChainFetcher, store SnapshotStore, mirror Mirror) *Pipeline {
	return &Pipeline{
		symbol:    symbol,
		sessions:  sessions,
		fetcher:   fetcher,
		flattener: processor.NewFlattener(),
		store:     store,
		mirror:    mirror,
		log:       logger.GetLogger(),
		now:       time.Now,
	}
}

// RunCycle executes one cycle. A mirror failure is logged and reported in
// the result but does not fail the cycle.
func (p *Pipeline) RunCycle(ctx context.Context) (Result, error) {
	start := time.Now()
	cycleID := uuid.New().String()
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"cycle_id": cycleID,
		"symbol":   p.symbol,
	})

	result, err := p.run(ctx, log)
	result.CycleID = cycleID
	result.Duration = time.Since(start)

	status := CycleStatus{
		CycleID:      cycleID,
		FinishedAt:   time.Now(),
		OK:           err == nil,
		Path:         result.Path,
		Records:      result.Records,
		MirrorErrors: len(result.MirrorErrs),
		DurationMs:   result.Duration.Milliseconds(),
	}
	if err != nil {
		status.Error = err.Error()
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			status.Stage = stageErr.Stage
			metrics.IncrementStageError(p.symbol, stageErr.Stage)
		}
		p.setLast(status)
		logger.RecordCycle(false, 0, 0)
		metrics.ObserveCycle(p.symbol, false, 0, result.Duration)
		return result, err
	}

	p.setLast(status)
	logger.RecordCycle(true, result.Records, result.Bytes)
	metrics.ObserveCycle(p.symbol, true, result.Records, result.Duration)

	log.WithFields(logger.Fields{
		"path":        result.Path,
		"records":     result.Records,
		"bytes":       result.Bytes,
		"uploaded":    len(result.Uploaded),
		"duration_ms": result.Duration.Milliseconds(),
	}).Info("snapshot saved")
	return result, nil
}

// LastCycle returns the outcome of the most recent cycle, if any has run.
func (p *Pipeline) LastCycle() (CycleStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return CycleStatus{}, false
	}
	return *p.last, true
}

func (p *Pipeline) setLast(status CycleStatus) {
	p.mu.Lock()
	p.last = &status
	p.mu.Unlock()
}

func (p *Pipeline) run(ctx context.Context, log *logger.Entry) (Result, error) {
	session, err := p.sessions.Acquire(ctx)
	if err != nil {
		return Result{}, &StageError{Stage: StageBootstrap, Err: err}
	}

	items, err := p.fetcher.Fetch(ctx, session, p.symbol)
	p.sessions.Release(session, err)
	if err != nil {
		return Result{}, &StageError{Stage: StageFetch, Err: err}
	}

	captureTime := p.now()
	snapshot := p.flattener.Snapshot(p.symbol, items, captureTime)

	path, err := p.store.Write(snapshot)
	if err != nil {
		return Result{}, &StageError{Stage: StagePersist, Err: err}
	}

	result := Result{
		CaptureTime: captureTime,
		Path:        path,
		Records:     len(snapshot.Records),
	}

	outputs := p.store.Outputs(path)
	for _, out := range outputs {
		if info, err := os.Stat(out); err == nil {
			result.Bytes += info.Size()
		}
	}

	if p.mirror == nil {
		return result, nil
	}

	for _, out := range outputs {
		ack, err := p.mirror.Upload(ctx, out)
		logger.RecordUpload(err == nil)
		metrics.IncrementMirror(p.symbol, err == nil)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"path": out}).Warn("remote mirror failed; local snapshot kept")
			result.MirrorErrs = append(result.MirrorErrs, err)
			continue
		}
		result.Uploaded = append(result.Uploaded, ack)
	}
	return result, nil
}
