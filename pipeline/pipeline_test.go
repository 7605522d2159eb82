package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"optionflow/config"
	"optionflow/models"
	"optionflow/reader/nse"
	"optionflow/scheduler"
	"optionflow/writer"
)

const examplePayload = `{"records":{"data":[{"strikePrice":19500,"expiryDate":"30-Jan-2025",
"CE":{"lastPrice":120.5,"openInterest":4500,"changeinOpenInterest":150},
"PE":{"lastPrice":95.0,"openInterest":3000,"changeinOpenInterest":-50}}]}}`

type fakeMirror struct {
	err   error
	paths []string
}

func (m *fakeMirror) Upload(ctx context.Context, path string) (models.MirrorAck, error) {
	m.paths = append(m.paths, path)
	if m.err != nil {
		return models.MirrorAck{}, &writer.MirrorError{Path: path, Location: "s3://test", Err: m.err}
	}
	return models.MirrorAck{Location: "s3://test/" + filepath.Base(path)}, nil
}

func newUpstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "bm_sv", Value: "x", Path: "/"})
	})
	mux.HandleFunc("/api/option-chain-indices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newPipeline(t *testing.T, baseURL string, mirror Mirror, parquet bool) (*Pipeline, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Source.NSE.BaseURL = baseURL
	cfg.Source.NSE.CloudflareBypass = false
	cfg.Source.NSE.RateLimit = config.RateLimitConfig{}
	cfg.Writer.Directory = filepath.Join(t.TempDir(), "data")
	cfg.Writer.Formats.Parquet.Enabled = parquet

	limiter := nse.NewLimiter(cfg.Source.NSE.RateLimit)
	sessions := nse.NewSessionProvider(nse.NewBootstrapper(cfg.Source.NSE, limiter), cfg.Source.NSE.SessionPolicy)
	fetcher := nse.NewFetcher(cfg.Source.NSE, limiter)
	store := writer.NewSnapshotWriter(cfg.Writer)

	p := New("NIFTY", sessions, fetcher, store, mirror)
	p.now = func() time.Time { return time.Date(2025, 1, 20, 10, 15, 0, 0, time.UTC) }
	return p, cfg.Writer.Directory
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return rows
}

func TestRunCycleEndToEnd(t *testing.T) {
	srv := newUpstream(t, http.StatusOK, examplePayload)
	mirror := &fakeMirror{}
	p, dir := newPipeline(t, srv.URL, mirror, false)

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.CycleID == "" || res.Records != 2 || res.Bytes == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if want := filepath.Join(dir, "nifty_option_data_20250120_101500.csv"); res.Path != want {
		t.Fatalf("unexpected path %s", res.Path)
	}

	want := [][]string{
		{"timestamp", "expiry", "strike", "legType", "lastPrice", "openInterest", "changeInOpenInterest"},
		{"2025-01-20 10:15:00.000000", "30-Jan-2025", "19500", "CALL", "120.5", "4500", "150"},
		{"2025-01-20 10:15:00.000000", "30-Jan-2025", "19500", "PUT", "95", "3000", "-50"},
	}
	if diff := cmp.Diff(want, readRows(t, res.Path)); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if len(mirror.paths) != 1 || mirror.paths[0] != res.Path || len(res.Uploaded) != 1 {
		t.Errorf("expected one upload of %s, got %v", res.Path, mirror.paths)
	}
}

func TestRunCycleMirrorFailureKeepsSnapshot(t *testing.T) {
	srv := newUpstream(t, http.StatusOK, examplePayload)
	mirror := &fakeMirror{err: errors.New("access denied")}
	p, _ := newPipeline(t, srv.URL, mirror, true)

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("mirror failure must not fail the cycle: %v", err)
	}
	if len(mirror.paths) != 2 {
		t.Fatalf("expected csv and parquet uploads to be attempted, got %v", mirror.paths)
	}
	if len(res.MirrorErrs) != 2 || len(res.Uploaded) != 0 {
		t.Fatalf("unexpected mirror outcome %+v", res)
	}
	var mirrorErr *writer.MirrorError
	if !errors.As(res.MirrorErrs[0], &mirrorErr) {
		t.Errorf("expected MirrorError, got %v", res.MirrorErrs[0])
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("local snapshot missing: %v", err)
	}
}

func TestRunCycleFetchFailure(t *testing.T) {
	srv := newUpstream(t, http.StatusServiceUnavailable, "")
	mirror := &fakeMirror{}
	p, dir := newPipeline(t, srv.URL, mirror, false)

	_, err := p.RunCycle(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageFetch {
		t.Fatalf("expected fetch stage error, got %v", err)
	}
	var fetchErr *nse.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected FetchError 503, got %v", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Errorf("no snapshot should be written on fetch failure")
	}
	if len(mirror.paths) != 0 {
		t.Errorf("mirror should not run on fetch failure")
	}
}

func TestRunCycleMissingDataWritesHeaderOnly(t *testing.T) {
	srv := newUpstream(t, http.StatusOK, `{"filtered":{}}`)
	p, _ := newPipeline(t, srv.URL, nil, false)

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rows := readRows(t, res.Path)
	if res.Records != 0 || len(rows) != 1 {
		t.Fatalf("expected header-only snapshot, got %d records and %v", res.Records, rows)
	}
}

func TestRunCycleBootstrapFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := newPipeline(t, url, nil, false)
	_, err := p.RunCycle(context.Background())
	var connErr *nse.ConnectivityError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageBootstrap {
		t.Fatalf("expected bootstrap stage, got %v", err)
	}
}

func TestLastCycleTracksOutcome(t *testing.T) {
	srv := newUpstream(t, http.StatusForbidden, "")
	p, _ := newPipeline(t, srv.URL, nil, false)

	if _, ok := p.LastCycle(); ok {
		t.Fatal("no cycle has run yet")
	}
	if _, err := p.RunCycle(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	last, ok := p.LastCycle()
	if !ok || last.OK || last.Stage != StageFetch || last.Error == "" || last.CycleID == "" {
		t.Fatalf("unexpected last cycle %+v", last)
	}
}

func TestSchedulerRecoversAfterFetchFailure(t *testing.T) {
	var requests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/option-chain-indices", func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(examplePayload))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, dir := newPipeline(t, srv.URL, nil, false)

	var mu sync.Mutex
	var errs []error
	sched := scheduler.New(config.SchedulerConfig{Interval: 30 * time.Millisecond, PollTick: 5 * time.Millisecond},
		scheduler.RunnerFunc(func(ctx context.Context) error {
			_, err := p.RunCycle(ctx)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return err
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("scheduler returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) < 2 {
		t.Fatalf("expected at least two cycles, got %d", len(errs))
	}
	var fetchErr *nse.FetchError
	if !errors.As(errs[0], &fetchErr) || fetchErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("first cycle should fail with FetchError 503, got %v", errs[0])
	}
	if errs[1] != nil {
		t.Fatalf("next cycle should succeed, got %v", errs[1])
	}
	if _, err := os.Stat(filepath.Join(dir, "nifty_option_data_20250120_101500.csv")); err != nil {
		t.Errorf("snapshot from the recovered cycle missing: %v", err)
	}
	if last, ok := p.LastCycle(); !ok || !last.OK {
		t.Errorf("last cycle should be successful: %+v", last)
	}
}
