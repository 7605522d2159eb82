package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Counters is a point-in-time copy of the process-wide cycle counters.
type Counters struct {
	Warns          int64
	Errors         int64
	Cycles         int64
	CycleFailures  int64
	RecordsWritten int64
	BytesWritten   int64
	Uploads        int64
	UploadFailures int64
}

var (
	warns          int64
	errorsLogged   int64
	cycles         int64
	cycleFailures  int64
	recordsWritten int64
	bytesWritten   int64
	uploads        int64
	uploadFailures int64
)

func recordWarn()  { atomic.AddInt64(&warns, 1) }
func recordError() { atomic.AddInt64(&errorsLogged, 1) }

// RecordCycle counts one finished cycle.
func RecordCycle(ok bool, records int, bytes int64) {
	atomic.AddInt64(&cycles, 1)
	if !ok {
		atomic.AddInt64(&cycleFailures, 1)
		return
	}
	atomic.AddInt64(&recordsWritten, int64(records))
	atomic.AddInt64(&bytesWritten, bytes)
}

// RecordUpload counts one remote mirror attempt.
func RecordUpload(ok bool) {
	atomic.AddInt64(&uploads, 1)
	if !ok {
		atomic.AddInt64(&uploadFailures, 1)
	}
}

// Snapshot returns the current counter values.
func Snapshot() Counters {
	return Counters{
		Warns:          atomic.LoadInt64(&warns),
		Errors:         atomic.LoadInt64(&errorsLogged),
		Cycles:         atomic.LoadInt64(&cycles),
		CycleFailures:  atomic.LoadInt64(&cycleFailures),
		RecordsWritten: atomic.LoadInt64(&recordsWritten),
		BytesWritten:   atomic.LoadInt64(&bytesWritten),
		Uploads:        atomic.LoadInt64(&uploads),
		UploadFailures: atomic.LoadInt64(&uploadFailures),
	}
}

// StartReport begins periodic logging of system and cycle statistics until
// ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	c := Snapshot()
	fields := Fields{
		"warns":           c.Warns,
		"errors":          c.Errors,
		"cycles":          c.Cycles,
		"cycle_failures":  c.CycleFailures,
		"records_written": c.RecordsWritten,
		"bytes_written":   c.BytesWritten,
		"uploads":         c.Uploads,
		"upload_failures": c.UploadFailures,
		"goroutines":      runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		fields["disk_mb"] = int64(du.Used) / 1024 / 1024
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
