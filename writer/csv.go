package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

const (
	fileTimeFormat   = "20060102_150405"
	recordTimeFormat = "2006-01-02 15:04:05.000000"
)

// csvHeader follows the QuoteRecord field names.
var csvHeader = []string{
	"timestamp",
	"expiry",
	"strike",
	"legType",
	"lastPrice",
	"openInterest",
	"changeInOpenInterest",
}

// SnapshotWriter persists snapshots as CSV files, with an optional Parquet
// twin sharing the same base name.
type SnapshotWriter struct {
	config appconfig.WriterConfig
	log    *logger.Log
}

func NewSnapshotWriter(cfg appconfig.WriterConfig) *SnapshotWriter {
	return &SnapshotWriter{
		config: cfg,
		log:    logger.GetLogger(),
	}
}

// FileName returns the CSV path a snapshot of symbol captured at t is
// written to.
func (w *SnapshotWriter) FileName(symbol string, t time.Time) string {
	prefix := strings.TrimSpace(w.config.FilePrefix)
	if prefix == "" {
		prefix = strings.ToLower(symbol)
	}
	name := fmt.Sprintf("%s_option_data_%s.csv", prefix, t.Format(fileTimeFormat))
	return filepath.Join(w.config.Directory, name)
}

// Outputs lists every file produced for the CSV at path.
func (w *SnapshotWriter) Outputs(path string) []string {
	outputs := []string{path}
	if w.config.Formats.Parquet.Enabled {
		outputs = append(outputs, parquetPath(path))
	}
	return outputs
}

// Write stores the snapshot and returns the CSV path. An empty snapshot
// still produces a header-only file.
func (w *SnapshotWriter) Write(snapshot models.Snapshot) (string, error) {
	path := w.FileName(snapshot.Symbol, snapshot.CaptureTime)
	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"symbol":    snapshot.Symbol,
		"path":      path,
		"operation": "write_snapshot",
	})

	start := time.Now()
	if err := os.MkdirAll(w.config.Directory, 0o755); err != nil {
		return "", &PersistError{Path: w.config.Directory, Op: "create directory", Err: err}
	}

	size, err := writeCSV(path, snapshot.Records)
	if err != nil {
		return "", err
	}

	if w.config.Formats.Parquet.Enabled {
		twin := parquetPath(path)
		data, err := encodeParquet(snapshot.Records, w.config.Formats.Parquet.Compression)
		if err != nil {
			return "", &PersistError{Path: twin, Op: "encode parquet", Err: err}
		}
		if err := os.WriteFile(twin, data, 0o644); err != nil {
			return "", &PersistError{Path: twin, Op: "write parquet", Err: err}
		}
		size += int64(len(data))
	}

	logger.LogPerformanceEntry(log, "snapshot_writer", "write", time.Since(start), logger.Fields{
		"records": len(snapshot.Records),
		"bytes":   size,
	})
	return path, nil
}

func writeCSV(path string, records []models.QuoteRecord) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, &PersistError{Path: path, Op: "create file", Err: err}
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(csvHeader); err != nil {
		f.Close()
		return 0, &PersistError{Path: path, Op: "write header", Err: err}
	}
	for _, r := range records {
		row := []string{
			r.Timestamp.Format(recordTimeFormat),
			r.Expiry,
			formatFloat(&r.Strike),
			string(r.LegType),
			formatFloat(r.LastPrice),
			formatFloat(r.OpenInterest),
			formatFloat(r.ChangeInOpenInterest),
		}
		if err := cw.Write(row); err != nil {
			f.Close()
			return 0, &PersistError{Path: path, Op: "write record", Err: err}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return 0, &PersistError{Path: path, Op: "flush", Err: err}
	}

	info, statErr := f.Stat()
	if err := f.Close(); err != nil {
		return 0, &PersistError{Path: path, Op: "close", Err: err}
	}
	if statErr != nil {
		return 0, nil
	}
	return info.Size(), nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parquetPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".parquet"
}
