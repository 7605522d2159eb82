package writer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"optionflow/models"
)

// ParquetRecord is the columnar layout of a QuoteRecord.
type ParquetRecord struct {
	Timestamp            int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Expiry               string   `parquet:"name=expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike               float64  `parquet:"name=strike, type=DOUBLE"`
	LegType              string   `parquet:"name=leg_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastPrice            *float64 `parquet:"name=last_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	OpenInterest         *float64 `parquet:"name=open_interest, type=DOUBLE, repetitiontype=OPTIONAL"`
	ChangeInOpenInterest *float64 `parquet:"name=change_in_open_interest, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// memoryFile implements source.ParquetFile over an in-memory buffer. The
// parquet writer only appends, so Seek reports the current length.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func encodeParquet(records []models.QuoteRecord, compression string) ([]byte, error) {
	mf := newMemoryFile()

	pw, err := pqwriter.NewParquetWriter(mf, new(ParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, r := range records {
		row := ParquetRecord{
			Timestamp:            r.Timestamp.UnixMilli(),
			Expiry:               r.Expiry,
			Strike:               r.Strike,
			LegType:              string(r.LegType),
			LastPrice:            r.LastPrice,
			OpenInterest:         r.OpenInterest,
			ChangeInOpenInterest: r.ChangeInOpenInterest,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return mf.Bytes(), nil
}
