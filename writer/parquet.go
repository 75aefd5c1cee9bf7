package writer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"marketflow/models"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"
)

// parquetRow is the flattened on-disk shape. The full normalized record
// rides along as JSON so no field is lost to the flattening.
type parquetRow struct {
	Provider    string `parquet:"name=provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	DataType    string `parquet:"name=data_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs int64  `parquet:"name=timestamp_ms, type=INT64"`
	Payload     string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements the ParquetFile interface for in-memory encoding.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) { return mf, nil }
func (mf *memoryFile) Open(name string) (source.ParquetFile, error)   { return mf, nil }

func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage never seeks backwards.
	return int64(mf.buffer.Len()), nil
}

func (mf *memoryFile) Read(b []byte) (int, error)  { return mf.buffer.Read(b) }
func (mf *memoryFile) Write(b []byte) (int, error) { return mf.buffer.Write(b) }
func (mf *memoryFile) Close() error                { return nil }
func (mf *memoryFile) Bytes() []byte               { return mf.buffer.Bytes() }

// encodeParquet serializes records into an in-memory parquet file.
func encodeParquet(records []models.MarketDataRecord, compression string) ([]byte, error) {
	mf := newMemoryFile()

	pw, err := pqwriter.NewParquetWriter(mf, new(parquetRow), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch compression {
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "uncompressed":
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	default:
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	}

	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("encode record payload: %w", err)
		}
		row := parquetRow{
			Provider:    providerOf(rec),
			DataType:    string(rec.RecordType()),
			Symbol:      symbolOf(rec),
			TimestampMs: rec.TimestampMs(),
			Payload:     string(payload),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return mf.Bytes(), nil
}

func symbolOf(rec models.MarketDataRecord) string {
	switch r := rec.(type) {
	case models.Trade:
		return r.Symbol
	case models.Candle:
		return r.Symbol
	case models.Tick:
		return r.Symbol
	case models.OrderBookSnapshot:
		return r.Symbol
	case models.OrderBookDelta:
		return r.Symbol
	}
	return ""
}

func providerOf(rec models.MarketDataRecord) string {
	switch r := rec.(type) {
	case models.Trade:
		return r.Provider
	case models.Candle:
		return r.Provider
	case models.Tick:
		return r.Provider
	case models.OrderBookSnapshot:
		return r.Provider
	case models.OrderBookDelta:
		return r.Provider
	}
	return ""
}
