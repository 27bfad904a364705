// Package csvlog journals periodic quoter state snapshots to a CSV file,
// one file per run.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var header = []string{
	"timestamp",
	"mid",
	"position",
	"bid_spread_bps",
	"ask_spread_bps",
	"unrealised_pnl",
	"session_realised_pnl",
	"fees",
	"volatility",
	"size_scale",
}

// Row is one journal entry. Pointer fields are left empty in the file while
// the corresponding observation is still unknown.
type Row struct {
	Timestamp          time.Time
	Mid                *float64
	Position           *float64
	BidSpreadBps       *float64
	AskSpreadBps       *float64
	UnrealisedPnL      *float64
	SessionRealisedPnL *float64
	Fees               decimal.Decimal
	Volatility         *float64
	SizeScale          float64
}

// Writer appends rows to a per-run CSV file, flushing after every row so a
// crash loses at most the row being written.
type Writer struct {
	file *os.File
	csv  *csv.Writer
}

// New creates the journal file quoter_<runID>.csv in dir and writes the header.
func New(dir, runID string) (*Writer, error) {
	path := filepath.Join(dir, fmt.Sprintf("quoter_%s.csv", runID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	w := &Writer{file: file, csv: csv.NewWriter(file)}
	if err := w.csv.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("write journal header: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		file.Close()
		return nil, fmt.Errorf("flush journal header: %w", err)
	}
	return w, nil
}

// Path returns the journal file location.
func (w *Writer) Path() string {
	return w.file.Name()
}

// Append writes one row and flushes it to disk.
func (w *Writer) Append(row Row) error {
	record := []string{
		row.Timestamp.UTC().Format(time.RFC3339Nano),
		formatOptional(row.Mid),
		formatOptional(row.Position),
		formatOptional(row.BidSpreadBps),
		formatOptional(row.AskSpreadBps),
		formatOptional(row.UnrealisedPnL),
		formatOptional(row.SessionRealisedPnL),
		row.Fees.String(),
		formatOptional(row.Volatility),
		strconv.FormatFloat(row.SizeScale, 'f', -1, 64),
	}
	if err := w.csv.Write(record); err != nil {
		return fmt.Errorf("write journal row: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush journal row: %w", err)
	}
	return nil
}

// Close flushes pending rows and closes the file.
func (w *Writer) Close() error {
	w.csv.Flush()
	flushErr := w.csv.Error()
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
