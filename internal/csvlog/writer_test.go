package csvlog

import (
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestWriterJournalsRows(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "run-1")
	require.NoError(t, err)

	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, w.Append(Row{
		Timestamp:    ts,
		Mid:          fp(30000),
		Position:     fp(0.01),
		BidSpreadBps: fp(1),
		AskSpreadBps: fp(1.25),
		Fees:         decimal.RequireFromString("0.075"),
		Volatility:   fp(0.5),
		SizeScale:    0.8,
	}))
	require.NoError(t, w.Append(Row{Timestamp: ts.Add(5 * time.Second), SizeScale: 1}))
	require.NoError(t, w.Close())

	file, err := os.Open(w.Path())
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, header, records[0])
	assert.Equal(t, []string{
		"2026-03-14T09:00:00Z", "30000", "0.01", "1", "1.25", "", "", "0.075", "0.5", "0.8",
	}, records[1])
	// unknown observations stay empty
	assert.Equal(t, "", records[2][1])
	assert.Equal(t, "0", records[2][7])
}

func TestWriterFileNameCarriesRunID(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "abc123")
	require.NoError(t, err)
	defer w.Close()
	assert.Contains(t, w.Path(), "quoter_abc123.csv")
}
