// Package replay streams OHLCV bars from CSV files into a bar sink, used to
// drive the paper broker without a live market-data connection.
package replay

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/types"
)

// Sink receives replayed bars.
type Sink interface {
	OnBar(bar types.Bar)
}

// Source is one CSV file of bars for a symbol.
type Source struct {
	Path   string
	Symbol string
}

// Replayer emits bars from one or more sources in timestamp order.
type Replayer struct {
	bars     []types.Bar
	interval time.Duration
	sink     Sink
	logger   *slog.Logger
}

// New loads every source. interval is the pause between bars; zero replays
// as fast as the sink accepts them.
func New(sources []Source, interval time.Duration, sink Sink, logger *slog.Logger) (*Replayer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var all []types.Bar
	for _, src := range sources {
		bars, err := LoadFile(src.Path, src.Symbol)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return &Replayer{bars: all, interval: interval, sink: sink, logger: logger}, nil
}

// Len returns the number of loaded bars.
func (r *Replayer) Len() int {
	return len(r.bars)
}

// Run delivers the bars to the sink. It returns nil when every bar has been
// sent, or ctx's error when cancelled first.
func (r *Replayer) Run(ctx context.Context) error {
	r.logger.Info("bar replay started", "bars", len(r.bars), "interval", r.interval)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i, bar := range r.bars {
		if tick != nil && i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		r.sink.OnBar(bar)
	}

	r.logger.Info("bar replay finished", "bars", len(r.bars))
	return nil
}

// LoadFile reads a CSV file of bars for symbol.
func LoadFile(path, symbol string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars file: %w", err)
	}
	defer f.Close()

	bars, err := Parse(f, symbol)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return bars, nil
}

// Parse reads bars from CSV. Columns: timestamp,open,high,low,close[,volume].
// A header row is skipped. Malformed rows are skipped.
func Parse(r io.Reader, symbol string) ([]types.Bar, error) {
	if symbol == "" {
		return nil, types.ErrInvalidSymbol
	}
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var bars []types.Bar
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) < 5 {
			continue
		}

		bar, err := parseRecord(record, symbol)
		if err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRecord(record []string, symbol string) (types.Bar, error) {
	bar := types.Bar{Symbol: symbol}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return bar, err
	}
	bar.Timestamp = ts

	prices := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close}
	for i, dst := range prices {
		v, err := decimal.NewFromString(record[i+1])
		if err != nil {
			return bar, fmt.Errorf("column %d: %w", i+2, err)
		}
		*dst = v
	}
	if bar.High.LessThan(bar.Low) {
		return bar, fmt.Errorf("%w: high %s below low %s", types.ErrInvalidPrice, bar.High, bar.Low)
	}

	if len(record) > 5 {
		if vol, err := strconv.ParseInt(record[5], 10, 64); err == nil {
			bar.Volume = vol
		}
	}
	return bar, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

func parseTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	switch record[0] {
	case "timestamp", "time", "date", "datetime":
		return true
	}
	return false
}
