package db

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// CSV export columns, as written by the metrics collector.
var csvColumns = []string{"vm", "date", "metric", "max_value", "min_value", "avg_value"}

var csvDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ReadCSV parses a metrics export. The header row is required and columns
// are matched by name, so their order does not matter. Dates without a zone
// are taken as UTC. Rows are not validated here; InsertSamples does that.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty csv", models.ErrInvalidSample)
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range csvColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: csv header is missing column %q", models.ErrInvalidSample, col)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		row, err := parseCSVRecord(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCSVRecord(rec []string, idx map[string]int) (Row, error) {
	field := func(name string) string { return strings.TrimSpace(rec[idx[name]]) }

	date, err := parseCSVDate(field("date"))
	if err != nil {
		return Row{}, err
	}
	var vals [3]float64
	for i, col := range []string{"min_value", "max_value", "avg_value"} {
		v, err := strconv.ParseFloat(field(col), 64)
		if err != nil {
			return Row{}, fmt.Errorf("%w: %s %q is not a number", models.ErrInvalidSample, col, field(col))
		}
		vals[i] = v
	}
	return Row{
		VM:     field("vm"),
		Date:   date,
		Metric: field("metric"),
		Min:    vals[0],
		Max:    vals[1],
		Avg:    vals[2],
	}, nil
}

func parseCSVDate(s string) (time.Time, error) {
	for _, layout := range csvDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised date %q", models.ErrInvalidSample, s)
}
