package analysis

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/care/rheed/internal/types"
)

var csvHeader = []string{"t_s", "brightness", "frame_seq"}

// WriteCSV writes samples as CSV with a header row
func WriteCSV(w io.Writer, samples []types.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		record := []string{
			strconv.FormatFloat(s.T, 'f', 6, 64),
			strconv.FormatFloat(s.Brightness, 'f', 4, 64),
			strconv.FormatUint(s.Seq, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses samples written by WriteCSV
func ReadCSV(r io.Reader) ([]types.Sample, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	samples := make([]types.Sample, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) < 2 {
			return nil, fmt.Errorf("row %d: expected at least 2 columns", i+2)
		}
		t, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		y, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		s := types.Sample{T: t, Brightness: y}
		if len(rec) > 2 {
			if s.Seq, err = strconv.ParseUint(rec[2], 10, 64); err != nil {
				return nil, fmt.Errorf("row %d: %w", i+2, err)
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// ExportSeries writes the recorded series to a CSV file
func (e *Engine) ExportSeries(path string) (int, error) {
	samples := e.Series()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create export directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteCSV(f, samples); err != nil {
		f.Close()
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return len(samples), nil
}
