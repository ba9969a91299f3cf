// Package persist writes each cycle's ranking to a timestamped JSON file.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/market"
)

const filenameLayout = "20060102_150405"

// Record is one ranked instrument as written to disk.
type Record struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	Amount    float64   `json:"amount"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Open      float64   `json:"open"`
	PreClose  float64   `json:"pre_close"`
	Timestamp time.Time `json:"timestamp"`
	RiseSpeed float64   `json:"rise_speed"`
	Rank      int       `json:"rank"`
}

func NewRecord(e engine.RankedEntry) Record {
	q := e.Quote
	return Record{
		Code:      string(e.Code),
		Name:      q.Name,
		Price:     q.Price,
		Change:    q.Change,
		ChangePct: q.ChangePct,
		Volume:    q.Volume,
		Amount:    q.Amount,
		High:      q.High,
		Low:       q.Low,
		Open:      q.Open,
		PreClose:  q.PreClose,
		Timestamp: q.Timestamp,
		RiseSpeed: e.RiseSpeed,
		Rank:      e.Rank,
	}
}

func (r Record) Entry() engine.RankedEntry {
	id := market.InstrumentID(r.Code)
	return engine.RankedEntry{
		Rank:      r.Rank,
		Code:      id,
		RiseSpeed: r.RiseSpeed,
		Quote: market.Quote{
			Code:      id,
			Name:      r.Name,
			Price:     r.Price,
			Change:    r.Change,
			ChangePct: r.ChangePct,
			Volume:    r.Volume,
			Amount:    r.Amount,
			High:      r.High,
			Low:       r.Low,
			Open:      r.Open,
			PreClose:  r.PreClose,
			Timestamp: r.Timestamp,
		},
	}
}

// DefaultFilename names the output of a cycle finished at t.
func DefaultFilename(t time.Time) string {
	return "top_rising_stocks_" + t.Format(filenameLayout) + ".json"
}

// FileStore writes rankings under dir.
type FileStore struct {
	dir string
	now func() time.Time
}

func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{dir: dir, now: time.Now}
}

// Save writes entries to path, or to a timestamped file under the store
// directory when path is empty, and returns the path written. The file is
// replaced atomically.
func (s *FileStore) Save(ctx context.Context, entries []engine.RankedEntry, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(s.dir, DefaultFilename(s.now()))
	}
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = NewRecord(e)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode ranking: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ranking-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename to %s: %w", path, err)
	}
	return path, nil
}

// Load reads a file written by Save.
func Load(path string) ([]engine.RankedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make([]engine.RankedEntry, len(records))
	for i, r := range records {
		out[i] = r.Entry()
	}
	return out, nil
}
