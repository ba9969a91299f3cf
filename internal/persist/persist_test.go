package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/market"
)

func sampleEntries(n int) []engine.RankedEntry {
	ts := time.Date(2024, 5, 6, 9, 30, 15, 123456789, time.FixedZone("CST", 8*3600))
	out := make([]engine.RankedEntry, n)
	for i := range out {
		id := market.InstrumentID(fmt.Sprintf("%06d", 600000+i))
		out[i] = engine.RankedEntry{
			Rank:      i + 1,
			Code:      id,
			RiseSpeed: float64(n-i) / 3,
			Quote: market.Quote{
				Code: id, Name: "股票" + string(id), Price: 10.5 + float64(i), Change: 0.12, ChangePct: 1.15,
				Volume: int64(1_000_000 + i), Amount: 1.5e7, High: 11.5, Low: 9.5, Open: 10, PreClose: 10.38,
				Timestamp: ts.Add(time.Duration(i) * time.Second),
			},
		}
	}
	return out
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := NewFileStore(t.TempDir())
			entries := sampleEntries(n)

			path, err := s.Save(context.Background(), entries, "")
			if err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != n {
				t.Fatalf("loaded %d entries, want %d", len(got), n)
			}
			for i := range entries {
				want := entries[i]
				if got[i].Rank != want.Rank || got[i].Code != want.Code || got[i].RiseSpeed != want.RiseSpeed {
					t.Errorf("entry %d: got %+v, want %+v", i, got[i], want)
				}
				gq, wq := got[i].Quote, want.Quote
				if !gq.Timestamp.Equal(wq.Timestamp) {
					t.Errorf("entry %d timestamp: got %v, want %v", i, gq.Timestamp, wq.Timestamp)
				}
				gq.Timestamp, wq.Timestamp = time.Time{}, time.Time{}
				if gq != wq {
					t.Errorf("entry %d quote: got %+v, want %+v", i, gq, wq)
				}
			}
		})
	}
}

func TestSave_Format(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	s.now = func() time.Time { return time.Date(2024, 5, 6, 9, 30, 15, 0, time.Local) }

	path, err := s.Save(context.Background(), sampleEntries(1), "")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, "top_rising_stocks_20240506_093015.json"); path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "[\n  {\n    \"code\": \"600000\"") {
		t.Errorf("unexpected layout:\n%s", text)
	}
	if !strings.Contains(text, `"name": "股票600000"`) {
		t.Errorf("name should be written unescaped:\n%s", text)
	}
	if !strings.Contains(text, `"timestamp": "2024-05-06T09:30:15.123456789+08:00"`) {
		t.Errorf("timestamp not ISO-8601:\n%s", text)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"code", "name", "price", "change", "change_pct", "volume", "amount", "high", "low", "open", "pre_close", "timestamp", "rise_speed", "rank"} {
		if _, ok := raw[0][key]; !ok {
			t.Errorf("missing field %q", key)
		}
	}
}

func TestSave_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	got, err := NewFileStore("").Save(context.Background(), sampleEntries(2), path)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got != path {
		t.Errorf("path = %s, want %s", got, path)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".ranking-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestSave_Unwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewFileStore(dir).Save(context.Background(), sampleEntries(1), filepath.Join(blocker, "out.json"))
	if err == nil {
		t.Fatal("expected error writing under a regular file")
	}
}

func TestSave_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFileStore(t.TempDir()).Save(ctx, nil, ""); err == nil {
		t.Fatal("expected context error")
	}
}
