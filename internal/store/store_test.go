package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ledger := Ledger{
		Day:           "2026-08-24",
		DailyRealized: decimal.RequireFromString("-12.5"),
		TotalRealized: decimal.RequireFromString("340.25"),
		PeakEquity:    decimal.RequireFromString("360"),
		UpdatedAt:     time.Now().UTC(),
	}

	if err := s.Save(ledger); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}

	if loaded.Day != ledger.Day {
		t.Errorf("Day = %q, want %q", loaded.Day, ledger.Day)
	}
	if !loaded.DailyRealized.Equal(ledger.DailyRealized) {
		t.Errorf("DailyRealized = %s, want %s", loaded.DailyRealized, ledger.DailyRealized)
	}
	if !loaded.PeakEquity.Equal(ledger.PeakEquity) {
		t.Errorf("PeakEquity = %s, want %s", loaded.PeakEquity, ledger.PeakEquity)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing ledger, got %+v", loaded)
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := Ledger{Day: "2026-08-23", TotalRealized: decimal.NewFromInt(10)}
	second := Ledger{Day: "2026-08-24", TotalRealized: decimal.NewFromInt(20)}

	_ = s.Save(first)
	_ = s.Save(second)

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Day != "2026-08-24" || !loaded.TotalRealized.Equal(decimal.NewFromInt(20)) {
		t.Errorf("got %s/%s, want the latest save", loaded.Day, loaded.TotalRealized)
	}
}
