package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreAppendsOutsideTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	if _, err := s.LoadOrInsertConfig("host", "dimm-a", "bios-1", "layout"); err != nil {
		t.Fatalf("LoadOrInsertConfig: %v", err)
	}
	expID, err := s.StartExperiment(2, 1000000, 30, "test run")
	if err != nil {
		t.Fatalf("StartExperiment: %v", err)
	}
	if expID != 1 {
		t.Fatalf("got experiment id %d, want 1", expID)
	}

	if _, err := s.InsertTest([]uint64{0x1000, 0x3000}, 5*time.Millisecond, 0, ^uint64(0), 30); err != nil {
		t.Fatalf("InsertTest: %v", err)
	}
	if err := s.InsertBitflip(0x2000, 3, 1); err != nil {
		t.Fatalf("InsertBitflip: %v", err)
	}
	if err := s.EndExperiment(); err != nil {
		t.Fatalf("EndExperiment: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected records written to %s, file is empty", path)
	}
}

func TestFileStoreBuffersInsideTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	if err := s.BeginTransaction(); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if _, err := s.InsertTest([]uint64{0x1000}, time.Millisecond, 0, 0, 20); err != nil {
		t.Fatalf("InsertTest: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected no bytes written before Commit, got %d", info.Size())
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err = os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected bytes written after Commit, got 0")
	}
}
