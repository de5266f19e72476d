package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record kinds tag each entry a FileStore appends, so a reader can
// walk the file without a schema out of band.
const (
	recordKindConfig     uint8 = 1
	recordKindExperiment uint8 = 2
	recordKindTest       uint8 = 3
	recordKindBitflip    uint8 = 4
)

// putString appends a uint32 length prefix followed by s's raw bytes.
func putString(buf *bytes.Buffer, bo binary.ByteOrder, s string) {
	var n [4]byte
	bo.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// putUint64Slice appends a uint32 element count followed by that many
// bo-ordered uint64s.
func putUint64Slice(buf *bytes.Buffer, bo binary.ByteOrder, vs []uint64) {
	var n [4]byte
	bo.PutUint32(n[:], uint32(len(vs)))
	buf.Write(n[:])
	var v [8]byte
	for _, x := range vs {
		bo.PutUint64(v[:], x)
		buf.Write(v[:])
	}
}

func encodeConfigRecord(bo binary.ByteOrder, hostname, dimms, bios, layout string) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(recordKindConfig)
	putString(buf, bo, hostname)
	putString(buf, bo, dimms)
	putString(buf, bo, bios)
	putString(buf, bo, layout)
	return buf.Bytes()
}

func encodeExperimentRecord(bo binary.ByteOrder, configID uint64, aggressorRows int, hammerCount uint64, targetTemp int, comment string) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(recordKindExperiment)
	var b8 [8]byte
	bo.PutUint64(b8[:], configID)
	buf.Write(b8[:])
	var b4 [4]byte
	bo.PutUint32(b4[:], uint32(aggressorRows))
	buf.Write(b4[:])
	bo.PutUint64(b8[:], hammerCount)
	buf.Write(b8[:])
	bo.PutUint32(b4[:], uint32(int32(targetTemp)))
	buf.Write(b4[:])
	putString(buf, bo, comment)
	return buf.Bytes()
}

func encodeTestRecord(bo binary.ByteOrder, experimentID uint64, aggressors []uint64, hammerTime time.Duration, victimInit, aggressorInit uint64, actualTemp int) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(recordKindTest)
	var b8 [8]byte
	bo.PutUint64(b8[:], experimentID)
	buf.Write(b8[:])
	putUint64Slice(buf, bo, aggressors)
	bo.PutUint64(b8[:], uint64(hammerTime.Nanoseconds()))
	buf.Write(b8[:])
	bo.PutUint64(b8[:], victimInit)
	buf.Write(b8[:])
	bo.PutUint64(b8[:], aggressorInit)
	buf.Write(b8[:])
	var b4 [4]byte
	bo.PutUint32(b4[:], uint32(int32(actualTemp)))
	buf.Write(b4[:])
	return buf.Bytes()
}

func encodeBitflipRecord(bo binary.ByteOrder, testID, victimAddr uint64, bitInByte, flippedTo uint8) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(recordKindBitflip)
	var b8 [8]byte
	bo.PutUint64(b8[:], testID)
	buf.Write(b8[:])
	bo.PutUint64(b8[:], victimAddr)
	buf.Write(b8[:])
	buf.WriteByte(bitInByte)
	buf.WriteByte(flippedTo)
	return buf.Bytes()
}

// FileStore is a Store backed by an append-only binary log: every
// call to a record-inserting method packs a fixed-shape record and
// appends it to the underlying file. It buffers InsertTest and
// InsertBitflip records written between BeginTransaction and Commit in
// memory and only appends them to disk on Commit, so a crash
// mid-hammer-pass never leaves a half-written transaction on disk.
// Config and experiment records are always written straight through.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	byo  binary.ByteOrder
	next struct {
		config, experiment, test uint64
	}
	pendingExperiment uint64
	pendingTest       uint64

	inTxn   bool
	pending [][]byte
}

// NewFileStore opens (creating if necessary) path for appending and
// returns a FileStore writing records to it.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence log %q - %w", path, err)
	}
	return &FileStore{f: f, byo: binary.BigEndian}, nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	return s.f.Close()
}

func (s *FileStore) LoadOrInsertConfig(hostname, dimms, bios, layout string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next.config++
	id := s.next.config

	b := encodeConfigRecord(s.byo, hostname, dimms, bios, layout)
	if _, err := s.f.Write(b); err != nil {
		return 0, fmt.Errorf("failed to write config record - %w", err)
	}
	return int64(id), nil
}

func (s *FileStore) StartExperiment(aggressorRows int, hammerCount uint64, targetTemp int, comment string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next.experiment++
	id := s.next.experiment
	s.pendingExperiment = id

	b := encodeExperimentRecord(s.byo, s.next.config, aggressorRows, hammerCount, targetTemp, comment)
	if _, err := s.f.Write(b); err != nil {
		return 0, fmt.Errorf("failed to write experiment record - %w", err)
	}
	return int64(id), nil
}

func (s *FileStore) InsertTest(aggressors []uint64, hammerTime time.Duration, victimInit, aggressorInit uint64, actualTemp int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next.test++
	id := s.next.test
	s.pendingTest = id

	b := encodeTestRecord(s.byo, s.pendingExperiment, aggressors, hammerTime, victimInit, aggressorInit, actualTemp)
	if err := s.append(b); err != nil {
		return 0, fmt.Errorf("failed to write test record - %w", err)
	}
	return int64(id), nil
}

func (s *FileStore) InsertBitflip(victimAddr uint64, bitInByte, flippedTo uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := encodeBitflipRecord(s.byo, s.pendingTest, victimAddr, bitInByte, flippedTo)
	if err := s.append(b); err != nil {
		return fmt.Errorf("failed to write bitflip record - %w", err)
	}
	return nil
}

func (s *FileStore) EndExperiment() error {
	return nil
}

// BeginTransaction buffers subsequent InsertTest/InsertBitflip records
// in memory instead of writing them straight through.
func (s *FileStore) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inTxn = true
	s.pending = s.pending[:0]
	return nil
}

// Commit flushes every record buffered since BeginTransaction to disk
// in one Write call.
func (s *FileStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inTxn = false
	if len(s.pending) == 0 {
		return nil
	}

	var all []byte
	for _, b := range s.pending {
		all = append(all, b...)
	}
	s.pending = s.pending[:0]

	if _, err := s.f.Write(all); err != nil {
		return fmt.Errorf("failed to commit buffered records - %w", err)
	}
	return nil
}

// append routes a packed record to the pending buffer if a
// transaction is open, or writes it straight through otherwise.
func (s *FileStore) append(b []byte) error {
	if s.inTxn {
		s.pending = append(s.pending, b)
		return nil
	}
	_, err := s.f.Write(b)
	return err
}
