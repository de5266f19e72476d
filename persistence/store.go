// Package persistence defines the interface the core hammering
// pipeline uses to record configuration, experiments, tests, and bit
// flips. Concrete database wiring is an external collaborator's job;
// the only implementation this package ships is FileStore, a
// demonstration store backed by an append-only binary log.
package persistence

import "time"

// Store is implemented by whatever backs experiment results. All
// flips observed by one BitFlipper.Hammer call are buffered inside a
// single BeginTransaction/Commit pair.
type Store interface {
	// LoadOrInsertConfig records (or finds) the DIMM/BIOS/layout
	// combination under test and returns its ID.
	LoadOrInsertConfig(hostname, dimms, bios, layout string) (configID int64, err error)

	// StartExperiment records the start of a repetition and returns
	// its ID.
	StartExperiment(aggressorRows int, hammerCount uint64, targetTemp int, comment string) (expID int64, err error)

	// InsertTest records one hammer_and_check pass and returns its ID.
	InsertTest(aggressors []uint64, hammerTime time.Duration, victimInit, aggressorInit uint64, actualTemp int) (testID int64, err error)

	// InsertBitflip records a single observed bit flip.
	InsertBitflip(victimAddr uint64, bitInByte, flippedTo uint8) error

	// EndExperiment closes out the current experiment record.
	EndExperiment() error

	BeginTransaction() error
	Commit() error
}
