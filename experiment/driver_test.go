package experiment

import (
	"errors"
	"testing"
	"time"

	"github.com/knapsack-labs/rowhammer/finder"
)

type fakeStore struct {
	started, ended, tests, bitflips int
	transactions, commits           int
}

func (s *fakeStore) LoadOrInsertConfig(hostname, dimms, bios, layout string) (int64, error) {
	return 1, nil
}
func (s *fakeStore) StartExperiment(aggressorRows int, hammerCount uint64, targetTemp int, comment string) (int64, error) {
	s.started++
	return int64(s.started), nil
}
func (s *fakeStore) InsertTest(aggressors []uint64, hammerTime time.Duration, victimInit, aggressorInit uint64, actualTemp int) (int64, error) {
	s.tests++
	return int64(s.tests), nil
}
func (s *fakeStore) InsertBitflip(victimAddr uint64, bitInByte, flippedTo uint8) error {
	s.bitflips++
	return nil
}
func (s *fakeStore) EndExperiment() error    { s.ended++; return nil }
func (s *fakeStore) BeginTransaction() error { s.transactions++; return nil }
func (s *fakeStore) Commit() error           { s.commits++; return nil }

// fakeController settles instantly: GetActualTemperature always
// mirrors whatever was last set, unless stuck is set to hold it fixed
// for timeout tests.
type fakeController struct {
	target, stuck int64
	connected     bool
}

func (c *fakeController) Connect() bool                      { c.connected = true; return true }
func (c *fakeController) SetTargetTemperature(celsius int64) { c.target = celsius }
func (c *fakeController) GetTargetTemperature() int64        { return c.target }
func (c *fakeController) GetActualTemperature() int64 {
	if c.stuck != 0 {
		return c.stuck
	}
	return c.target
}

func TestRunWithoutTemperaturesRunsEveryRepetition(t *testing.T) {
	store := &fakeStore{}
	d := NewDriver(store, nil, nil)

	calls := 0
	err := d.Run(RunConfig{Repetitions: 3}, func(cancel finder.Canceller) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d iter calls, want 3", calls)
	}
	if store.started != 3 || store.ended != 3 {
		t.Fatalf("got %d started / %d ended, want 3/3", store.started, store.ended)
	}
}

func TestRunStopsRepetitionLoopOnIterError(t *testing.T) {
	store := &fakeStore{}
	d := NewDriver(store, nil, nil)

	wantErr := errors.New("boom")
	calls := 0
	err := d.Run(RunConfig{Repetitions: 5}, func(cancel finder.Canceller) error {
		calls++
		if calls == 2 {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if calls != 2 {
		t.Fatalf("got %d calls, want 2 (loop should stop on error)", calls)
	}
}

func TestRunStepsThroughTargetTemperatures(t *testing.T) {
	ctrl := &fakeController{}
	store := &fakeStore{}
	d := NewDriver(store, ctrl, nil)

	var seenTargets []int64
	err := d.Run(RunConfig{
		Repetitions:      1,
		TargetTemps:      []int64{25, 30},
		TempPollInterval: time.Millisecond,
		TempTimeout:      time.Second,
	}, func(cancel finder.Canceller) error {
		seenTargets = append(seenTargets, ctrl.GetTargetTemperature())
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seenTargets) != 2 || seenTargets[0] != 25 || seenTargets[1] != 30 {
		t.Fatalf("got %v, want [25 30]", seenTargets)
	}
	if ctrl.target != 20 {
		t.Fatalf("controller left at %d C, want safe 20 C on exit", ctrl.target)
	}
}

func TestRunTimesOutWaitingForTemperature(t *testing.T) {
	ctrl := &fakeController{stuck: 25}
	d := NewDriver(nil, ctrl, nil)

	err := d.Run(RunConfig{
		Repetitions:      1,
		TargetTemps:      []int64{99},
		TempPollInterval: time.Millisecond,
		TempTimeout:      5 * time.Millisecond,
	}, func(cancel finder.Canceller) error {
		t.Fatal("iter should not run when the temperature never settles")
		return nil
	})
	if !errors.Is(err, ErrTemperatureTimeout) {
		t.Fatalf("got %v, want ErrTemperatureTimeout", err)
	}
}
