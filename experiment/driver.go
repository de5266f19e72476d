// Package experiment drives repeated runs of a flip finder: it owns
// repetition counting, cooperative cancellation (SIGINT and a
// per-repetition timeout), and staging through a list of target
// temperatures. The transactional persistence bracket and the
// per-window temperature check both live in package bitflip, called
// from inside the finder this package drives - this package only
// owns the outer loop shape.
package experiment

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/knapsack-labs/rowhammer/finder"
	"github.com/knapsack-labs/rowhammer/persistence"
	"github.com/knapsack-labs/rowhammer/tempctrl"
)

// ErrTemperatureTimeout is returned when the configured temperature
// controller cannot reach a target setpoint within RunConfig.TempTimeout.
var ErrTemperatureTimeout = errors.New("experiment: timed out waiting for target temperature")

// RunConfig configures one Driver.Run call.
type RunConfig struct {
	// Repetitions is how many times IterFunc runs per target
	// temperature (or once, if no temperatures are configured).
	Repetitions int

	// TestMaxTime, if nonzero, sets the cancellation flag IterFunc is
	// handed this long into each repetition. The flag is never reset,
	// so once it fires the remaining repetitions (and temperatures)
	// do not run either.
	TestMaxTime time.Duration

	// TargetTemps steps the run through each setpoint in order,
	// waiting for the controller to settle before each temperature's
	// repetitions run. Empty means no temperature staging.
	TargetTemps []int64

	// TempPollInterval is how often the controller's actual
	// temperature is polled while waiting to settle. Defaults to one
	// second.
	TempPollInterval time.Duration

	// TempTimeout bounds how long Run waits for the controller to
	// settle at one target temperature before giving up.
	TempTimeout time.Duration

	AggressorRows int
	HammerCount   uint64
	Comment       string
}

// IterFunc runs one repetition of a finder pass. cancel reports
// cooperative cancellation and should be threaded into the finder's
// Canceller field.
type IterFunc func(cancel finder.Canceller) error

// Driver owns the collaborators an experiment run threads through to
// the finder and hammering primitive: persistence and the
// temperature controller.
type Driver struct {
	Store      persistence.Store
	Controller tempctrl.Controller
	OptLogger  *log.Logger
}

// NewDriver constructs a Driver and registers a process-exit safety
// net that commands the controller to tempctrl.SafeTemperature if the
// process dies mid-run, mirroring the original's "stop heatpads from
// heating" cleanup on every exit path. The machinecode algorithm's JIT
// mapping has its own, independent atexit cleanup registered in
// bitflip/hammerprog - this hook only ever touches the temperature
// controller.
func NewDriver(store persistence.Store, controller tempctrl.Controller, optLogger *log.Logger) *Driver {
	d := &Driver{Store: store, Controller: controller, OptLogger: optLogger}
	if controller != nil {
		atexit.Register(func() {
			controller.SetTargetTemperature(tempctrl.SafeTemperature)
		})
	}
	return d
}

func (d *Driver) logger() *log.Logger {
	if d.OptLogger != nil {
		return d.OptLogger
	}
	return log.Default()
}

// Run drives cfg.Repetitions repetitions of iter for every target
// temperature in cfg.TargetTemps (or once, with no temperature
// staging, if the list is empty). SIGINT and cfg.TestMaxTime both set
// the cancellation flag passed to iter; Run returns nil on cooperative
// cancellation rather than propagating it as an error.
func (d *Driver) Run(cfg RunConfig, iter IterFunc) error {
	runID := xid.New()
	d.logger().Printf("experiment: starting run %s", runID)

	var cancel atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	defer func() {
		signal.Stop(sigCh)
		close(done)
	}()
	go func() {
		select {
		case <-sigCh:
			cancel.Store(true)
		case <-done:
		}
	}()

	if len(cfg.TargetTemps) == 0 {
		return d.repetitionLoop(cfg, iter, &cancel, 0, false)
	}

	if d.Controller == nil {
		return fmt.Errorf("%w: target temperatures configured without a controller", ErrTemperatureTimeout)
	}
	if !d.Controller.Connect() {
		return fmt.Errorf("experiment: failed to connect to temperature controller")
	}
	defer d.Controller.SetTargetTemperature(tempctrl.SafeTemperature)

	for _, target := range cfg.TargetTemps {
		d.Controller.SetTargetTemperature(target)

		if cancel.Load() {
			return nil
		}
		if err := d.waitForTemperature(target, cfg, &cancel); err != nil {
			return err
		}
		if cancel.Load() {
			return nil
		}

		if err := d.repetitionLoop(cfg, iter, &cancel, target, true); err != nil {
			return err
		}
		if cancel.Load() {
			return nil
		}
	}

	return nil
}

func (d *Driver) waitForTemperature(target int64, cfg RunConfig, cancel *atomic.Bool) error {
	interval := cfg.TempPollInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now().Add(cfg.TempTimeout)
	for {
		actual := d.Controller.GetActualTemperature()
		if actual == target {
			return nil
		}
		if cancel.Load() {
			return nil
		}
		if cfg.TempTimeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w: target %d C after %s", ErrTemperatureTimeout, target, cfg.TempTimeout)
		}
		time.Sleep(interval)
	}
}

func (d *Driver) repetitionLoop(cfg RunConfig, iter IterFunc, cancel *atomic.Bool, targetTemp int64, haveTemp bool) error {
	for rep := 0; rep < cfg.Repetitions; rep++ {
		if cancel.Load() {
			return nil
		}

		var expID int64
		if d.Store != nil {
			temp := 0
			if haveTemp {
				temp = int(targetTemp)
			}
			id, err := d.Store.StartExperiment(cfg.AggressorRows, cfg.HammerCount, temp, cfg.Comment)
			if err != nil {
				return fmt.Errorf("failed to start experiment record - %w", err)
			}
			expID = id
			d.logger().Printf("experiment: repetition %d/%d, experiment id %d", rep+1, cfg.Repetitions, expID)
		}

		var timeoutTimer *time.Timer
		if cfg.TestMaxTime > 0 {
			timeoutTimer = time.AfterFunc(cfg.TestMaxTime, func() { cancel.Store(true) })
		}

		err := iter(cancel.Load)

		if timeoutTimer != nil {
			timeoutTimer.Stop()
		}

		if d.Store != nil {
			if endErr := d.Store.EndExperiment(); endErr != nil && err == nil {
				err = fmt.Errorf("failed to end experiment record - %w", endErr)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
