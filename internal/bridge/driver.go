package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/modbus"
	"github.com/KevinKickass/SorterBridge/internal/sorter"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotRunning              = errors.New("bridge not running")
	ErrCleaningModeUnavailable = errors.New("cleaning mode register not configured")
	ErrCommandQueueFull        = errors.New("command queue full")
)

// Skip reasons reported in CycleReport and to the Recorder.
const (
	SkipReadFailed    = "read_failed"
	SkipShortSnapshot = "short_snapshot"
	SkipCancelled     = "cancelled"
)

const defaultFailureLogInterval = 10 * time.Second

// SlavePort is the sensor side of the bridge.
type SlavePort interface {
	Connect(ctx context.Context) error
	Close() error
	ReadInputs(ctx context.Context) ([]bool, error)
	Address() string
}

// ControllerPort is the actuator side of the bridge.
type ControllerPort interface {
	Connect(ctx context.Context) error
	Close() error
	WriteOutputs(ctx context.Context, values types.OutputVector) error
	WriteRegister(ctx context.Context, addr uint16, value uint16) error
	Address() string
}

// Recorder receives loop measurements.
type Recorder interface {
	CycleCompleted(d time.Duration)
	CycleSkipped(reason string)
	WriteFailed(ch types.Channel)
	Released(kind types.ReleaseEventKind, ch types.Channel)
	QueueDepth(ch types.Channel, depth int)
	StateChanged(state string)
}

// Publisher fans cycle results out to live subscribers. Implementations
// must not block.
type Publisher interface {
	PublishCycle(report CycleReport)
	PublishRelease(event types.ReleaseEvent)
	PublishState(from, to State)
}

// Journal persists release events. Record must not block.
type Journal interface {
	Record(event types.ReleaseEvent)
}

type nopRecorder struct{}

func (nopRecorder) CycleCompleted(time.Duration)                  {}
func (nopRecorder) CycleSkipped(string)                           {}
func (nopRecorder) WriteFailed(types.Channel)                     {}
func (nopRecorder) Released(types.ReleaseEventKind, types.Channel) {}
func (nopRecorder) QueueDepth(types.Channel, int)                 {}
func (nopRecorder) StateChanged(string)                           {}

type nopPublisher struct{}

func (nopPublisher) PublishCycle(CycleReport)         {}
func (nopPublisher) PublishRelease(types.ReleaseEvent) {}
func (nopPublisher) PublishState(State, State)         {}

type nopJournal struct{}

func (nopJournal) Record(types.ReleaseEvent) {}

type Options struct {
	CyclePeriod        time.Duration
	FailureLogInterval time.Duration
	// CleaningModeRegister is the controller register toggled by
	// SetCleaningMode. Zero disables the command.
	CleaningModeRegister uint16
	// RunID tags journal rows of this process; generated when zero.
	RunID uuid.UUID

	Recorder  Recorder
	Publisher Publisher
	Journal   Journal
	Clock     func() time.Time
}

// CycleReport describes the outcome of one poll cycle.
type CycleReport struct {
	At         time.Time          `json:"at"`
	Skipped    bool               `json:"skipped"`
	SkipReason string             `json:"skip_reason,omitempty"`
	Inputs     []bool             `json:"inputs,omitempty"`
	Outputs    types.OutputVector `json:"outputs,omitempty"`
	Duration   time.Duration      `json:"duration_ns"`

	Enqueued   []sorter.Assignment `json:"-"`
	Rejected   []sorter.Assignment `json:"-"`
	Dispatched []sorter.Dispatch   `json:"-"`
	Err        error               `json:"-"`
}

type Status struct {
	State             State              `json:"state"`
	RunID             uuid.UUID          `json:"run_id"`
	Slave             string             `json:"slave"`
	Controller        string             `json:"controller"`
	Trigger           string             `json:"trigger"`
	CyclePeriodMs     int64              `json:"cycle_period_ms"`
	StartedAt         time.Time          `json:"started_at"`
	Cycles            uint64             `json:"cycles"`
	SkippedCycles     uint64             `json:"skipped_cycles"`
	ReadFailures      uint64             `json:"read_failures"`
	WriteFailures     uint64             `json:"write_failures"`
	ReadFailureStreak int                `json:"read_failure_streak"`
	LastCycleAt       time.Time          `json:"last_cycle_at"`
	LastInputs        []bool             `json:"last_inputs"`
	LastOutputs       types.OutputVector `json:"last_outputs"`
	LastError         string             `json:"last_error,omitempty"`
	CleaningMode      bool               `json:"cleaning_mode"`
}

type command struct {
	cleaningMode bool
}

// Driver runs the read, classify, tick, write cycle against the two
// Modbus endpoints. Run and RunCycle are driven from a single goroutine;
// Status and SetCleaningMode may be called from anywhere.
type Driver struct {
	slave      SlavePort
	controller ControllerPort
	classifier *sorter.Classifier
	scheduler  *sorter.Scheduler
	opts       Options
	logger     *zap.Logger
	commands   chan command

	mu     sync.RWMutex
	state  State
	status Status

	// loop-only
	lastFailureLog time.Time
}

func NewDriver(slave SlavePort, controller ControllerPort, classifier *sorter.Classifier, scheduler *sorter.Scheduler, opts Options, logger *zap.Logger) (*Driver, error) {
	if slave == nil || controller == nil || classifier == nil || scheduler == nil {
		return nil, fmt.Errorf("%w: driver needs slave, controller, classifier and scheduler", types.ErrConfigMismatch)
	}
	if opts.CyclePeriod <= 0 {
		return nil, fmt.Errorf("%w: cycle period must be positive, got %s", types.ErrConfigMismatch, opts.CyclePeriod)
	}
	if opts.FailureLogInterval <= 0 {
		opts.FailureLogInterval = defaultFailureLogInterval
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Driver{
		slave:      slave,
		controller: controller,
		classifier: classifier,
		scheduler:  scheduler,
		opts:       opts,
		logger:     logger,
		commands:   make(chan command, 8),
		state:      StateDisconnected,
	}
	d.status = Status{
		RunID:         opts.RunID,
		Slave:         slave.Address(),
		Controller:    controller.Address(),
		Trigger:       string(classifier.Trigger()),
		CyclePeriodMs: opts.CyclePeriod.Milliseconds(),
	}
	opts.Recorder.StateChanged(d.state.String())

	return d, nil
}

func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) setState(to State) error {
	d.mu.Lock()
	from := d.state
	if err := ValidateTransition(from, to); err != nil {
		d.mu.Unlock()
		return err
	}
	d.state = to
	d.mu.Unlock()

	d.logger.Info("Bridge state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	d.opts.Recorder.StateChanged(to.String())
	d.opts.Publisher.PublishState(from, to)
	return nil
}

// Connect opens the slave and then the controller session. If either
// fails both are released and the driver terminates.
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.setState(StateConnecting); err != nil {
		return err
	}

	d.logger.Info("Connecting endpoints",
		zap.String("slave", d.slave.Address()),
		zap.String("controller", d.controller.Address()))

	if err := d.slave.Connect(ctx); err != nil {
		return d.abortConnect(connectionError("slave", d.slave.Address(), err))
	}
	if err := d.controller.Connect(ctx); err != nil {
		return d.abortConnect(connectionError("controller", d.controller.Address(), err))
	}

	d.mu.Lock()
	d.status.StartedAt = d.opts.Clock()
	d.mu.Unlock()

	return d.setState(StateRunning)
}

func (d *Driver) abortConnect(err error) error {
	d.logger.Error("Connection failed", zap.Error(err))
	d.releasePorts()
	if serr := d.setState(StateTerminated); serr != nil {
		d.logger.Warn("State transition failed", zap.Error(serr))
	}
	d.setLastError(err)
	return err
}

func connectionError(name, address string, err error) error {
	if errors.Is(err, types.ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", types.ErrConnection, name, address, err)
}

func (d *Driver) releasePorts() {
	if err := d.slave.Close(); err != nil {
		d.logger.Warn("Closing slave failed", zap.Error(err))
	}
	if err := d.controller.Close(); err != nil {
		d.logger.Warn("Closing controller failed", zap.Error(err))
	}
}

// Run drives cycles every CyclePeriod until ctx is cancelled, then closes
// both endpoints. Cancellation is not an error.
func (d *Driver) Run(ctx context.Context) error {
	if s := d.State(); s != StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, s)
	}

	d.logger.Info("Poll loop started",
		zap.Duration("cycle_period", d.opts.CyclePeriod),
		zap.String("trigger", string(d.classifier.Trigger())),
		zap.Int("channels", d.scheduler.ChannelCount()))

	ticker := time.NewTicker(d.opts.CyclePeriod)
	defer ticker.Stop()

	for ctx.Err() == nil {
		d.RunCycle(ctx, d.opts.Clock())

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	d.shutdown()
	return nil
}

func (d *Driver) shutdown() {
	if err := d.setState(StateShuttingDown); err != nil {
		d.logger.Warn("State transition failed", zap.Error(err))
	}
	d.releasePorts()
	if err := d.setState(StateTerminated); err != nil {
		d.logger.Warn("State transition failed", zap.Error(err))
	}

	st := d.Status()
	d.logger.Info("Poll loop stopped",
		zap.Uint64("cycles", st.Cycles),
		zap.Uint64("skipped_cycles", st.SkippedCycles),
		zap.Int("pending", d.scheduler.Stats().TotalPending))
}

// RunCycle executes one cycle at now. Read failures and short snapshots
// skip classification, tick and write; controller outputs keep their
// previous values. A failed write does not requeue dispatched entries.
func (d *Driver) RunCycle(ctx context.Context, now time.Time) CycleReport {
	start := time.Now()
	report := CycleReport{At: now}

	d.applyCommands(ctx)

	if err := ctx.Err(); err != nil {
		report.Skipped, report.SkipReason, report.Err = true, SkipCancelled, err
		return report
	}

	inputs, err := d.slave.ReadInputs(ctx)
	if err == nil && len(inputs) == 0 {
		err = fmt.Errorf("%w: empty input snapshot", types.ErrIO)
	}
	if err != nil {
		if ctx.Err() != nil {
			report.Skipped, report.SkipReason, report.Err = true, SkipCancelled, err
			return report
		}
		d.readFailed(now, err)
		return d.finishSkipped(report, SkipReadFailed, err, start)
	}
	d.readRecovered()
	report.Inputs = inputs

	result, err := d.classifier.Observe(inputs, now)
	if err != nil {
		d.logger.Warn("Input snapshot rejected, cycle skipped",
			zap.Int("inputs", len(inputs)),
			zap.Error(err))
		return d.finishSkipped(report, SkipShortSnapshot, err, start)
	}
	report.Enqueued = result.Enqueued
	report.Rejected = result.Rejected

	outputs, dispatched := d.scheduler.TickDispatches(now)
	report.Outputs = outputs
	report.Dispatched = dispatched

	// Entries are dequeued, the write has to happen even during shutdown.
	// modbus.timeout still bounds it.
	if err := d.controller.WriteOutputs(context.WithoutCancel(ctx), outputs); err != nil {
		report.Err = err
		d.writeFailed(err)
	}

	d.emit(report, now)
	return d.finish(report, start)
}

func (d *Driver) finishSkipped(report CycleReport, reason string, err error, start time.Time) CycleReport {
	report.Skipped = true
	report.SkipReason = reason
	report.Err = err
	d.opts.Recorder.CycleSkipped(reason)
	return d.finish(report, start)
}

func (d *Driver) finish(report CycleReport, start time.Time) CycleReport {
	report.Duration = time.Since(start)
	d.opts.Recorder.CycleCompleted(report.Duration)

	d.mu.Lock()
	d.status.Cycles++
	d.status.LastCycleAt = report.At
	if report.Skipped {
		d.status.SkippedCycles++
	} else {
		d.status.LastInputs = report.Inputs
		d.status.LastOutputs = report.Outputs
	}
	if report.Err != nil {
		d.status.LastError = report.Err.Error()
	}
	d.mu.Unlock()

	d.opts.Publisher.PublishCycle(report)
	return report
}

func (d *Driver) readFailed(now time.Time, err error) {
	d.mu.Lock()
	d.status.ReadFailures++
	d.status.ReadFailureStreak++
	streak := d.status.ReadFailureStreak
	d.mu.Unlock()

	// Während eines Ausfalls nur gedrosselt loggen
	if streak == 1 || now.Sub(d.lastFailureLog) >= d.opts.FailureLogInterval {
		d.lastFailureLog = now
		d.logger.Warn("Input read failed, cycle skipped",
			zap.String("slave", d.slave.Address()),
			zap.Int("streak", streak),
			zap.Error(err))
	}
}

func (d *Driver) readRecovered() {
	d.mu.Lock()
	streak := d.status.ReadFailureStreak
	d.status.ReadFailureStreak = 0
	d.mu.Unlock()

	if streak > 0 {
		d.logger.Info("Slave connection restored",
			zap.String("slave", d.slave.Address()),
			zap.Int("failed_cycles", streak))
	}
}

func (d *Driver) writeFailed(err error) {
	d.mu.Lock()
	d.status.WriteFailures++
	d.mu.Unlock()

	failures := channelFailures(err)
	if len(failures) == 0 {
		d.logger.Error("Output write failed", zap.Error(err))
		return
	}
	for _, f := range failures {
		d.logger.Error("Output write failed",
			zap.Int("channel", int(f.Channel)),
			zap.Uint16("register", f.Register),
			zap.Error(f.Err))
		d.opts.Recorder.WriteFailed(f.Channel)
	}
}

// channelFailures collects every ChannelWriteError in an error tree.
func channelFailures(err error) []*modbus.ChannelWriteError {
	var out []*modbus.ChannelWriteError
	var walk func(error)
	walk = func(e error) {
		if cwe, ok := e.(*modbus.ChannelWriteError); ok {
			out = append(out, cwe)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		if inner := errors.Unwrap(e); inner != nil {
			walk(inner)
		}
	}
	walk(err)
	return out
}

func (d *Driver) emit(report CycleReport, now time.Time) {
	for _, a := range report.Enqueued {
		d.logger.Debug("Object classified",
			zap.Int("input", a.Entry.Input),
			zap.Int("channel", int(a.Channel)),
			zap.Time("due_at", a.Entry.DueAt))
		d.release(types.NewReleaseEvent(types.ReleaseEventClassified, a.Channel, a.Entry, now))
	}
	for _, a := range report.Rejected {
		d.logger.Warn("Channel blocked, detection dropped",
			zap.Int("input", a.Entry.Input),
			zap.Int("channel", int(a.Channel)))
		d.release(types.NewReleaseEvent(types.ReleaseEventRejected, a.Channel, a.Entry, now))
	}
	for _, dsp := range report.Dispatched {
		d.logger.Debug("Release pulse",
			zap.Int("channel", int(dsp.Channel)),
			zap.Int("input", dsp.Entry.Input),
			zap.Duration("late_by", now.Sub(dsp.Entry.DueAt)))
		d.release(types.NewReleaseEvent(types.ReleaseEventDispatched, dsp.Channel, dsp.Entry, now))
	}

	for ch := 0; ch < d.scheduler.ChannelCount(); ch++ {
		if n, err := d.scheduler.Len(types.Channel(ch)); err == nil {
			d.opts.Recorder.QueueDepth(types.Channel(ch), n)
		}
	}
}

func (d *Driver) release(event types.ReleaseEvent) {
	d.opts.Recorder.Released(event.Kind, event.Channel)
	d.opts.Publisher.PublishRelease(event)
	d.opts.Journal.Record(event)
}

// SetCleaningMode queues a cleaning mode change for the next cycle.
func (d *Driver) SetCleaningMode(on bool) error {
	if d.opts.CleaningModeRegister == 0 {
		return ErrCleaningModeUnavailable
	}
	if s := d.State(); s != StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, s)
	}

	select {
	case d.commands <- command{cleaningMode: on}:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

func (d *Driver) applyCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-d.commands:
			d.applyCleaningMode(ctx, cmd.cleaningMode)
		default:
			return
		}
	}
}

func (d *Driver) applyCleaningMode(ctx context.Context, on bool) {
	var value uint16
	if on {
		value = 1
	}

	if err := d.controller.WriteRegister(ctx, d.opts.CleaningModeRegister, value); err != nil {
		d.logger.Error("Cleaning mode write failed",
			zap.Uint16("register", d.opts.CleaningModeRegister),
			zap.Bool("enabled", on),
			zap.Error(err))
		d.setLastError(err)
		return
	}

	d.mu.Lock()
	d.status.CleaningMode = on
	d.mu.Unlock()

	d.logger.Info("Cleaning mode changed", zap.Bool("enabled", on))
}

func (d *Driver) setLastError(err error) {
	d.mu.Lock()
	d.status.LastError = err.Error()
	d.mu.Unlock()
}

// Status returns a copy of the loop status.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := d.status
	st.State = d.state
	st.LastInputs = append([]bool(nil), d.status.LastInputs...)
	st.LastOutputs = append(types.OutputVector(nil), d.status.LastOutputs...)
	return st
}
