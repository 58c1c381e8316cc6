package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/modbus"
	"github.com/KevinKickass/SorterBridge/internal/sorter"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type readResult struct {
	inputs []bool
	err    error
}

type fakeSlave struct {
	mu         sync.Mutex
	connectErr error
	reads      []readResult
	idle       []bool
	closed     int
	onRead     func()
}

func (s *fakeSlave) Connect(context.Context) error { return s.connectErr }

func (s *fakeSlave) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSlave) ReadInputs(context.Context) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onRead != nil {
		s.onRead()
	}
	if len(s.reads) == 0 {
		return append([]bool(nil), s.idle...), nil
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	return r.inputs, r.err
}

func (s *fakeSlave) Address() string { return "slave:504" }

func (s *fakeSlave) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeController struct {
	mu         sync.Mutex
	connectErr error
	writeErr   error
	writes     []types.OutputVector
	registers  map[uint16]uint16
	closed     int
}

func (c *fakeController) Connect(context.Context) error { return c.connectErr }

func (c *fakeController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeController) WriteOutputs(ctx context.Context, values types.OutputVector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// wie modbus.Client.SendFrame
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writes = append(c.writes, append(types.OutputVector(nil), values...))
	return c.writeErr
}

func (c *fakeController) WriteRegister(_ context.Context, addr uint16, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registers == nil {
		c.registers = make(map[uint16]uint16)
	}
	c.registers[addr] = value
	return nil
}

func (c *fakeController) Address() string { return "plc:504" }

func (c *fakeController) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeController) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type captureJournal struct {
	mu     sync.Mutex
	events []types.ReleaseEvent
}

func (j *captureJournal) Record(e types.ReleaseEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *captureJournal) kinds() []types.ReleaseEventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.ReleaseEventKind
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

const channels = 7

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func idle() []bool { return make([]bool, 7) }

func bits(set ...int) []bool {
	in := idle()
	for _, i := range set {
		in[i] = true
	}
	return in
}

func conveyorRoutes() []types.Route {
	routes := []types.Route{{Input: 0, Channel: 1, Delay: 4 * time.Second}}
	for i := 1; i <= 5; i++ {
		routes = append(routes, types.Route{Input: i, Channel: types.Channel(i + 1), Delay: 5 * time.Second})
	}
	return routes
}

func newTestDriver(t *testing.T, slave *fakeSlave, ctrl *fakeController, opts Options, logger *zap.Logger) (*Driver, *sorter.Scheduler) {
	t.Helper()

	table, err := sorter.NewRouteTable(conveyorRoutes(), 7, channels)
	if err != nil {
		t.Fatalf("route table: %v", err)
	}
	sched, err := sorter.NewScheduler(channels)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	cls, err := sorter.NewClassifier(table, sched, sorter.TriggerLevel)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	if opts.CyclePeriod == 0 {
		opts.CyclePeriod = 300 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d, err := NewDriver(slave, ctrl, cls, sched, opts, logger)
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	return d, sched
}

func connect(t *testing.T, d *Driver) {
	t.Helper()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestRunCycleClassifiesThenPulses(t *testing.T) {
	slave := &fakeSlave{reads: []readResult{{inputs: bits(0)}}, idle: idle()}
	ctrl := &fakeController{}
	journal := &captureJournal{}
	d, sched := newTestDriver(t, slave, ctrl, Options{Journal: journal}, nil)
	connect(t, d)
	ctx := context.Background()

	report := d.RunCycle(ctx, t0)
	if report.Skipped || len(report.Enqueued) != 1 {
		t.Fatalf("expected one classification, got %+v", report)
	}
	if n, _ := sched.Len(1); n != 1 {
		t.Fatalf("channel 1 length %d", n)
	}

	report = d.RunCycle(ctx, t0.Add(3900*time.Millisecond))
	if len(report.Outputs.Asserted()) != 0 {
		t.Fatalf("released early: %v", report.Outputs)
	}

	report = d.RunCycle(ctx, t0.Add(4*time.Second))
	if got := report.Outputs.Asserted(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected pulse on channel 1, got %v", got)
	}

	report = d.RunCycle(ctx, t0.Add(4300*time.Millisecond))
	if len(report.Outputs.Asserted()) != 0 {
		t.Fatalf("pulse must last one cycle, got %v", report.Outputs)
	}

	if ctrl.writeCount() != 4 {
		t.Fatalf("expected a write per cycle, got %d", ctrl.writeCount())
	}
	kinds := journal.kinds()
	if len(kinds) != 2 || kinds[0] != types.ReleaseEventClassified || kinds[1] != types.ReleaseEventDispatched {
		t.Fatalf("unexpected journal events %v", kinds)
	}

	st := d.Status()
	if st.Cycles != 4 || st.SkippedCycles != 0 || st.State != StateRunning {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunCycleReadFailureLeavesOutputsUnchanged(t *testing.T) {
	slave := &fakeSlave{reads: []readResult{
		{inputs: bits(2)},
		{err: errors.New("connection reset")},
		{inputs: []bool{}},
	}, idle: idle()}
	ctrl := &fakeController{}
	d, sched := newTestDriver(t, slave, ctrl, Options{}, nil)
	connect(t, d)
	ctx := context.Background()

	d.RunCycle(ctx, t0)

	// Fällig, aber der Lesefehler überspringt den Tick
	report := d.RunCycle(ctx, t0.Add(5*time.Second))
	if !report.Skipped || report.SkipReason != SkipReadFailed {
		t.Fatalf("expected skipped cycle, got %+v", report)
	}
	report = d.RunCycle(ctx, t0.Add(5300*time.Millisecond))
	if !report.Skipped || !errors.Is(report.Err, types.ErrIO) {
		t.Fatalf("empty snapshot must skip with ErrIO, got %+v", report)
	}

	if ctrl.writeCount() != 1 {
		t.Fatalf("skipped cycles must not write, got %d writes", ctrl.writeCount())
	}
	if n, _ := sched.Len(3); n != 1 {
		t.Fatalf("entry must stay queued through skipped cycles, len %d", n)
	}

	report = d.RunCycle(ctx, t0.Add(5600*time.Millisecond))
	if got := report.Outputs.Asserted(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected late release on channel 3, got %v", got)
	}

	st := d.Status()
	if st.SkippedCycles != 2 || st.ReadFailures != 2 || st.ReadFailureStreak != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunCycleShortSnapshotSkips(t *testing.T) {
	slave := &fakeSlave{reads: []readResult{{inputs: []bool{true, true}}}, idle: idle()}
	ctrl := &fakeController{}
	d, sched := newTestDriver(t, slave, ctrl, Options{}, nil)
	connect(t, d)

	report := d.RunCycle(context.Background(), t0)
	if !report.Skipped || report.SkipReason != SkipShortSnapshot {
		t.Fatalf("expected short snapshot skip, got %+v", report)
	}
	if !errors.Is(report.Err, types.ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", report.Err)
	}
	if sched.Stats().TotalPending != 0 || ctrl.writeCount() != 0 {
		t.Fatalf("short snapshot must not enqueue or write")
	}
}

func TestRunCycleWriteFailureKeepsDequeue(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	slave := &fakeSlave{reads: []readResult{{inputs: bits(0)}}, idle: idle()}
	ctrl := &fakeController{}
	d, sched := newTestDriver(t, slave, ctrl, Options{}, zap.New(core))
	connect(t, d)
	ctx := context.Background()

	d.RunCycle(ctx, t0)

	ctrl.mu.Lock()
	ctrl.writeErr = errors.Join(&modbus.ChannelWriteError{Channel: 1, Register: 7, Err: errors.New("timeout")})
	ctrl.mu.Unlock()

	report := d.RunCycle(ctx, t0.Add(4*time.Second))
	if report.Skipped || !report.Outputs[1] {
		t.Fatalf("expected dispatch despite write failure, got %+v", report)
	}
	if n, _ := sched.Len(1); n != 0 {
		t.Fatalf("dispatch must not be rolled back, len %d", n)
	}

	entries := logs.FilterMessage("Output write failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one write failure log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["channel"] != int64(1) || fields["register"] != uint16(7) {
		t.Fatalf("write failure must name channel and register, got %v", fields)
	}
	if d.Status().WriteFailures != 1 {
		t.Fatalf("write failure not counted")
	}

	ctrl.mu.Lock()
	ctrl.writeErr = nil
	ctrl.mu.Unlock()
	report = d.RunCycle(ctx, t0.Add(4300*time.Millisecond))
	if len(report.Outputs.Asserted()) != 0 {
		t.Fatalf("lost pulse must not be retried, got %v", report.Outputs)
	}
}

func TestRunCycleCancelledMidCycleStillWritesDispatches(t *testing.T) {
	slave := &fakeSlave{reads: []readResult{{inputs: bits(0)}}, idle: idle()}
	ctrl := &fakeController{}
	d, sched := newTestDriver(t, slave, ctrl, Options{}, nil)
	connect(t, d)

	d.RunCycle(context.Background(), t0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slave.onRead = cancel

	report := d.RunCycle(ctx, t0.Add(4*time.Second))
	if report.Skipped || report.Err != nil {
		t.Fatalf("cycle must complete after cancellation during read, got %+v", report)
	}
	if len(report.Dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(report.Dispatched))
	}
	if n, _ := sched.Len(1); n != 0 {
		t.Fatalf("channel 1 length %d", n)
	}

	ctrl.mu.Lock()
	last := ctrl.writes[len(ctrl.writes)-1]
	ctrl.mu.Unlock()
	if ctrl.writeCount() != 2 || !last[1] {
		t.Fatalf("dispatched pulse not written, writes=%d last=%v", ctrl.writeCount(), last)
	}
	if d.Status().WriteFailures != 0 {
		t.Fatalf("cancellation must not count as write failure")
	}
}

func TestReadFailureStreakLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var reads []readResult
	for i := 0; i < 5; i++ {
		reads = append(reads, readResult{err: errors.New("no route to host")})
	}
	slave := &fakeSlave{reads: reads, idle: idle()}
	d, _ := newTestDriver(t, slave, &fakeController{}, Options{FailureLogInterval: time.Second}, zap.New(core))
	connect(t, d)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.RunCycle(ctx, t0.Add(time.Duration(i)*300*time.Millisecond))
	}
	if got := logs.FilterMessage("Input read failed, cycle skipped").Len(); got != 2 {
		t.Fatalf("expected throttled warnings (first and after 1s), got %d", got)
	}
	if d.Status().ReadFailureStreak != 5 {
		t.Fatalf("streak %d", d.Status().ReadFailureStreak)
	}

	d.RunCycle(ctx, t0.Add(2*time.Second))
	restored := logs.FilterMessage("Slave connection restored").All()
	if len(restored) != 1 || restored[0].ContextMap()["failed_cycles"] != int64(5) {
		t.Fatalf("expected restore log with streak length, got %v", restored)
	}
	if d.Status().State != StateRunning {
		t.Fatalf("failure streak must not stop the loop")
	}
}

func TestConnectFailureReleasesBothEndpoints(t *testing.T) {
	slave := &fakeSlave{}
	ctrl := &fakeController{connectErr: errors.New("refused")}
	d, _ := newTestDriver(t, slave, ctrl, Options{}, nil)

	err := d.Connect(context.Background())
	if !errors.Is(err, types.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if slave.closeCount() != 1 || ctrl.closeCount() != 1 {
		t.Fatalf("both endpoints must be closed, slave=%d controller=%d", slave.closeCount(), ctrl.closeCount())
	}
	if d.State() != StateTerminated {
		t.Fatalf("state %s", d.State())
	}
	if err := d.Run(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("run after failed connect: %v", err)
	}
}

func TestRunStopsOnCancelAndClosesEndpoints(t *testing.T) {
	slave := &fakeSlave{idle: idle()}
	ctrl := &fakeController{}
	d, _ := newTestDriver(t, slave, ctrl, Options{CyclePeriod: 5 * time.Millisecond}, nil)
	connect(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.writeCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not cycle")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}

	if d.State() != StateTerminated {
		t.Fatalf("state %s", d.State())
	}
	if slave.closeCount() != 1 || ctrl.closeCount() != 1 {
		t.Fatalf("endpoints not closed, slave=%d controller=%d", slave.closeCount(), ctrl.closeCount())
	}
}

func TestRunCycleCancelledContextSkipsRead(t *testing.T) {
	slave := &fakeSlave{reads: []readResult{{inputs: bits(0)}}}
	ctrl := &fakeController{}
	d, sched := newTestDriver(t, slave, ctrl, Options{}, nil)
	connect(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := d.RunCycle(ctx, t0)
	if report.SkipReason != SkipCancelled {
		t.Fatalf("expected cancelled skip, got %+v", report)
	}
	if sched.Stats().TotalPending != 0 || ctrl.writeCount() != 0 {
		t.Fatalf("cancelled cycle must not classify or write")
	}
}

func TestSetCleaningMode(t *testing.T) {
	ctrl := &fakeController{}
	d, _ := newTestDriver(t, &fakeSlave{idle: idle()}, ctrl, Options{CleaningModeRegister: 20}, nil)

	if err := d.SetCleaningMode(true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before connect, got %v", err)
	}
	connect(t, d)

	if err := d.SetCleaningMode(true); err != nil {
		t.Fatalf("set cleaning mode: %v", err)
	}
	if d.Status().CleaningMode {
		t.Fatalf("cleaning mode applies on the next cycle")
	}

	d.RunCycle(context.Background(), t0)
	if ctrl.registers[20] != 1 || !d.Status().CleaningMode {
		t.Fatalf("cleaning mode not written, registers=%v", ctrl.registers)
	}

	if err := d.SetCleaningMode(false); err != nil {
		t.Fatalf("reset cleaning mode: %v", err)
	}
	d.RunCycle(context.Background(), t0.Add(300*time.Millisecond))
	if ctrl.registers[20] != 0 || d.Status().CleaningMode {
		t.Fatalf("cleaning mode not cleared")
	}
}

func TestSetCleaningModeWithoutRegister(t *testing.T) {
	d, _ := newTestDriver(t, &fakeSlave{idle: idle()}, &fakeController{}, Options{}, nil)
	connect(t, d)
	if err := d.SetCleaningMode(true); !errors.Is(err, ErrCleaningModeUnavailable) {
		t.Fatalf("expected ErrCleaningModeUnavailable, got %v", err)
	}
}

func TestBlockedChannelRejectionsAreJournaled(t *testing.T) {
	slave := &fakeSlave{reads: []readResult{{inputs: bits(1, 2)}}, idle: idle()}
	journal := &captureJournal{}
	d, sched := newTestDriver(t, slave, &fakeController{}, Options{Journal: journal}, nil)
	connect(t, d)

	if err := sched.SetBlocked(2, true); err != nil {
		t.Fatalf("block: %v", err)
	}
	report := d.RunCycle(context.Background(), t0)
	if len(report.Rejected) != 1 || report.Rejected[0].Channel != 2 {
		t.Fatalf("expected rejection on channel 2, got %+v", report.Rejected)
	}
	if len(report.Enqueued) != 1 || report.Enqueued[0].Channel != 3 {
		t.Fatalf("other channels must be unaffected, got %+v", report.Enqueued)
	}

	kinds := journal.kinds()
	if len(kinds) != 2 || kinds[0] != types.ReleaseEventClassified || kinds[1] != types.ReleaseEventRejected {
		t.Fatalf("unexpected journal events %v", kinds)
	}
}

func TestNewDriverRejectsBadPeriod(t *testing.T) {
	table, _ := sorter.NewRouteTable(conveyorRoutes(), 7, channels)
	sched, _ := sorter.NewScheduler(channels)
	cls, _ := sorter.NewClassifier(table, sched, sorter.TriggerLevel)

	_, err := NewDriver(&fakeSlave{}, &fakeController{}, cls, sched, Options{CyclePeriod: 0}, zap.NewNop())
	if !errors.Is(err, types.ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestStatusJSONAfterCycle(t *testing.T) {
	d, _ := newTestDriver(t, &fakeSlave{idle: idle()}, &fakeController{}, Options{}, nil)
	connect(t, d)
	d.RunCycle(context.Background(), t0)

	raw, err := json.Marshal(d.Status())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var st struct {
		State       string    `json:"state"`
		LastCycleAt time.Time `json:"last_cycle_at"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.State != "RUNNING" || !st.LastCycleAt.Equal(t0) {
		t.Fatalf("unexpected status json %s", raw)
	}
}
