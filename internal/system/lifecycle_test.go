package system

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/config"
	"github.com/KevinKickass/SorterBridge/internal/interfaces"
	"github.com/KevinKickass/SorterBridge/internal/modbus"
	"github.com/KevinKickass/SorterBridge/internal/storage"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"go.uber.org/zap"
)

// registerUnit answers FC 0x03 and 0x06 from a register map.
type registerUnit struct {
	ln   net.Listener
	mu   sync.Mutex
	regs map[uint16]uint16
	seen map[uint16]bool
}

func startUnit(t *testing.T) *registerUnit {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	u := &registerUnit{ln: ln, regs: map[uint16]uint16{}, seen: map[uint16]bool{}}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go u.handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return u
}

func (u *registerUnit) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(u.ln.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	n, _ := strconv.Atoi(port)
	return host, n
}

func (u *registerUnit) set(addr, value uint16) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.regs[addr] = value
}

// everSet reports whether addr was written with a non-zero value.
func (u *registerUnit) everSet(addr uint16) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seen[addr]
}

func (u *registerUnit) handle(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		raw := make([]byte, 6+int(binary.BigEndian.Uint16(header[4:6])))
		copy(raw, header)
		if _, err := io.ReadFull(conn, raw[7:]); err != nil {
			return
		}
		req, err := modbus.DecodeFrame(raw)
		if err != nil {
			return
		}

		resp := &modbus.ModbusFrame{TransactionID: req.TransactionID, UnitID: req.UnitID, FunctionCode: req.FunctionCode}
		addr := binary.BigEndian.Uint16(req.Data[0:2])
		arg := binary.BigEndian.Uint16(req.Data[2:4])

		u.mu.Lock()
		switch req.FunctionCode {
		case modbus.FuncCodeReadHoldingRegisters:
			data := []byte{byte(arg * 2)}
			for i := uint16(0); i < arg; i++ {
				data = binary.BigEndian.AppendUint16(data, u.regs[addr+i])
			}
			resp.Data = data
		case modbus.FuncCodeWriteSingleRegister:
			u.regs[addr] = arg
			if arg != 0 {
				u.seen[addr] = true
			}
			resp.Data = req.Data
		}
		u.mu.Unlock()

		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Server.Enabled = false
	cfg.Modbus.Timeout = time.Second
	cfg.Sorter.CyclePeriod = 10 * time.Millisecond
	cfg.Sorter.Routes = []types.Route{{Input: 0, Channel: 1, Delay: 30 * time.Millisecond}}
	return cfg
}

func TestLifecycleRunsPollLoop(t *testing.T) {
	slave := startUnit(t)
	controller := startUnit(t)

	cfg := testConfig(t)
	cfg.Slave.Host, cfg.Slave.Port = slave.hostPort(t)
	cfg.Controller.Host, cfg.Controller.Port = controller.hostPort(t)

	// input 0 liegt auf Register 1
	slave.set(cfg.Slave.InputBaseAddress, 1)

	lm, err := NewLifecycleManager(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := lm.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	channelOne := cfg.Controller.OutputAddresses[1]
	deadline := time.Now().Add(3 * time.Second)
	for !controller.everSet(channelOne) {
		if time.Now().After(deadline) {
			t.Fatalf("channel 1 output (register %d) never asserted", channelOne)
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := lm.Status()
	if st.State != bridge.StateRunning || st.Cycles == 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if controller.everSet(cfg.Controller.OutputAddresses[0]) {
		t.Fatalf("channel 0 has no route and must stay low")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if s := lm.Status().State; s != bridge.StateTerminated {
		t.Fatalf("expected TERMINATED, got %s", s)
	}

	families, err := lm.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "sorter_cycle_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cycle duration histogram not registered")
	}
}

func TestLifecycleConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	cfg := testConfig(t)
	cfg.Slave.Host = host
	cfg.Slave.Port, _ = strconv.Atoi(port)
	cfg.Controller.Host = host
	cfg.Controller.Port = cfg.Slave.Port

	lm, err := NewLifecycleManager(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = lm.Start(context.Background())
	if !errors.Is(err, types.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if s := lm.Status().State; s != bridge.StateTerminated {
		t.Fatalf("expected TERMINATED, got %s", s)
	}
	if err := lm.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown after failed start: %v", err)
	}
}

func TestLifecycleWithoutJournal(t *testing.T) {
	lm, err := NewLifecycleManager(context.Background(), testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := lm.RecentReleases(context.Background(), storage.ReleaseFilter{}); !errors.Is(err, interfaces.ErrJournalDisabled) {
		t.Fatalf("expected ErrJournalDisabled, got %v", err)
	}
	if err := lm.SetCleaningMode(true); !errors.Is(err, bridge.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	if lm.Scheduler().ChannelCount() != len(lm.Config().Controller.OutputAddresses) {
		t.Fatalf("scheduler channel count mismatch")
	}
}
