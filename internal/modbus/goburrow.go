package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	gmodbus "github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// GoburrowClient adapts github.com/goburrow/modbus to RegisterClient.
// The library has no context support; the handler timeout bounds each call.
type GoburrowClient struct {
	mu      sync.Mutex
	handler *gmodbus.TCPClientHandler
	client  gmodbus.Client
}

func NewGoburrowClient(address string, timeout time.Duration, logger *zap.Logger) (*GoburrowClient, error) {
	handler := gmodbus.NewTCPClientHandler(address)
	handler.Timeout = timeout
	if logger != nil {
		stdLog, err := zap.NewStdLogAt(logger.Named("goburrow"), zap.DebugLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport logger: %w", err)
		}
		handler.Logger = stdLog
	}

	return &GoburrowClient{
		handler: handler,
		client:  gmodbus.NewClient(handler),
	}, nil
}

func (g *GoburrowClient) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.handler.Connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return nil
}

func (g *GoburrowClient) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler.Close()
}

func (g *GoburrowClient) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.handler.SlaveId = unitID
	raw, err := g.client.ReadHoldingRegisters(startAddr, quantity)
	if err != nil {
		return nil, err
	}
	if len(raw) != int(quantity)*2 {
		return nil, fmt.Errorf("expected %d registers, got %d bytes", quantity, len(raw))
	}

	registers := make([]uint16, quantity)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}
	return registers, nil
}

func (g *GoburrowClient) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.handler.SlaveId = unitID
	_, err := g.client.WriteSingleRegister(addr, value)
	return err
}

var _ RegisterClient = (*GoburrowClient)(nil)
