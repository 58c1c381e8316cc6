package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"go.uber.org/zap"
)

const (
	DriverNative   = "native"
	DriverGoburrow = "goburrow"
)

// NewRegisterClient builds the transport selected by driver.
func NewRegisterClient(driver, host string, port int, timeout time.Duration, logger *zap.Logger) (RegisterClient, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	switch driver {
	case "", DriverNative:
		return NewClient(address, timeout), nil
	case DriverGoburrow:
		return NewGoburrowClient(address, timeout, logger)
	default:
		return nil, fmt.Errorf("%w: unknown modbus driver %q", types.ErrConfigMismatch, driver)
	}
}

// endpoint tracks the session state of one remote unit.
type endpoint struct {
	name    string
	address string
	unitID  uint8
	client  RegisterClient

	mu        sync.RWMutex
	connected bool
}

func (e *endpoint) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrConnection, e.name, e.address, err)
	}
	if err := e.client.Connect(); err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrConnection, e.name, e.address, err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil
	}
	e.connected = false
	return e.client.Close()
}

func (e *endpoint) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *endpoint) Address() string {
	return e.address
}

// SlaveEndpoint reads the sensor block from the slave device.
type SlaveEndpoint struct {
	endpoint
	baseAddress uint16
	inputCount  uint16
}

func NewSlaveEndpoint(client RegisterClient, address string, unitID uint8, baseAddress uint16, inputCount int) (*SlaveEndpoint, error) {
	if inputCount <= 0 || inputCount > 125 {
		return nil, fmt.Errorf("%w: input count %d outside 1..125", types.ErrConfigMismatch, inputCount)
	}

	return &SlaveEndpoint{
		endpoint: endpoint{
			name:    "slave",
			address: address,
			unitID:  unitID,
			client:  client,
		},
		baseAddress: baseAddress,
		inputCount:  uint16(inputCount),
	}, nil
}

// ReadInputs reads inputCount contiguous holding registers. Any non-zero
// register value counts as asserted.
func (s *SlaveEndpoint) ReadInputs(ctx context.Context) ([]bool, error) {
	registers, err := s.client.ReadHoldingRegisters(ctx, s.unitID, s.baseAddress, s.inputCount)
	if err != nil {
		return nil, fmt.Errorf("%w: read %d registers at %d: %v", types.ErrIO, s.inputCount, s.baseAddress, err)
	}

	inputs := make([]bool, len(registers))
	for i, v := range registers {
		inputs[i] = v != 0
	}
	return inputs, nil
}

// ChannelWriteError names the channel and register of a failed output write.
type ChannelWriteError struct {
	Channel  types.Channel
	Register uint16
	Err      error
}

func (e *ChannelWriteError) Error() string {
	return fmt.Sprintf("channel %d register %d: %v", e.Channel, e.Register, e.Err)
}

func (e *ChannelWriteError) Unwrap() []error {
	return []error{types.ErrIO, e.Err}
}

// ControllerEndpoint writes the output vector to the PLC.
type ControllerEndpoint struct {
	endpoint
	outputAddresses []uint16
}

func NewControllerEndpoint(client RegisterClient, address string, unitID uint8, outputAddresses []uint16) (*ControllerEndpoint, error) {
	if len(outputAddresses) == 0 {
		return nil, fmt.Errorf("%w: no output addresses configured", types.ErrConfigMismatch)
	}

	addrs := make([]uint16, len(outputAddresses))
	copy(addrs, outputAddresses)

	return &ControllerEndpoint{
		endpoint: endpoint{
			name:    "controller",
			address: address,
			unitID:  unitID,
			client:  client,
		},
		outputAddresses: addrs,
	}, nil
}

func (c *ControllerEndpoint) ChannelCount() int {
	return len(c.outputAddresses)
}

// WriteOutputs writes one register per channel. A failed channel does not
// stop the remaining writes; all failures are returned joined.
func (c *ControllerEndpoint) WriteOutputs(ctx context.Context, values types.OutputVector) error {
	if len(values) != len(c.outputAddresses) {
		return fmt.Errorf("%w: %d output values for %d channels", types.ErrConfigMismatch, len(values), len(c.outputAddresses))
	}

	var errs []error
	for i, reg := range values.Registers() {
		addr := c.outputAddresses[i]
		if err := c.client.WriteSingleRegister(ctx, c.unitID, addr, reg); err != nil {
			errs = append(errs, &ChannelWriteError{Channel: types.Channel(i), Register: addr, Err: err})
		}
	}
	return errors.Join(errs...)
}

// WriteRegister writes an auxiliary register such as the cleaning mode flag.
func (c *ControllerEndpoint) WriteRegister(ctx context.Context, addr uint16, value uint16) error {
	if err := c.client.WriteSingleRegister(ctx, c.unitID, addr, value); err != nil {
		return fmt.Errorf("%w: register %d: %v", types.ErrIO, addr, err)
	}
	return nil
}
