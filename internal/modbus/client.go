package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// RegisterClient is the transport surface the endpoints need. Client and
// GoburrowClient both implement it.
type RegisterClient interface {
	Connect() error
	Close() error
	ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error)
	WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error
}

// Client is a minimal Modbus/TCP master speaking function codes 0x03 and 0x06.
type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

// Connect stellt TCP-Verbindung her
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dialLocked()
}

func (c *Client) dialLocked() error {
	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Close schließt die Verbindung. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sends a request and waits for the matching response. A dropped
// session is redialed once; any transport error closes the session because
// the stream can no longer be trusted.
func (c *Client) SendFrame(ctx context.Context, request *ModbusFrame) (*ModbusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !c.connected {
		if err := c.dialLocked(); err != nil {
			return nil, fmt.Errorf("not connected: %w", err)
		}
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	raw, err := readADU(c.conn)
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(raw)
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		c.closeLocked()
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	if err := response.Exception(); err != nil {
		return nil, err
	}

	if response.FunctionCode != request.FunctionCode {
		return nil, fmt.Errorf("function code mismatch: expected 0x%02X, got 0x%02X",
			request.FunctionCode, response.FunctionCode)
	}

	return response, nil
}

// readADU reads exactly one MBAP-framed response.
func readADU(r io.Reader) ([]byte, error) {
	header := make([]byte, mbapHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || mbapHeaderLength-1+length > maxFrameLength {
		return nil, fmt.Errorf("invalid MBAP length %d", length)
	}

	frame := make([]byte, mbapHeaderLength-1+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[mbapHeaderLength:]); err != nil {
		return nil, err
	}

	return frame, nil
}

// ReadHoldingRegisters liest Holding Registers
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	request := ReadHoldingRegistersRequest(0, unitID, startAddr, quantity)

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return nil, err
	}

	registers, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(registers) != int(quantity) {
		return nil, fmt.Errorf("expected %d registers, got %d", quantity, len(registers))
	}
	return registers, nil
}

// WriteSingleRegister schreibt ein einzelnes Register
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	request := WriteSingleRegisterRequest(0, unitID, addr, value)

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return err
	}

	return response.ParseWriteEcho(addr, value)
}

var _ RegisterClient = (*Client)(nil)
