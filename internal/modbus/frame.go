package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	mbapHeaderLength = 7
	// Max Modbus TCP ADU
	maxFrameLength = 260
	exceptionFlag  = 0x80
)

// MBAP Header (7 Bytes) + Function Code + Data
type ModbusFrame struct {
	TransactionID uint16 // Request/Response Korrelation
	ProtocolID    uint16 // Immer 0x0000 für Modbus
	Length        uint16 // Anzahl folgender Bytes
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

// Modbus Function Codes
const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeWriteSingleRegister  = 0x06
)

// ExceptionError is a Modbus exception response from the remote unit.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X",
		e.Code, exceptionText(e.Code), e.FunctionCode)
}

func exceptionText(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}

// Encode erstellt das komplette TCP Frame
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 für UnitID + FunctionCode

	frame := make([]byte, mbapHeaderLength+1+len(f.Data))

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parses a received ADU.
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderLength+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header says %d, got %d", frame.Length, len(data)-6)
	}

	if len(data) > 8 {
		frame.Data = data[8:]
	}

	return frame, nil
}

// Exception returns the exception carried by a response, if any.
func (f *ModbusFrame) Exception() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, Code: code}
}

// ReadHoldingRegistersRequest erstellt Request für Function Code 0x03
func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		TransactionID: transactionID,
		ProtocolID:    0x0000,
		UnitID:        unitID,
		FunctionCode:  FuncCodeReadHoldingRegisters,
		Data:          data,
	}
}

// WriteSingleRegisterRequest erstellt Request für Function Code 0x06
func WriteSingleRegisterRequest(transactionID uint16, unitID uint8, addr uint16, value uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &ModbusFrame{
		TransactionID: transactionID,
		ProtocolID:    0x0000,
		UnitID:        unitID,
		FunctionCode:  FuncCodeWriteSingleRegister,
		Data:          data,
	}
}

// ParseRegisterResponse parst Holding Register Response
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := f.Data[0]
	if byteCount%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d", byteCount)
	}
	if len(f.Data) < int(byteCount)+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registerCount := byteCount / 2
	registers := make([]uint16, registerCount)

	for i := 0; i < int(registerCount); i++ {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}

// ParseWriteEcho checks that a 0x06 response echoes the request.
func (f *ModbusFrame) ParseWriteEcho(addr, value uint16) error {
	if len(f.Data) < 4 {
		return fmt.Errorf("write response too short")
	}
	gotAddr := binary.BigEndian.Uint16(f.Data[0:2])
	gotValue := binary.BigEndian.Uint16(f.Data[2:4])
	if gotAddr != addr || gotValue != value {
		return fmt.Errorf("write echo mismatch: sent %d=%d, got %d=%d", addr, value, gotAddr, gotValue)
	}
	return nil
}
