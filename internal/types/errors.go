package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the sorter core, the Modbus endpoints and the
// poll loop. Callers match with errors.Is.
var (
	// ErrConnection is fatal at startup: both endpoints must connect.
	ErrConnection = errors.New("modbus connection failed")

	// ErrIO is a per-cycle read or write failure and never stops the loop.
	ErrIO = errors.New("modbus i/o failed")

	// ErrConfigMismatch reports malformed channel, route or delay configuration
	// and input snapshots that do not match the configured input count.
	ErrConfigMismatch = errors.New("config mismatch")

	// ErrUnknownChannel is a ConfigMismatch for an out-of-range channel index.
	ErrUnknownChannel = fmt.Errorf("%w: unknown channel", ErrConfigMismatch)

	// ErrChannelBlocked is returned when an entry targets a blocked channel.
	ErrChannelBlocked = errors.New("channel blocked")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
