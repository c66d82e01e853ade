// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Local and framing errors. Values carried as sentinels so callers can test
// with errors.Is; ErrInvalidResponse, ErrShortFrame and ErrProtocolError
// refine one of the three classes with human-readable detail while still
// classifying to the same code.
var (
	ErrInvalidData      = errors.New("modbus: invalid data")
	ErrInvalidCRC       = errors.New("modbus: invalid crc")
	ErrInvalidException = errors.New("modbus: invalid exception code")

	ErrInvalidQuantity = fmt.Errorf("%w: invalid quantity", ErrInvalidData)
	ErrInvalidResponse = fmt.Errorf("%w: invalid response", ErrInvalidData)
	ErrShortFrame      = fmt.Errorf("%w: frame too short", ErrInvalidData)
	ErrProtocolError   = fmt.Errorf("%w: protocol mismatch", ErrInvalidData)
)

// Transport errors.
var (
	ErrSelectTimeout    = errors.New("modbus: select timeout")
	ErrSelectFailure    = errors.New("modbus: select failure")
	ErrSocketFailure    = errors.New("modbus: socket failure")
	ErrConnectionClosed = errors.New("modbus: connection closed")
	ErrMBException      = errors.New("modbus: unclassified exception")
)

// ModbusError implements error interface. It carries the function code and
// exception code returned by a remote device in response to a request.
type ModbusError struct {
	FunctionCode  byte
	ExceptionCode byte
}

// Error converts known modbus exception code to error message.
func (e *ModbusError) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeSlaveDeviceFailure:
		name = "slave device failure"
	case ExceptionCodeAcknowledge:
		name = "acknowledge"
	case ExceptionCodeSlaveDeviceBusy:
		name = "slave device busy"
	case ExceptionCodeNegativeAcknowledge:
		name = "negative acknowledge"
	case ExceptionCodeMemoryParityError:
		name = "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		name = "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		name = "gateway target device failed to respond"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: function code %d, exception code %d (%s)", e.FunctionCode&(^byte(exceptionBit)), e.ExceptionCode, name)
}

// Code returns the signed integer error code of the exception, matching the
// classic Modbus exception numbering (-1 for illegal function and so on).
func (e *ModbusError) Code() int {
	return -int(e.ExceptionCode)
}

// ErrorCode recovers the classic signed-integer error code of err, if it
// carries one. Protocol exceptions report their negative exception code;
// recognized local/transport sentinels report the codes documented for this
// library; anything else reports 0, false.
func ErrorCode(err error) (code int, ok bool) {
	var mbErr *ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.Code(), true
	}
	for sentinel, c := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return c, true
		}
	}
	return 0, false
}

var sentinelCodes = map[error]int{
	ErrInvalidData:      -16,
	ErrInvalidCRC:       -17,
	ErrInvalidException: -18,
	ErrSelectTimeout:    -19,
	ErrSelectFailure:    -20,
	ErrSocketFailure:    -21,
	ErrConnectionClosed: -22,
	ErrMBException:      -23,
}
