// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbus implements a Modbus client and server, speaking both the
// RTU (serial) and TCP (MBAP) framing variants of the protocol.
package modbus

import "context"

// MODBUSBroadcastAddress is the slave/unit id reserved for broadcast writes.
// A request sent to this address is never answered.
const MODBUSBroadcastAddress = 255

// ModbusTCPDefaultPort is the well-known TCP port for Modbus/TCP.
const ModbusTCPDefaultPort = 502

// Function codes this library implements. Codes beyond this set (Mask Write
// Register 0x16, Read/Write Multiple Registers 0x17, Read FIFO Queue 0x18)
// are not supported.
const (
	FuncCodeReadCoils              = 1
	FuncCodeReadDiscreteInputs     = 2
	FuncCodeReadHoldingRegisters   = 3
	FuncCodeReadInputRegisters     = 4
	FuncCodeWriteSingleCoil        = 5
	FuncCodeWriteSingleRegister    = 6
	FuncCodeReadExceptionStatus    = 7
	FuncCodeWriteMultipleCoils     = 15
	FuncCodeWriteMultipleRegisters = 16
	FuncCodeReportSlaveID          = 17
)

// exceptionBit marks a response PDU's function code as an exception.
const exceptionBit = 0x80

// Exception codes as defined in the Modbus application protocol. Two pairs
// of codes are historical synonyms of one another (SlaveDeviceFailure /
// ServerFailure, and SlaveDeviceBusy / ServerBusy) and are kept as aliases
// rather than distinct values.
const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeSlaveDeviceFailure                 = 4
	ExceptionCodeServerFailure                      = 4
	ExceptionCodeAcknowledge                        = 5
	ExceptionCodeSlaveDeviceBusy                    = 6
	ExceptionCodeServerBusy                         = 6
	ExceptionCodeNegativeAcknowledge                = 7
	ExceptionCodeMemoryParityError                  = 8
	ExceptionCodeGatewayPathUnavailable             = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// ProtocolDataUnit is function code plus data, independent of the framing
// (RTU or TCP) that carries it on the wire.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Packager specifies how to encode/decode the PDU and how to verify a
// response ADU against the request that produced it.
type Packager interface {
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest []byte, aduResponse []byte) (err error)
}

// Transporter moves an encoded ADU across a byte channel and reads back the
// matching response.
type Transporter interface {
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// ClientHandler groups the Packager and Transporter roles that a concrete
// transport (RTU or TCP) must satisfy together.
type ClientHandler interface {
	Packager
	Transporter
}

// Client issues Modbus requests to a slave/unit and returns the delivered
// data or a classified error. See ModbusError and the Err* sentinels for the
// error taxonomy.
type Client interface {
	// Bit access

	// ReadCoils reads from 1 to 2000 contiguous status of coils in a remote device.
	ReadCoils(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// ReadDiscreteInputs reads from 1 to 2000 contiguous status of discrete inputs in a remote device.
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// WriteSingleCoil writes a single output to either ON or OFF in a remote device.
	WriteSingleCoil(ctx context.Context, address, value uint16) (results []byte, err error)
	// WriteMultipleCoils forces each coil in a sequence of coils to either ON or OFF in a remote device.
	WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error)

	// 16-bit access

	// ReadInputRegisters reads from 1 to 125 contiguous input registers in a remote device.
	ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// ReadHoldingRegisters reads from 1 to 125 contiguous holding registers in a remote device.
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// WriteSingleRegister writes a single holding register in a remote device.
	WriteSingleRegister(ctx context.Context, address, value uint16) (results []byte, err error)
	// WriteMultipleRegisters writes a block of contiguous registers in a remote device.
	WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error)

	// ReadExceptionStatus reads the content of eight exception status outputs in a remote device.
	ReadExceptionStatus(ctx context.Context) (results []byte, err error)
	// ReportSlaveID reads the description of the type, current status and other information of a remote device.
	ReportSlaveID(ctx context.Context) (results []byte, err error)
}

// StopBits enumerates the number of stop bits used on a serial line.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Parity enumerates the parity scheme used on a serial line.
type Parity int

const (
	EvenParity Parity = iota
	OddParity
	NoParity
)

// ErrorHandling controls how a TCP client handler recovers from a transport
// error: flush stale bytes and reconnect on the next call, or leave the
// connection exactly as the error left it.
type ErrorHandling int

const (
	// FlushOrConnectOnError discards unread bytes and drops the connection
	// after a failed transaction, so the next call reconnects cleanly.
	FlushOrConnectOnError ErrorHandling = iota
	// NopOnError leaves the connection untouched after a failed transaction.
	NopOnError
)
