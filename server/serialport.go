// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"time"

	"github.com/lumberbarons/modbus"
	serial "go.bug.st/serial"
)

// SerialPort is the capability an RTUServer needs from its line: a
// byte-oriented, deadline-aware, closeable duplex channel. PtyPair
// satisfies it for tests; OpenSerialPort satisfies it against real
// hardware.
type SerialPort interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// openSerialPort wraps a go.bug.st/serial.Port to satisfy SerialPort,
// translating the absolute deadline RTUServer wants into the relative
// per-read timeout the underlying library expects.
type openSerialPort struct {
	port serial.Port
}

// OpenSerialPort opens a real serial device for use by an RTUServer,
// reusing the same line-configuration conventions as RTUClientHandler.
func OpenSerialPort(address string, baudRate, dataBits int, stopBits modbus.StopBits, parity modbus.Parity) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: dataBits,
		StopBits: toSerialStopBits(stopBits),
		Parity:   toSerialParity(parity),
	}
	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, err
	}
	return &openSerialPort{port: port}, nil
}

func (p *openSerialPort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *openSerialPort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *openSerialPort) Close() error                { return p.port.Close() }

// SetReadDeadline converts an absolute deadline to the relative read
// timeout go.bug.st/serial expects.
func (p *openSerialPort) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return p.port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d <= 0 {
		d = time.Millisecond
	}
	return p.port.SetReadTimeout(d)
}

func toSerialStopBits(sb modbus.StopBits) serial.StopBits {
	switch sb {
	case modbus.TwoStopBits:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

func toSerialParity(p modbus.Parity) serial.Parity {
	switch p {
	case modbus.NoParity:
		return serial.NoParity
	case modbus.OddParity:
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}
