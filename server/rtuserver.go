// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/lumberbarons/modbus"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// RTUServer drives a single Modbus RTU serial line against a DataStore. The
// line is anything satisfying SerialPort: a real device opened with
// OpenSerialPort, or a PtyPair for in-process testing.
type RTUServer struct {
	handler      *Handler
	port         SerialPort
	clientDevice string
	slaveID      byte
	baudRate     int
	logger       *log.Logger
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// RTUServerConfig holds configuration for the RTU server.
type RTUServerConfig struct {
	SlaveID  byte
	BaudRate int
	Logger   *log.Logger
}

// NewRTUServer creates a new RTU server with the given data store and
// configuration, listening on an in-process pseudo-terminal pair. Clients
// connect at ClientDevicePath().
func NewRTUServer(ds *DataStore, config *RTUServerConfig) (*RTUServer, error) {
	pty, err := CreatePtyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to create pty: %w", err)
	}
	s := newRTUServer(ds, pty, config)
	s.clientDevice = pty.SlavePath
	return s, nil
}

// NewRTUServerOnPort creates a new RTU server driving an already-opened
// serial port, typically one returned by OpenSerialPort.
func NewRTUServerOnPort(ds *DataStore, port SerialPort, config *RTUServerConfig) *RTUServer {
	return newRTUServer(ds, port, config)
}

func newRTUServer(ds *DataStore, port SerialPort, config *RTUServerConfig) *RTUServer {
	if config == nil {
		config = &RTUServerConfig{}
	}
	if config.SlaveID == 0 {
		config.SlaveID = 1
	}
	if config.BaudRate == 0 {
		config.BaudRate = 19200
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "rtu-server: ", log.LstdFlags)
	}

	return &RTUServer{
		handler:  NewHandler(ds),
		port:     port,
		slaveID:  config.SlaveID,
		baudRate: config.BaudRate,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// ClientDevicePath returns the device path that clients should connect to.
// Only meaningful for a server constructed with NewRTUServer.
func (s *RTUServer) ClientDevicePath() string {
	return s.clientDevice
}

// Start starts the RTU server in a goroutine.
func (s *RTUServer) Start() error {
	go s.serve()
	// Give the server and pty time to fully initialize
	time.Sleep(200 * time.Millisecond)
	return nil
}

// Stop stops the RTU server and waits for it to finish.
func (s *RTUServer) Stop() error {
	close(s.stopChan)

	// Close the port to unblock any pending reads
	if err := s.port.Close(); err != nil {
		s.logger.Printf("error closing port: %v", err)
	}

	// Wait for server goroutine to finish with a timeout
	select {
	case <-s.doneChan:
		// Clean shutdown
	case <-time.After(1 * time.Second):
		// Timeout - the goroutine is stuck in a blocking read
		// This is OK, it will be garbage collected
		s.logger.Printf("RTU server stop timed out (goroutine may still be reading)")
	}

	return nil
}

// serve is the main server loop that reads requests and sends responses.
func (s *RTUServer) serve() {
	defer close(s.doneChan)

	s.logger.Printf("RTU server listening (slave ID: %d)", s.slaveID)

	for {
		select {
		case <-s.stopChan:
			s.logger.Printf("RTU server stopping")
			return
		default:
			if err := s.handleRequest(); err != nil {
				if err == io.EOF {
					// Port closed, stop serving
					s.logger.Printf("RTU server stopping (port closed)")
					return
				}
				s.logger.Printf("error handling request: %v", err)
			}
		}
	}
}

// handleRequest reads a single request frame and sends a response.
func (s *RTUServer) handleRequest() error {
	// Set read timeout to allow checking stopChan periodically
	if err := s.port.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
		// Ignore deadline errors - not critical
		s.logger.Printf("warning: failed to set read deadline: %v", err)
	}

	// Read RTU frame
	adu, err := s.readFrame()
	if err != nil {
		if os.IsTimeout(err) {
			// Timeout is expected, allows checking stopChan
			return nil
		}
		if err == io.EOF || err == os.ErrClosed {
			return io.EOF // Signal to stop serving
		}
		s.logger.Printf("error reading frame: %v", err)
		return nil // Continue serving on other errors
	}

	s.logger.Printf("received: % x", adu)

	if len(adu) < 2 {
		return nil
	}

	// Check slave ID before decoding; not-for-us frames are silently ignored,
	// broadcast frames (255) are handled but never answered.
	slaveAddr := adu[0]
	if slaveAddr != s.slaveID && slaveAddr != modbus.MODBUSBroadcastAddress {
		return nil
	}

	pdu, err := decodeRTUFrame(adu)
	if err != nil {
		s.logger.Printf("failed to decode frame: %v", err)
		return nil // Don't stop server on bad frame
	}

	responsePDU := s.handler.HandleRequest(pdu)

	if slaveAddr == modbus.MODBUSBroadcastAddress {
		// Broadcast requests are never answered.
		return nil
	}

	responseADU, err := encodeRTUFrame(slaveAddr, responsePDU)
	if err != nil {
		s.logger.Printf("failed to encode response: %v", err)
		return nil
	}

	// Wait one character delay per request byte plus the inter-frame delay (see calculateDelay)
	time.Sleep(s.calculateDelay(len(adu)))

	s.logger.Printf("sending: % x", responseADU)
	n, err := s.port.Write(responseADU)
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	s.logger.Printf("wrote %d bytes", n)

	return nil
}

// readFrame reads a complete RTU frame from the serial port.
func (s *RTUServer) readFrame() ([]byte, error) {
	var buffer [rtuMaxSize]byte

	n, err := io.ReadAtLeast(rawReader{s.port}, buffer[:], rtuMinSize)
	if err != nil {
		return nil, err
	}

	expectedLength := s.calculateExpectedLength(buffer[:n])

	if expectedLength > n && expectedLength <= rtuMaxSize {
		n2, err := io.ReadFull(rawReader{s.port}, buffer[n:expectedLength])
		if err != nil {
			return nil, err
		}
		n += n2
	}

	return buffer[:n], nil
}

// rawReader adapts SerialPort to io.Reader for use with io.ReadAtLeast/ReadFull.
type rawReader struct {
	p SerialPort
}

func (r rawReader) Read(b []byte) (int, error) { return r.p.Read(b) }

// calculateExpectedLength estimates the expected frame length based on the function code.
func (s *RTUServer) calculateExpectedLength(data []byte) int {
	if len(data) < 2 {
		return rtuMinSize
	}

	functionCode := data[1]

	switch functionCode {
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(data) >= 7 {
			byteCount := int(data[6])
			return 7 + byteCount + 2 // slave+func+address+quantity+byteCount+data+crc
		}
	}

	return s.getFixedRequestLength(functionCode)
}

// getFixedRequestLength returns the expected request length for fixed-size function codes.
func (s *RTUServer) getFixedRequestLength(functionCode byte) int {
	switch functionCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		return 8 // slave(1) + func(1) + address(2) + value(2) + crc(2)
	case modbus.FuncCodeReadExceptionStatus, modbus.FuncCodeReportSlaveID:
		return 4 // slave(1) + func(1) + crc(2)
	default:
		return rtuMaxSize // Unknown function, read maximum
	}
}

// calculateDelay calculates the frame delay based on baud rate.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (s *RTUServer) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // microseconds

	if s.baudRate <= 0 || s.baudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / s.baudRate
		frameDelay = 35000000 / s.baudRate
	}

	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// encodeRTUFrame encodes a PDU into an RTU frame with slave ID and CRC.
func encodeRTUFrame(slaveID byte, pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4 // slave + func + data + crc(2)
	if length > rtuMaxSize {
		return nil, fmt.Errorf("modbus: frame length %d exceeds maximum %d", length, rtuMaxSize)
	}

	adu := make([]byte, length)
	adu[0] = slaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	checksum := modbus.CRC16(adu[:length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)

	return adu, nil
}

// decodeRTUFrame decodes an RTU frame into a PDU and verifies the CRC.
func decodeRTUFrame(adu []byte) (*modbus.ProtocolDataUnit, error) {
	length := len(adu)
	if length < rtuMinSize {
		return nil, fmt.Errorf("modbus: frame length %d is less than minimum %d", length, rtuMinSize)
	}

	expectedCRC := modbus.CRC16(adu[:length-2])
	actualCRC := uint16(adu[length-2]) | uint16(adu[length-1])<<8
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("modbus: CRC mismatch: expected %04x, got %04x", expectedCRC, actualCRC)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: adu[1],
		Data:         adu[2 : length-2],
	}, nil
}
