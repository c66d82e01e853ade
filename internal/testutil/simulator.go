// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package testutil

import (
	"testing"

	"github.com/lumberbarons/modbus/server"
)

// RTUSimulatorOption configures an RTU simulator.
type RTUSimulatorOption func(*rtuSimulatorConfig)

type rtuSimulatorConfig struct {
	slaveID  byte
	baudRate int
	config   *server.DataStoreConfig
}

// WithSlaveID sets the slave ID for the simulator.
func WithSlaveID(id byte) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.slaveID = id
	}
}

// WithBaudRate sets the baud rate for the simulator.
func WithBaudRate(rate int) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.baudRate = rate
	}
}

// WithDataStoreConfig sets initial data values for the RTU simulator.
func WithDataStoreConfig(config *server.DataStoreConfig) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.config = config
	}
}

// StartRTUSimulator creates and starts an RTU Modbus simulator for testing.
// It returns a cleanup function that should be deferred, and the device path
// that clients should use to connect.
//
// Example usage:
//
//	cleanup, devicePath := testutil.StartRTUSimulator(t,
//	    testutil.WithSlaveID(17),
//	    testutil.WithBaudRate(19200))
//	defer cleanup()
//
//	client := modbus.NewRTUClientHandler(devicePath)
//	// ... use client ...
func StartRTUSimulator(t *testing.T, opts ...RTUSimulatorOption) (cleanup func(), devicePath string) {
	t.Helper()

	config := &rtuSimulatorConfig{
		slaveID:  1,
		baudRate: 19200,
	}
	for _, opt := range opts {
		opt(config)
	}

	ds := server.NewDataStore(config.config)

	srv, err := server.NewRTUServer(ds, &server.RTUServerConfig{
		SlaveID:  config.slaveID,
		BaudRate: config.baudRate,
	})
	if err != nil {
		t.Fatalf("failed to create RTU simulator: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start RTU simulator: %v", err)
	}

	devicePath = srv.ClientDevicePath()
	t.Logf("RTU simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop RTU simulator: %v", err)
		}
		t.Logf("RTU simulator stopped")
	}

	return cleanup, devicePath
}

// TCPSimulatorOption configures a TCP simulator.
type TCPSimulatorOption func(*tcpSimulatorConfig)

type tcpSimulatorConfig struct {
	address string
	config  *server.DataStoreConfig
}

// WithTCPAddress sets the listen address for the simulator. Defaults to an
// ephemeral localhost port.
func WithTCPAddress(address string) TCPSimulatorOption {
	return func(c *tcpSimulatorConfig) {
		c.address = address
	}
}

// WithTCPDataStoreConfig sets initial data values for the TCP simulator.
func WithTCPDataStoreConfig(config *server.DataStoreConfig) TCPSimulatorOption {
	return func(c *tcpSimulatorConfig) {
		c.config = config
	}
}

// StartTCPSimulator creates and starts a TCP Modbus simulator for testing.
// It returns a cleanup function that should be deferred, and the address
// that clients should dial.
//
// Example usage:
//
//	cleanup, address := testutil.StartTCPSimulator(t)
//	defer cleanup()
//
//	client := modbus.TCPClient(address)
func StartTCPSimulator(t *testing.T, opts ...TCPSimulatorOption) (cleanup func(), address string) {
	t.Helper()

	config := &tcpSimulatorConfig{
		address: "127.0.0.1:0",
	}
	for _, opt := range opts {
		opt(config)
	}

	ds := server.NewDataStore(config.config)

	srv, err := server.NewTCPServer(ds, &server.TCPServerConfig{
		Address: config.address,
	})
	if err != nil {
		t.Fatalf("failed to create TCP simulator: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start TCP simulator: %v", err)
	}

	address = srv.Address()
	t.Logf("TCP simulator started on %s", address)

	cleanup = func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop TCP simulator: %v", err)
		}
		t.Logf("TCP simulator stopped")
	}

	return cleanup, address
}
