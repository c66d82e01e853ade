// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"

	"github.com/lumberbarons/modbus"
)

// ClientTestAll exercises every operation a Client exposes against whatever
// server is listening on the other end of client, failing t on the first
// unexpected error.
func ClientTestAll(t testingT, client modbus.Client) {
	ctx := context.Background()

	if _, err := client.ReadCoils(ctx, 0, 8); err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	if _, err := client.ReadDiscreteInputs(ctx, 0, 8); err != nil {
		t.Fatalf("ReadDiscreteInputs: %v", err)
	}
	if _, err := client.ReadHoldingRegisters(ctx, 0, 4); err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if _, err := client.ReadInputRegisters(ctx, 0, 4); err != nil {
		t.Fatalf("ReadInputRegisters: %v", err)
	}
	if _, err := client.WriteSingleCoil(ctx, 0, 0xFF00); err != nil {
		t.Fatalf("WriteSingleCoil: %v", err)
	}
	if _, err := client.WriteSingleRegister(ctx, 0, 42); err != nil {
		t.Fatalf("WriteSingleRegister: %v", err)
	}
	if _, err := client.WriteMultipleCoils(ctx, 0, 8, []byte{0xAA}); err != nil {
		t.Fatalf("WriteMultipleCoils: %v", err)
	}
	if _, err := client.WriteMultipleRegisters(ctx, 0, 2, []byte{0, 1, 0, 2}); err != nil {
		t.Fatalf("WriteMultipleRegisters: %v", err)
	}
	if _, err := client.ReadExceptionStatus(ctx); err != nil {
		t.Fatalf("ReadExceptionStatus: %v", err)
	}
	if _, err := client.ReportSlaveID(ctx); err != nil {
		t.Fatalf("ReportSlaveID: %v", err)
	}
}

// testingT is the subset of *testing.T that ClientTestAll needs, kept
// narrow so it can be driven from table-style subtests too.
type testingT interface {
	Fatalf(format string, args ...any)
}
