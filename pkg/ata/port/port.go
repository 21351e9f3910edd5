// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package port implements the ATA command-block register gateway: typed
// wrappers around 8/32-bit port I/O, the control/altstatus register, and
// the fixed-iteration "400ns" settling delay.
package port

import (
	"errors"

	"github.com/pcidrivers/ide-core/pkg/ata/hostio"
)

// Command-block register offsets from the channel's base port.
const (
	RegData         = 0
	RegError        = 1
	RegSectorCount  = 2
	RegLBALow       = 3
	RegLBAMid       = 4
	RegLBAHigh      = 5
	RegDiskSelect   = 6
	RegCommandStatus = 7
)

// Status register bits.
const (
	StatusError          = 0x01
	StatusDRQ            = 0x08
	StatusDeviceFailure  = 0x20
	StatusBusy           = 0x80
)

// Control register values.
const (
	ControlDisableIRQ = 0x02
	ControlEnableIRQ  = 0x00
)

// ErrBusyTimeout is returned by WaitNotBusy when BUSY never clears. The
// source logs this and returns without resetting the channel; preserved
// here as a surfaced error instead of a silent hang (spec.md section 9).
var ErrBusyTimeout = errors.New("ata: device did not clear BUSY before timeout")

// maxBusyIterations bounds the WaitNotBusy poll, matching the source's
// 2^31 spin budget.
const maxBusyIterations = 1 << 31

// Channel describes one of a controller's two ATA channels.
type Channel struct {
	BasePort    uintptr
	ControlPort uintptr
	DMAPort     uintptr // unused by this core; carried for topology completeness
}

// Gateway mediates all register access for a Channel through a PortIO
// collaborator.
type Gateway struct {
	IO hostio.PortIO
	Ch Channel
}

// WriteReg writes an 8-bit command-block register.
func (g *Gateway) WriteReg(reg uintptr, v uint8) error {
	return g.IO.Out8(g.Ch.BasePort+reg, v)
}

// ReadReg reads an 8-bit command-block register.
func (g *Gateway) ReadReg(reg uintptr) (uint8, error) {
	return g.IO.In8(g.Ch.BasePort + reg)
}

// WriteControl writes the device control register.
func (g *Gateway) WriteControl(v uint8) error {
	return g.IO.Out8(g.Ch.ControlPort, v)
}

// ReadAltStatus reads the alternate status register. Unlike the ordinary
// status register, reading it never acknowledges a pending interrupt.
func (g *Gateway) ReadAltStatus() (uint8, error) {
	return g.IO.In8(g.Ch.ControlPort)
}

// ReadData32 performs one 32-bit PIO read from the data port.
func (g *Gateway) ReadData32() (uint32, error) {
	return g.IO.In32(g.Ch.BasePort + RegData)
}

// Delay400ns performs four consecutive altstatus reads, the documented
// settling delay after any command-causing register write and after
// DISK_SELECT switches.
func (g *Gateway) Delay400ns() error {
	for i := 0; i < 4; i++ {
		if _, err := g.ReadAltStatus(); err != nil {
			return err
		}
	}
	return nil
}

// WaitNotBusy delays 400ns and then polls altstatus until BUSY clears, up
// to maxBusyIterations times. It returns ErrBusyTimeout rather than
// hanging forever; no reset is performed, matching the source.
func (g *Gateway) WaitNotBusy() (status uint8, err error) {
	if err := g.Delay400ns(); err != nil {
		return 0, err
	}
	for i := 0; i < maxBusyIterations; i++ {
		status, err = g.ReadAltStatus()
		if err != nil {
			return 0, err
		}
		if status&StatusBusy == 0 {
			return status, nil
		}
	}
	return status, ErrBusyTimeout
}
