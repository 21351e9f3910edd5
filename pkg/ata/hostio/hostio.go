// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hostio defines the collaborator interfaces this driver consumes
// from the surrounding kernel: PCI enumeration, command-block port I/O,
// IRQ dispatch, and the device registry. None of them is implemented here
// against real hardware; that is the host's job. pkg/sgioport provides a
// userspace stand-in for PortIO so the command sequencing in pkg/ata can be
// exercised from a development machine.
package hostio

import "context"

// StorageClassCode and IDESubclass identify an IDE controller in the
// pre-enumerated PCI device list, per spec.md section 6.
const (
	StorageClassCode = 0x01
	IDESubclass      = 0x01
)

// PCIDevice is a single entry from the host's pre-enumerated PCI list.
type PCIDevice struct {
	ClassCode uint8
	Subclass  uint8
	ProgIF    uint8
	Bus       uint8
	Slot      uint8
	Function  uint8
}

// IsIDEController reports whether d matches the IDE mass-storage class.
func (d PCIDevice) IsIDEController() bool {
	return d.ClassCode == StorageClassCode && d.Subclass == IDESubclass
}

// PrimaryNative reports whether the primary channel runs in PCI native
// mode rather than legacy ISA compatibility mode (ProgIF bit 0).
func (d PCIDevice) PrimaryNative() bool { return d.ProgIF&0x01 != 0 }

// SecondaryNative reports the same for the secondary channel (ProgIF bit 2).
func (d PCIDevice) SecondaryNative() bool { return d.ProgIF&0x04 != 0 }

// PCIEnumerator exposes the pre-enumerated PCI device list and the BAR read
// primitive. Generic PCI configuration-space enumeration is out of scope
// (spec.md section 1); this interface only consumes the result.
type PCIEnumerator interface {
	Devices() []PCIDevice
	ReadBAR(dev PCIDevice, n int) uint32
	// SetInterruptLine programs the PCI interrupt line register for dev,
	// required in native mode before the chosen IRQ is meaningful.
	SetInterruptLine(dev PCIDevice, irq uint8) error
}

// PortIO is the 8/32-bit port read/write primitive backing the command
// block, control/altstatus register, and PIO data port.
type PortIO interface {
	In8(port uintptr) (uint8, error)
	Out8(port uintptr, v uint8) error
	In32(port uintptr) (uint32, error)
	Out32(port uintptr, v uint32) error
}

// ISRResult is what an interrupt service routine returns to the host's
// interrupt dispatcher: whether to schedule the interrupt service thread.
type ISRResult bool

const (
	// DispatchIST asks the host to schedule the IST, analogous to
	// INT_CONTINUE in spec.md section 4.4.
	DispatchIST ISRResult = true
	// Ignore asks the host to take no further action (spurious interrupt).
	Ignore ISRResult = false
)

// IRQLine is the interrupt attach/detach collaborator. The host calls isr
// synchronously from interrupt context and, when isr returns DispatchIST,
// schedules ist to run later in thread context.
type IRQLine interface {
	Attach(irq int, isr func() ISRResult, ist func(context.Context)) (Handle, error)
}

// Handle is an opaque attachment returned by IRQLine.Attach.
type Handle interface {
	Detach() error
}

// Flags describe a registered block device, mirroring the host's
// D_BLK/D_PROT device-creation flags.
type Flags uint32

const (
	FlagBlock     Flags = 1 << 0
	FlagProtected Flags = 1 << 1
)

// Device is an opaque handle returned by the device registry.
type Device interface {
	Name() string
}

// DeviceRegistry is the host's device-naming registry.
type DeviceRegistry interface {
	Create(driver, name string, flags Flags) (Device, error)
}
