// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pcidrivers/ide-core/pkg/ata/hostio"
	"github.com/pcidrivers/ide-core/pkg/ata/port"
)

// fakePortIO answers every channel's command-block register traffic with
// "no disk responds" (command-status reads as zero), which is enough to
// exercise setupController/probeDisks without ever driving the Request
// Engine through a real hardware completion.
type fakePortIO struct {
	mu     sync.Mutex
	writes []regWrite
}

type regWrite struct {
	port uintptr
	v    uint8
}

func (f *fakePortIO) Out8(p uintptr, v uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, regWrite{p, v})
	return nil
}

func (f *fakePortIO) In8(p uintptr) (uint8, error) { return 0, nil }
func (f *fakePortIO) Out32(p uintptr, v uint32) error { return nil }
func (f *fakePortIO) In32(p uintptr) (uint32, error)  { return 0, nil }

type mockPCIEnumerator struct {
	devices         []hostio.PCIDevice
	bars            map[int]uint32
	interruptLines  []uint8
	setInterruptErr error
}

func (m *mockPCIEnumerator) Devices() []hostio.PCIDevice { return m.devices }

func (m *mockPCIEnumerator) ReadBAR(dev hostio.PCIDevice, n int) uint32 { return m.bars[n] }

func (m *mockPCIEnumerator) SetInterruptLine(dev hostio.PCIDevice, irq uint8) error {
	m.interruptLines = append(m.interruptLines, irq)
	return m.setInterruptErr
}

type mockHandle struct{}

func (mockHandle) Detach() error { return nil }

type mockIRQLine struct {
	mu        sync.Mutex
	attaches  int
	failFirst bool
}

func (m *mockIRQLine) Attach(irq int, isr func() hostio.ISRResult, ist func(context.Context)) (hostio.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attaches++
	if m.failFirst && m.attaches == 1 {
		return nil, errors.New("irq already claimed")
	}
	return mockHandle{}, nil
}

func ideDevice() hostio.PCIDevice {
	return hostio.PCIDevice{ClassCode: hostio.StorageClassCode, Subclass: hostio.IDESubclass}
}

func TestAllocControllerLetterMonotonic(t *testing.T) {
	r := NewRegistry()
	if got := r.allocControllerLetter(); got != 0 {
		t.Fatalf("first letter = %d, want 0", got)
	}
	if got := r.allocControllerLetter(); got != 1 {
		t.Fatalf("second letter = %d, want 1", got)
	}
}

func TestRegistryLookupOutOfRange(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Controller(0); ok {
		t.Fatalf("Controller(0) on empty registry reported ok")
	}
	if _, ok := r.Disk(0); ok {
		t.Fatalf("Disk(0) on empty registry reported ok")
	}
	if _, ok := r.Partition(0); ok {
		t.Fatalf("Partition(0) on empty registry reported ok")
	}
}

func TestProbeSkipsNonIDEDevices(t *testing.T) {
	r := NewRegistry()
	pci := &mockPCIEnumerator{devices: []hostio.PCIDevice{
		{ClassCode: 0x02}, // network controller, not IDE
		ideDevice(),
	}}
	irq := &mockIRQLine{}
	io := &fakePortIO{}

	if err := Probe(context.Background(), r, pci, io, irq); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := len(r.controllers); got != 1 {
		t.Fatalf("registered %d controllers, want 1 (non-IDE device must be skipped)", got)
	}
	if got := len(r.disks); got != 0 {
		t.Fatalf("registered %d disks, want 0 (fake hardware reports no disk present)", got)
	}
	if irq.attaches != 1 {
		t.Fatalf("irq attached %d times, want 1", irq.attaches)
	}
}

func TestProbeContinuesAfterSetupError(t *testing.T) {
	r := NewRegistry()
	pci := &mockPCIEnumerator{devices: []hostio.PCIDevice{ideDevice(), ideDevice()}}
	irq := &mockIRQLine{failFirst: true}
	io := &fakePortIO{}

	if err := Probe(context.Background(), r, pci, io, irq); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := len(r.controllers); got != 1 {
		t.Fatalf("registered %d controllers, want 1 (first controller's irq attach failed and should be skipped)", got)
	}
}

func TestSetupControllerLegacyPorts(t *testing.T) {
	r := NewRegistry()
	pci := &mockPCIEnumerator{}
	irq := &mockIRQLine{}
	io := &fakePortIO{}

	c, err := setupController(r, pci, io, irq, ideDevice())
	if err != nil {
		t.Fatalf("setupController: %v", err)
	}
	if c.Channels[0].Base.BasePort != legacyPrimaryBase {
		t.Fatalf("primary base = 0x%x, want 0x%x", c.Channels[0].Base.BasePort, legacyPrimaryBase)
	}
	if c.Channels[0].Base.ControlPort != legacyPrimaryBase+legacyControlOffset {
		t.Fatalf("primary control port = 0x%x, want 0x%x", c.Channels[0].Base.ControlPort, legacyPrimaryBase+legacyControlOffset)
	}
	if c.Channels[1].Base.BasePort != legacySecondaryBase {
		t.Fatalf("secondary base = 0x%x, want 0x%x", c.Channels[1].Base.BasePort, legacySecondaryBase)
	}
	if len(pci.interruptLines) != 0 {
		t.Fatalf("SetInterruptLine called in legacy mode, want no call")
	}
	if irq.attaches != 1 {
		t.Fatalf("irq attached %d times, want 1", irq.attaches)
	}
	if c.DevName != "hd0" {
		t.Fatalf("DevName = %q, want hd0", c.DevName)
	}
}

func TestSetupControllerNativeModeProgramsInterruptLine(t *testing.T) {
	r := NewRegistry()
	pci := &mockPCIEnumerator{bars: map[int]uint32{0: 0xC000, 1: 0xC010, 2: 0xC020, 3: 0xC030}}
	irq := &mockIRQLine{}
	io := &fakePortIO{}

	dev := hostio.PCIDevice{ClassCode: hostio.StorageClassCode, Subclass: hostio.IDESubclass, ProgIF: 0x01}
	c, err := setupController(r, pci, io, irq, dev)
	if err != nil {
		t.Fatalf("setupController: %v", err)
	}
	if c.Channels[0].Base.BasePort != uintptr(pci.bars[0]) {
		t.Fatalf("native primary base = 0x%x, want 0x%x", c.Channels[0].Base.BasePort, pci.bars[0])
	}
	if len(pci.interruptLines) != 1 || pci.interruptLines[0] != legacyIRQ {
		t.Fatalf("interruptLines = %v, want [%d]", pci.interruptLines, legacyIRQ)
	}
}

func TestSetupControllerDisablesThenEnablesIRQPerChannel(t *testing.T) {
	r := NewRegistry()
	pci := &mockPCIEnumerator{}
	irq := &mockIRQLine{}
	io := &fakePortIO{}

	c, err := setupController(r, pci, io, irq, ideDevice())
	if err != nil {
		t.Fatalf("setupController: %v", err)
	}
	var disableCount, enableCount int
	for _, w := range io.writes {
		switch {
		case w.port == c.Channels[0].Base.ControlPort || w.port == c.Channels[1].Base.ControlPort:
			if w.v == port.ControlDisableIRQ {
				disableCount++
			}
			if w.v == port.ControlEnableIRQ {
				enableCount++
			}
		}
	}
	if disableCount != 2 {
		t.Fatalf("disabled IRQ %d times, want 2 (once per channel)", disableCount)
	}
	if enableCount != 2 {
		t.Fatalf("enabled IRQ %d times, want 2 (once per channel)", enableCount)
	}
}

// presentDiskIO answers IDENTIFY and a subsequent MBR read for exactly
// channel 0 slave 0, and "absent" everywhere else, so Probe can be driven
// end to end without a real interrupt controller: a background goroutine
// pumps ISR/IST whenever the engine goes active, standing in for the host's
// interrupt dispatcher.
type presentDiskIO struct {
	mu         sync.Mutex
	diskSelect map[uintptr]uint8
	cursor     map[uintptr]int
	raw        [512]byte
}

func newPresentDiskIO() *presentDiskIO {
	var raw [512]byte
	raw[99] = 0x03 // LBA + DMA capable
	// no 0xAA55 signature: the disk is unpartitioned
	return &presentDiskIO{diskSelect: map[uintptr]uint8{}, cursor: map[uintptr]int{}, raw: raw}
}

func (f *presentDiskIO) present(base uintptr) bool {
	return base == legacyPrimaryBase && f.diskSelect[base]&0x10 == 0
}

func (f *presentDiskIO) Out8(p uintptr, v uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, off := basePortOf(p)
	if off == port.RegDiskSelect {
		f.diskSelect[base] = v
	}
	if off == port.RegCommandStatus {
		f.cursor[base] = 0
	}
	return nil
}

func (f *presentDiskIO) In8(p uintptr) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, off := basePortOf(p)
	if off == port.RegCommandStatus || off == controlOffsetMarker {
		if f.present(base) {
			return 0x58, nil // READY | DRQ, no error
		}
		return 0, nil
	}
	return 0, nil
}

func (f *presentDiskIO) Out32(p uintptr, v uint32) error { return nil }

func (f *presentDiskIO) In32(p uintptr) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, _ := basePortOf(p)
	if !f.present(base) {
		return 0, nil
	}
	i := f.cursor[base]
	f.cursor[base] = i + 1
	if i*4+4 > len(f.raw) {
		return 0, nil
	}
	return uint32(f.raw[i*4]) | uint32(f.raw[i*4+1])<<8 | uint32(f.raw[i*4+2])<<16 | uint32(f.raw[i*4+3])<<24, nil
}

const controlOffsetMarker = 0x206

// basePortOf maps an absolute port address back to (channel base, offset
// from that base), recognizing the two legacy channel bases and their
// control/altstatus ports.
func basePortOf(p uintptr) (base uintptr, off uintptr) {
	for _, b := range []uintptr{legacyPrimaryBase, legacySecondaryBase} {
		if p == b+legacyControlOffset {
			return b, controlOffsetMarker
		}
		if p >= b && p < b+8 {
			return b, p - b
		}
	}
	return 0, p
}

func pumpInterrupts(t *testing.T, c *Controller, stop <-chan struct{}) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		default:
		}
		for ch := 0; ch < 2; ch++ {
			if c.Engine.Active() {
				if c.Engine.ISR(ch) == hostio.DispatchIST {
					c.Engine.IST(context.Background())
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProbeIdentifiesDiskAndSkipsUnpartitioned(t *testing.T) {
	r := NewRegistry()
	pci := &mockPCIEnumerator{devices: []hostio.PCIDevice{ideDevice()}}
	irqLine := &mockIRQLine{}
	io := newPresentDiskIO()

	c, err := setupController(r, pci, io, irqLine, ideDevice())
	if err != nil {
		t.Fatalf("setupController: %v", err)
	}

	stop := make(chan struct{})
	go pumpInterrupts(t, c, stop)
	defer close(stop)

	probeDisks(context.Background(), r, c)

	if got := len(r.disks); got != 1 {
		t.Fatalf("registered %d disks, want 1", got)
	}
	d := r.disks[0]
	if d.Channel != 0 || d.Slave != 0 {
		t.Fatalf("disk at channel=%d slave=%d, want channel=0 slave=0", d.Channel, d.Slave)
	}
	if !d.Info.LBASupported || !d.Info.DMASupported {
		t.Fatalf("Info capability bits not parsed: %+v", d.Info)
	}
	if got := len(r.partitions); got != 0 {
		t.Fatalf("registered %d partitions for an unpartitioned disk, want 0", got)
	}
}

func TestReadChunkRejectsOversizedRequest(t *testing.T) {
	c := &Controller{}
	_, err := c.ReadChunk(context.Background(), 0, 0, 0, bounceChunkSector+1, make([]byte, (bounceChunkSector+1)*512))
	if err == nil {
		t.Fatalf("expected an error for a chunk larger than the bounce buffer granularity")
	}
}
