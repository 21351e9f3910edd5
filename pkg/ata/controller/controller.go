// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package controller owns the Controller/Channel/Disk/Partition topology
// (spec.md section 3) and the probe orchestration that walks a
// pre-enumerated PCI device list, sets up each matching IDE controller's
// two channels, identifies attached disks, and parses their partition
// tables. Disk and Partition back-references to their owning Controller
// and Disk use arena-allocated, typed integer handles rather than owning
// pointers (spec.md section 9), grounded on the teacher's session/table
// indexing style in pkg/core.
package controller

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pcidrivers/ide-core/pkg/ata/engine"
	"github.com/pcidrivers/ide-core/pkg/ata/hostio"
	"github.com/pcidrivers/ide-core/pkg/ata/identify"
	"github.com/pcidrivers/ide-core/pkg/ata/mbr"
	"github.com/pcidrivers/ide-core/pkg/ata/port"
)

// ControllerID, DiskID, and PartitionID are stable arena indices, used in
// place of owning back-pointers so Disk and Partition can reference their
// parents without a reference cycle (spec.md section 9).
type ControllerID uint32
type DiskID uint32
type PartitionID uint32

const (
	// Legacy command-block port bases (spec.md section 6).
	legacyPrimaryBase   = 0x1F0
	legacySecondaryBase = 0x170
	// Legacy control/altstatus offset from the command base.
	legacyControlOffset = 0x206

	legacyIRQ = 14

	bounceBufferSize  = 64 * 1024
	bounceChunkSector = 128 // 64 KiB / 512
)

// Channel is one of a Controller's two ATA channels, fixed at creation.
type Channel struct {
	Base    port.Channel
	Gateway *port.Gateway
}

// Controller is one probed IDE-class PCI device: two Channels, a shared
// single-slot Request Engine, and a 64 KiB bounce buffer (spec.md section
// 3). Controllers are created once at probe time and never destroyed.
type Controller struct {
	ID      ControllerID
	DevName string // "hd<N>"

	PCI      hostio.PCIDevice
	Channels [2]Channel

	Engine *engine.Controller

	bounceMu sync.Mutex
	bounce   [bounceBufferSize]byte

	DiskIDs []DiskID
}

// Disk is one successfully identified ATA disk (spec.md section 3).
type Disk struct {
	ID           DiskID
	DevName      string // "hd<N>d<K>"
	ControllerID ControllerID
	Channel      int // 0 or 1
	Slave        int // 0 or 1

	Info *identify.Info

	PartitionIDs []PartitionID
}

// Partition is one non-empty MBR slot on a Disk (spec.md section 3).
type Partition struct {
	ID          PartitionID
	DevName     string // "hd<N>d<K>p<PP>"
	DiskID      DiskID
	SystemID    uint8
	StartLBA    uint32
	SectorCount uint32
}

// Registry is the process-wide arena of probed Controllers, Disks, and
// Partitions, plus the monotonic controller-letter allocator (spec.md
// section 9). Probe runs single-threaded, so the mutex only guards against
// concurrent lookups from block device callers after probe completes.
type Registry struct {
	mu sync.Mutex

	nextLetter int

	controllers []*Controller
	disks       []*Disk
	partitions  []*Partition
}

// NewRegistry returns an empty Registry with the controller-letter
// allocator at its initial value.
func NewRegistry() *Registry {
	return &Registry{}
}

// Controller looks up a previously probed Controller by ID.
func (r *Registry) Controller(id ControllerID) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.controllers) {
		return nil, false
	}
	return r.controllers[id], true
}

// Disk looks up a previously probed Disk by ID.
func (r *Registry) Disk(id DiskID) (*Disk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.disks) {
		return nil, false
	}
	return r.disks[id], true
}

// Partition looks up a previously probed Partition by ID.
func (r *Registry) Partition(id PartitionID) (*Partition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.partitions) {
		return nil, false
	}
	return r.partitions[id], true
}

// Disks returns every probed Disk's ID, in probe order.
func (r *Registry) Disks() []DiskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]DiskID, len(r.disks))
	for i, d := range r.disks {
		ids[i] = d.ID
	}
	return ids
}

func (r *Registry) allocControllerLetter() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nextLetter
	r.nextLetter++
	return n
}

func (r *Registry) addController(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = ControllerID(len(r.controllers))
	r.controllers = append(r.controllers, c)
}

func (r *Registry) addDisk(d *Disk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = DiskID(len(r.disks))
	r.disks = append(r.disks, d)
}

func (r *Registry) addPartition(p *Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = PartitionID(len(r.partitions))
	r.partitions = append(r.partitions, p)
}

// Probe walks pci's pre-enumerated device list, sets up every IDE-class
// controller found, identifies its attached disks, and parses their
// partition tables, registering everything into r. It mirrors the
// teacher's Discovery0-then-dispatch orchestration style
// (pkg/core/core.go), generalized from a single TCG session to the whole
// probed topology.
func Probe(ctx context.Context, r *Registry, pci hostio.PCIEnumerator, io hostio.PortIO, irq hostio.IRQLine) error {
	for _, dev := range pci.Devices() {
		if !dev.IsIDEController() {
			continue
		}
		c, err := setupController(r, pci, io, irq, dev)
		if err != nil {
			log.Printf("controller: skipping PCI %02x:%02x.%x: %v", dev.Bus, dev.Slot, dev.Function, err)
			continue
		}
		probeDisks(ctx, r, c)
	}
	return nil
}

func setupController(r *Registry, pci hostio.PCIEnumerator, io hostio.PortIO, irqLine hostio.IRQLine, dev hostio.PCIDevice) (*Controller, error) {
	letter := r.allocControllerLetter()

	c := &Controller{
		DevName: fmt.Sprintf("hd%d", letter),
		PCI:     dev,
	}

	bases := [2]uintptr{legacyPrimaryBase, legacySecondaryBase}
	natives := [2]bool{dev.PrimaryNative(), dev.SecondaryNative()}

	for i := 0; i < 2; i++ {
		var ch port.Channel
		if natives[i] {
			ch.BasePort = uintptr(pci.ReadBAR(dev, 2*i))
			ch.ControlPort = uintptr(pci.ReadBAR(dev, 2*i+1)) + 2
		} else {
			ch.BasePort = bases[i]
			ch.ControlPort = bases[i] + legacyControlOffset
		}
		ch.DMAPort = uintptr(pci.ReadBAR(dev, 4)) // unused by this core; carried for topology completeness

		gw := &port.Gateway{IO: io, Ch: ch}
		// Disable interrupts during setup (spec.md section 5); probe
		// uses wait_not_busy spin-polling only.
		if err := gw.WriteControl(port.ControlDisableIRQ); err != nil {
			return nil, fmt.Errorf("controller: disable irq on channel %d: %w", i, err)
		}
		c.Channels[i] = Channel{Base: ch, Gateway: gw}
	}

	c.Engine = engine.New(c.Channels[0].Gateway, c.Channels[1].Gateway)

	if dev.PrimaryNative() || dev.SecondaryNative() {
		if err := pci.SetInterruptLine(dev, legacyIRQ); err != nil {
			return nil, fmt.Errorf("controller: set interrupt line: %w", err)
		}
	}

	// Only one IRQ line is claimed per the driver's documented
	// limitation (spec.md section 9): a second controller wanting IRQ
	// 15 is unsupported, so Attach failures here are fatal to this
	// controller only, not to the whole probe.
	if _, err := irqLine.Attach(legacyIRQ, isrFor(c, 0), c.Engine.IST); err != nil {
		return nil, fmt.Errorf("controller: attach irq %d: %w", legacyIRQ, err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Channels[i].Gateway.WriteControl(port.ControlEnableIRQ); err != nil {
			return nil, fmt.Errorf("controller: enable irq on channel %d: %w", i, err)
		}
	}

	r.addController(c)
	return c, nil
}

func isrFor(c *Controller, channel int) func() hostio.ISRResult {
	return func() hostio.ISRResult { return c.Engine.ISR(channel) }
}

func probeDisks(ctx context.Context, r *Registry, c *Controller) {
	for channel := 0; channel < 2; channel++ {
		for slave := 0; slave < 2; slave++ {
			info, err := identify.Identify(c.Channels[channel].Gateway, slave)
			if err != nil {
				log.Printf("controller: %s channel=%d slave=%d: %v", c.DevName, channel, slave, err)
				continue
			}

			diskIndex := channel<<1 | slave
			d := &Disk{
				DevName:      fmt.Sprintf("%sd%d", c.DevName, diskIndex),
				ControllerID: c.ID,
				Channel:      channel,
				Slave:        slave,
				Info:         info,
			}
			r.addDisk(d)
			c.DiskIDs = append(c.DiskIDs, d.ID)

			scanPartitions(ctx, r, c, d)
		}
	}
}

func scanPartitions(ctx context.Context, r *Registry, c *Controller, d *Disk) {
	c.bounceMu.Lock()
	defer c.bounceMu.Unlock()

	sector := c.bounce[:512]
	if _, err := c.Engine.SubmitRead(ctx, d.Channel, d.Slave, 0, 1, sector); err != nil {
		log.Printf("controller: %s: reading MBR: %v", d.DevName, err)
		return
	}

	entries, err := mbr.Parse(sector)
	if err != nil {
		// No signature is a normal, unpartitioned disk; not an error.
		return
	}

	for _, e := range entries {
		p := &Partition{
			DevName:     fmt.Sprintf("%sp%02d", d.DevName, e.Slot),
			DiskID:      d.ID,
			SystemID:    e.SystemID,
			StartLBA:    e.StartLBA,
			SectorCount: e.SectorCount,
		}
		r.addPartition(p)
		d.PartitionIDs = append(d.PartitionIDs, p.ID)
	}
}

// ReadChunk issues one Request Engine read of up to bounceChunkSector
// sectors starting at absolute LBA startLBA, staging through c's bounce
// buffer, and copies the result into dst. It is the single point where
// pkg/blockdev crosses into the hardware-facing layer.
func (c *Controller) ReadChunk(ctx context.Context, channel, slave int, startLBA uint64, sectors int, dst []byte) (int, error) {
	if sectors <= 0 || sectors > bounceChunkSector {
		return 0, fmt.Errorf("controller: chunk of %d sectors exceeds bounce buffer granularity", sectors)
	}
	c.bounceMu.Lock()
	defer c.bounceMu.Unlock()

	n, err := c.Engine.SubmitRead(ctx, channel, slave, startLBA, uint16(sectors), c.bounce[:sectors*512])
	if err != nil {
		return 0, err
	}
	copy(dst, c.bounce[:n])
	return n, nil
}

// ChunkGranularity is the number of sectors moved per hardware command,
// the bounce buffer's fixed chunk size (spec.md section 4.5).
const ChunkGranularity = bounceChunkSector
