// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockdev implements the Block Device Facade (spec.md section
// 4.5): open/close/read/write/ioctl/devctl over a DeviceHandle that may
// refer to a whole disk or a partition, resolving partition-relative block
// numbers to disk-absolute LBA, validating bounds, and chunking transfers
// through the owning Controller's bounce buffer.
package blockdev

import (
	"context"
	"errors"
	"fmt"

	"github.com/pcidrivers/ide-core/pkg/ata/controller"
)

const sectorSize = 512

// ErrNotSupported is returned by Write, Ioctl, and Devctl: none of these
// are implemented in this core (spec.md section 4.5), matching the
// teacher's drive.ErrNotSupported sentinel-error convention.
var ErrNotSupported = errors.New("blockdev: operation not supported")

// ErrBounds is returned when a read's block range falls outside the
// device's addressable range. The source's bounds check uses blkno +
// sector_count >= limit, not >, which rejects a read ending exactly at
// limit; that is preserved here rather than "fixed" (spec.md section 9).
var ErrBounds = errors.New("blockdev: block range out of bounds")

// ErrInvalidHandle is returned when a DeviceHandle's tag is neither
// WholeDisk nor Partition. Structurally this cannot happen outside this
// package, but resolve, which Open and Read both call, still checks the tag.
var ErrInvalidHandle = errors.New("blockdev: invalid device handle")

// handleKind discriminates the two DeviceHandle variants.
type handleKind int

const (
	kindWholeDisk handleKind = iota
	kindPartition
)

// DeviceHandle is the discriminated union {WholeDisk(Disk), Partition(Partition)}
// from spec.md section 3: an unexported tag plus the IDs of the records it
// refers to, and a total switch over the tag everywhere it's consumed.
// Because the fields are unexported, code outside this package builds
// handles only through NewWholeDisk and NewPartition; the zero value is a
// whole-disk handle for disk 0 of controller 0.
type DeviceHandle struct {
	kind        handleKind
	controllerID controller.ControllerID
	diskID      controller.DiskID
	partitionID controller.PartitionID
}

// NewWholeDisk returns a handle referring to an entire Disk.
func NewWholeDisk(diskID controller.DiskID, controllerID controller.ControllerID) DeviceHandle {
	return DeviceHandle{kind: kindWholeDisk, controllerID: controllerID, diskID: diskID}
}

// NewPartition returns a handle referring to one Partition of a Disk.
func NewPartition(partitionID controller.PartitionID, diskID controller.DiskID, controllerID controller.ControllerID) DeviceHandle {
	return DeviceHandle{kind: kindPartition, controllerID: controllerID, diskID: diskID, partitionID: partitionID}
}

// resolved is the (Disk, absolute start block, sector limit) triple a
// DeviceHandle resolves to, per spec.md section 4.5 step 1.
type resolved struct {
	controllerID controller.ControllerID
	channel      int
	slave        int
	rebase       uint64 // added to the caller's block number to get absolute LBA
	limit        uint64 // sector_count for a Partition, addressable_sector_count for a WholeDisk
}

func (h DeviceHandle) resolve(reg *controller.Registry) (resolved, error) {
	switch h.kind {
	case kindWholeDisk:
		d, ok := reg.Disk(h.diskID)
		if !ok {
			return resolved{}, fmt.Errorf("blockdev: disk %d not found", h.diskID)
		}
		return resolved{
			controllerID: d.ControllerID,
			channel:      d.Channel,
			slave:        d.Slave,
			rebase:       0,
			limit:        d.Info.AddressableSectorCount,
		}, nil
	case kindPartition:
		p, ok := reg.Partition(h.partitionID)
		if !ok {
			return resolved{}, fmt.Errorf("blockdev: partition %d not found", h.partitionID)
		}
		d, ok := reg.Disk(p.DiskID)
		if !ok {
			return resolved{}, fmt.Errorf("blockdev: disk %d not found", p.DiskID)
		}
		return resolved{
			controllerID: d.ControllerID,
			channel:      d.Channel,
			slave:        d.Slave,
			rebase:       uint64(p.StartLBA),
			limit:        uint64(p.SectorCount),
		}, nil
	default:
		return resolved{}, ErrInvalidHandle
	}
}

// Device is the Block Device Facade bound to one Registry. open/close have
// no side effects; device topology is fixed post-probe (spec.md section 4.5).
type Device struct {
	Registry *controller.Registry
}

// New returns a Device facade over reg.
func New(reg *controller.Registry) *Device { return &Device{Registry: reg} }

// Open has no side effects, since device topology is fixed post-probe; it
// only returns an error if h does not resolve to a probed device.
func (dv *Device) Open(h DeviceHandle) error {
	_, err := h.resolve(dv.Registry)
	return err
}

// Close is a no-op: device topology is fixed post-probe.
func (dv *Device) Close(h DeviceHandle) error { return nil }

// Read implements spec.md section 4.5's read(dev, user_buf, &nbyte, blkno):
// it resolves h, bounds-checks the requested range, and chunks the
// transfer through the owning Controller's bounce buffer at
// controller.ChunkGranularity sectors per hardware command. nbyte is
// updated to the number of bytes actually transferred even on failure
// (the short-read convention).
func (dv *Device) Read(ctx context.Context, h DeviceHandle, buf []byte, blkno int64) (nbyte int, err error) {
	res, err := h.resolve(dv.Registry)
	if err != nil {
		return 0, err
	}

	sectorCount := uint64(len(buf)) / sectorSize
	if blkno < 0 || uint64(blkno)+sectorCount >= res.limit {
		return 0, ErrBounds
	}

	c, ok := dv.Registry.Controller(res.controllerID)
	if !ok {
		return 0, fmt.Errorf("blockdev: controller %d not found", res.controllerID)
	}

	remaining := sectorCount
	absoluteLBA := res.rebase + uint64(blkno)
	transferred := 0

	for remaining > 0 {
		chunk := remaining
		if chunk > controller.ChunkGranularity {
			chunk = controller.ChunkGranularity
		}
		dst := buf[transferred : transferred+int(chunk)*sectorSize]
		n, err := c.ReadChunk(ctx, res.channel, res.slave, absoluteLBA, int(chunk), dst)
		transferred += n
		if err != nil {
			return transferred, fmt.Errorf("blockdev: %w", err)
		}
		absoluteLBA += chunk
		remaining -= chunk
	}
	return transferred, nil
}

// Write always fails: the write path is not implemented in this core
// (spec.md section 4.5).
func (dv *Device) Write(ctx context.Context, h DeviceHandle, buf []byte, blkno int64) (nbyte int, err error) {
	return 0, ErrNotSupported
}

// Ioctl is unsupported (spec.md section 4.5).
func (dv *Device) Ioctl(h DeviceHandle, cmd int, arg interface{}) error { return ErrNotSupported }

// Devctl is unsupported (spec.md section 4.5).
func (dv *Device) Devctl(h DeviceHandle, cmd int, arg interface{}) error { return ErrNotSupported }
