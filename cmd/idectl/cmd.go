// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"

	"github.com/pcidrivers/ide-core/pkg/ata/engine"
	"github.com/pcidrivers/ide-core/pkg/ata/identify"
	"github.com/pcidrivers/ide-core/pkg/ata/mbr"
	"github.com/pcidrivers/ide-core/pkg/ata/port"
	"github.com/pcidrivers/ide-core/pkg/sgioport"
)

// context is the context struct required by the kong command line parser.
type context struct{}

type identifyCmd struct {
	Device string `flag:"" required:"" short:"d" type:"accessiblefile" help:"Path to device node (e.g. /dev/sdb)"`
	Slave  int    `flag:"" optional:"" default:"0" help:"Slave select: 0 (master) or 1 (slave)"`
}

type probeCmd struct {
	Device string `flag:"" required:"" short:"d" type:"accessiblefile" help:"Path to device node (e.g. /dev/sdb)"`
	Slave  int    `flag:"" optional:"" default:"0" help:"Slave select: 0 (master) or 1 (slave)"`
}

type readCmd struct {
	Device string `flag:"" required:"" short:"d" type:"accessiblefile" help:"Path to device node (e.g. /dev/sdb)"`
	Slave  int    `flag:"" optional:"" default:"0" help:"Slave select: 0 (master) or 1 (slave)"`
	LBA    uint64 `flag:"" required:"" help:"Starting logical block address"`
	Count  uint16 `flag:"" optional:"" default:"1" help:"Number of 512-byte sectors to read (max 128)"`
}

type dumpCmd struct {
	Device string `flag:"" required:"" short:"d" type:"accessiblefile" help:"Path to device node (e.g. /dev/sdb)"`
	Slave  int    `flag:"" optional:"" default:"0" help:"Slave select: 0 (master) or 1 (slave)"`
}

var cli struct {
	Identify identifyCmd `cmd:"" help:"Run IDENTIFY DEVICE and print the parsed result"`
	Probe    probeCmd    `cmd:"" help:"Run IDENTIFY DEVICE then parse and list the MBR partition table"`
	Read     readCmd     `cmd:"" help:"Issue a single LBA48 read and write the sectors to stdout"`
	Dump     dumpCmd     `cmd:"" help:"Dump the full decoded IDENTIFY response"`
}

func openGateway(devPath string) (*sgioport.Device, *port.Gateway, error) {
	dev, err := sgioport.Open(devPath)
	if err != nil {
		return nil, nil, err
	}
	gw := &port.Gateway{
		IO: dev,
		Ch: port.Channel{BasePort: sgioport.BasePort, ControlPort: sgioport.ControlPort},
	}
	return dev, gw, nil
}

func (c *identifyCmd) Run(ctx *context) error {
	dev, gw, err := openGateway(c.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	info, err := identify.Identify(gw, c.Slave)
	if err != nil && err != identify.ErrUnsupported {
		return fmt.Errorf("identify.Identify(%s): %w", c.Device, err)
	}
	fmt.Printf("Model:    %s\n", info.Model)
	fmt.Printf("Serial:   %s\n", info.Serial)
	fmt.Printf("Firmware: %s\n", info.Firmware)
	fmt.Printf("LBA:      %v\n", info.LBASupported)
	fmt.Printf("DMA:      %v\n", info.DMASupported)
	fmt.Printf("Sectors:  %d\n", info.AddressableSectorCount)
	if err == identify.ErrUnsupported {
		fmt.Println("warning: disk lacks required LBA/DMA capability")
	}
	return nil
}

func (c *probeCmd) Run(ctx *context) error {
	dev, gw, err := openGateway(c.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	info, err := identify.Identify(gw, c.Slave)
	if err != nil && err != identify.ErrUnsupported {
		return fmt.Errorf("identify.Identify(%s): %w", c.Device, err)
	}
	fmt.Printf("%s: %s (%d sectors)\n", c.Device, info.Model, info.AddressableSectorCount)

	eng := engine.New(gw, gw)
	sector := make([]byte, 512)
	if _, err := eng.SubmitRead(context.Background(), 0, c.Slave, 0, 1, sector); err != nil {
		return fmt.Errorf("reading MBR: %w", err)
	}

	entries, err := mbr.Parse(sector)
	if err != nil {
		fmt.Println("no partition table found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("  p%02d: system_id=0x%02x start_lba=%d sector_count=%d\n",
			e.Slot, e.SystemID, e.StartLBA, e.SectorCount)
	}
	return nil
}

func (c *readCmd) Run(ctx *context) error {
	dev, gw, err := openGateway(c.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	eng := engine.New(gw, gw)
	buf := make([]byte, int(c.Count)*512)
	n, err := eng.SubmitRead(context.Background(), 0, c.Slave, c.LBA, c.Count, buf)
	if err != nil {
		return fmt.Errorf("engine.SubmitRead: %w", err)
	}
	_, err = os.Stdout.Write(buf[:n])
	return err
}

func (c *dumpCmd) Run(ctx *context) error {
	dev, gw, err := openGateway(c.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	info, err := identify.Identify(gw, c.Slave)
	if err != nil && err != identify.ErrUnsupported {
		return fmt.Errorf("identify.Identify(%s): %w", c.Device, err)
	}
	spew.Dump(info)
	return nil
}
