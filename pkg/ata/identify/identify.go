// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package identify issues ATA IDENTIFY DEVICE and parses the 512-byte
// identification space it returns, including the 16-bit-word endianness
// fixup ATA applies to its ASCII fields. Grounded on the teacher's
// pkg/drive/sgio.ATAString helper, generalized into a standalone,
// idempotent word-swap usable against the raw identification buffer.
package identify

import (
	"encoding/binary"
	"errors"

	"github.com/pcidrivers/ide-core/pkg/ata/port"
)

// ErrAbsent is returned when the probed channel/slave combination has no
// disk attached, or IDENTIFY failed for any reason the source treats as
// "not present" (command byte reads zero, or the ERROR bit is set).
var ErrAbsent = errors.New("ata: no disk responded to IDENTIFY")

// ErrUnsupported is returned when the disk answered IDENTIFY but lacks the
// LBA and DMA capability bits this driver requires for admission.
var ErrUnsupported = errors.New("ata: disk lacks required LBA/DMA capability")

const (
	cmdIdentifyDevice = 0xEC

	offSerial       = 20
	lenSerial       = 10
	offFirmware     = 46
	lenFirmware     = 8
	offModel        = 54
	lenModel        = 40
	offCapabilities = 99
	offSectorCap    = 114
	offLBA28Count   = 120
	offLBA48Count   = 200

	lba28AddressableMarker = 0x0FFFFFFF
)

// Info is the subset of the IDENTIFY DEVICE response this driver needs.
type Info struct {
	Serial   string
	Firmware string
	Model    string

	LBASupported bool
	DMASupported bool

	// SectorCapacity is the legacy CHS-derived sector count (bytes 114..118),
	// carried for topology completeness; AddressableSectorCount is what the
	// driver actually uses.
	SectorCapacity uint32

	AddressableSectorCount uint64

	// Raw is the untouched 512-byte identification space, word-swapped
	// ASCII fields included, kept for diagnostics.
	Raw [512]byte
}

// Identify runs the IDENTIFY DEVICE sequence (spec.md section 4.2) against
// slave (0 or 1) on g's channel and parses the result.
func Identify(g *port.Gateway, slave int) (*Info, error) {
	if err := g.WriteReg(port.RegDiskSelect, 0xA0|uint8(slave<<4)); err != nil {
		return nil, err
	}
	if err := g.Delay400ns(); err != nil {
		return nil, err
	}
	for _, reg := range []uintptr{port.RegSectorCount, port.RegLBALow, port.RegLBAMid, port.RegLBAHigh} {
		if err := g.WriteReg(reg, 0); err != nil {
			return nil, err
		}
	}
	if err := g.WriteReg(port.RegCommandStatus, cmdIdentifyDevice); err != nil {
		return nil, err
	}
	if err := g.Delay400ns(); err != nil {
		return nil, err
	}

	status, err := g.ReadReg(port.RegCommandStatus)
	if err != nil {
		return nil, err
	}
	if status == 0 {
		return nil, ErrAbsent
	}

	altstatus, err := g.WaitNotBusy()
	if err != nil {
		return nil, err
	}
	if altstatus&port.StatusError != 0 {
		return nil, ErrAbsent
	}

	var raw [512]byte
	for i := 0; i < 128; i++ {
		word, err := g.ReadData32()
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(raw[i*4:], word)
	}

	return parseIdentify(raw)
}

func parseIdentify(raw [512]byte) (*Info, error) {
	info := &Info{Raw: raw}

	capBits := raw[offCapabilities]
	info.LBASupported = capBits&0x02 != 0
	info.DMASupported = capBits&0x01 != 0

	info.SectorCapacity = binary.LittleEndian.Uint32(raw[offSectorCap : offSectorCap+4])
	lba28 := binary.LittleEndian.Uint32(raw[offLBA28Count : offLBA28Count+4])
	lba48 := binary.LittleEndian.Uint64(raw[offLBA48Count : offLBA48Count+8])

	if lba28 == lba28AddressableMarker {
		info.AddressableSectorCount = lba48
	} else {
		info.AddressableSectorCount = uint64(lba28)
	}

	serial := append([]byte(nil), raw[offSerial:offSerial+lenSerial]...)
	firmware := append([]byte(nil), raw[offFirmware:offFirmware+lenFirmware]...)
	model := append([]byte(nil), raw[offModel:offModel+lenModel]...)
	swapWords(serial)
	swapWords(firmware)
	swapWords(model)
	info.Serial = trimASCII(serial)
	info.Firmware = trimASCII(firmware)
	info.Model = trimASCII(model)

	if !info.LBASupported || !info.DMASupported {
		return info, ErrUnsupported
	}
	return info, nil
}

// swapWords exchanges the two bytes of every 16-bit word in b, in place.
// ATA transmits ASCII identification fields byte-swapped within each
// 16-bit word; applying swapWords twice is the identity (spec.md section
// 8, property 6).
func swapWords(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	start := 0
	for start < end && (b[start] == ' ' || b[start] == 0) {
		start++
	}
	return string(b[start:end])
}
