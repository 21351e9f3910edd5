// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mbr parses a classic MBR partition table out of a disk's first
// 512-byte sector. Extended partitions are not recursed (spec.md section
// 4.3); this is a documented limitation, not an omission.
package mbr

import (
	"encoding/binary"
	"errors"
)

// ErrNoSignature is returned when the sector does not end in the 0xAA55
// MBR boot signature.
var ErrNoSignature = errors.New("mbr: missing 0xAA55 signature")

const (
	sectorSize    = 512
	signatureOff  = 510
	signature     = 0xAA55
	tableOffset   = 0x1BE
	entrySize     = 16
	entryCount    = 4
)

// Entry is one decoded partition table row.
type Entry struct {
	Slot        int
	SystemID    uint8
	StartLBA    uint32
	SectorCount uint32
}

// Parse validates the MBR signature in sector and extracts up to four
// primary-partition descriptors. Entries with a zero start_lba,
// sector_count, or system_id are skipped (spec.md section 4.3).
func Parse(sector []byte) ([]Entry, error) {
	if len(sector) < sectorSize {
		return nil, errors.New("mbr: sector shorter than 512 bytes")
	}
	if binary.LittleEndian.Uint16(sector[signatureOff:signatureOff+2]) != signature {
		return nil, ErrNoSignature
	}

	var entries []Entry
	for slot := 0; slot < entryCount; slot++ {
		raw := sector[tableOffset+slot*entrySize : tableOffset+(slot+1)*entrySize]
		systemID := raw[4]
		startLBA := binary.LittleEndian.Uint32(raw[8:12])
		sectorCount := binary.LittleEndian.Uint32(raw[12:16])
		if systemID == 0 || startLBA == 0 || sectorCount == 0 {
			continue
		}
		entries = append(entries, Entry{
			Slot:        slot,
			SystemID:    systemID,
			StartLBA:    startLBA,
			SectorCount: sectorCount,
		})
	}
	return entries, nil
}
