// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rhd models the configuration registers of the Intan RHD2000
// family of amplifier chips and generates the SPI command sequences the
// Rhythm FPGA firmware replays on its auxiliary command slots.
package rhd // import "github.com/go-lpc/rhythm/rhd"

import (
	"fmt"
)

// ChipID is the identifier stored in ROM register 63 of an RHD2000 chip.
type ChipID int

const (
	NoChip   ChipID = -1
	RHD2132  ChipID = 1
	RHD2216  ChipID = 2
	RHD2164  ChipID = 4
	RHD2164B ChipID = 1000 // second (MISO B) half of an RHD2164
)

// Values of ROM register 59 identifying the MISO line of an RHD2164.
const (
	MisoA = 53
	MisoB = 58
)

// Offset16 is the first channel read from an RHD2132 operated in
// 16-channel mode.
const Offset16 = 8

func (id ChipID) String() string {
	switch id {
	case NoChip:
		return "none"
	case RHD2132:
		return "RHD2132"
	case RHD2216:
		return "RHD2216"
	case RHD2164:
		return "RHD2164"
	case RHD2164B:
		return "RHD2164-B"
	default:
		return fmt.Sprintf("ChipID(%d)", int(id))
	}
}

// Valid returns whether id is a known amplifier chip.
func (id ChipID) Valid() bool {
	switch id {
	case RHD2132, RHD2216, RHD2164, RHD2164B:
		return true
	}
	return false
}

// NumChannels returns the number of amplifier channels of the chip.
func (id ChipID) NumChannels() int {
	switch id {
	case RHD2132:
		return 32
	case RHD2216:
		return 16
	case RHD2164:
		return 64
	case RHD2164B:
		return 32
	}
	return 0
}

// Identity tags read back from ROM registers.
const (
	CompanyName = "INTAN"
	ChipPrefix  = "RHD"
)
