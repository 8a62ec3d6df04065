// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhd

import (
	"fmt"
)

// Command is a 16-bit RHD2000 SPI command word.
type Command uint16

// Op is the operation encoded in a command word.
type Op uint8

const (
	OpConvert Op = iota
	OpCalibrate
	OpClear
	OpWrite
	OpRead
	OpInvalid
)

const (
	cmdCalibrate Command = 0x5500
	cmdClear     Command = 0x6a00
	cmdWrite     Command = 0x8000
	cmdRead      Command = 0xc000
)

// Convert returns the command sampling the ADC channel ch.
func Convert(ch int) Command {
	return Command(ch&0x3f) << 8
}

// ConvertH returns the convert command for channel ch with the H bit set,
// resetting the DSP offset-removal filter of that channel.
func ConvertH(ch int) Command {
	return Convert(ch) | 1
}

// Calibrate returns the ADC self-calibration command.
func Calibrate() Command { return cmdCalibrate }

// Clear returns the ADC calibration-clear command.
func Clear() Command { return cmdClear }

// Write returns the command writing data into register reg.
func Write(reg int, data uint8) Command {
	return cmdWrite | Command(reg&0x3f)<<8 | Command(data)
}

// Read returns the command reading register reg.
func Read(reg int) Command {
	return cmdRead | Command(reg&0x3f)<<8
}

// Dummy returns the no-op command used to pad command lists.
func Dummy() Command { return Read(63) }

// Op returns the operation encoded in the command.
func (c Command) Op() Op {
	switch c >> 14 {
	case 0:
		return OpConvert
	case 1:
		switch c {
		case cmdCalibrate:
			return OpCalibrate
		case cmdClear:
			return OpClear
		}
		return OpInvalid
	case 2:
		return OpWrite
	default:
		return OpRead
	}
}

// Reg returns the register (or ADC channel) addressed by the command.
func (c Command) Reg() int { return int(c>>8) & 0x3f }

// Data returns the data byte of a register write.
func (c Command) Data() uint8 { return uint8(c) }

func (c Command) String() string {
	switch c.Op() {
	case OpConvert:
		if c&1 == 1 {
			return fmt.Sprintf("convert(%d, H)", c.Reg())
		}
		return fmt.Sprintf("convert(%d)", c.Reg())
	case OpCalibrate:
		return "calibrate"
	case OpClear:
		return "clear"
	case OpWrite:
		return fmt.Sprintf("write(%d, 0x%02x)", c.Reg(), c.Data())
	case OpRead:
		return fmt.Sprintf("read(%d)", c.Reg())
	}
	return fmt.Sprintf("Command(0x%04x)", uint16(c))
}
