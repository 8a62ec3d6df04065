// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fpga drives the Rhythm firmware of an Intan-compatible
// acquisition FPGA through its wire-in, wire-out, trigger and pipe
// endpoints.
//
// The physical link is abstracted by the Transport interface.
// Board implements the Rhythm register protocol on top of a Transport,
// for both the USB2 and the USB3 generations of the firmware.
package fpga // import "github.com/go-lpc/rhythm/fpga"

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound  = errors.New("fpga: device not found")
	ErrDriverMissing   = errors.New("fpga: driver library missing")
	ErrFirmwareMissing = errors.New("fpga: firmware bitfile missing")
	ErrTimeout         = errors.New("fpga: timeout")
)

// Transport is the link to an FPGA running the Rhythm firmware.
//
// Wire-in values are buffered by SetWireInValue and sent to the device by
// UpdateWireIns. Wire-out values are latched by UpdateWireOuts and then
// read with WireOutValue.
type Transport interface {
	Generation() Generation

	// ConfigureFPGA uploads the bitfile to the FPGA.
	ConfigureFPGA(bitfile string) error

	SetWireInValue(ep Endpoint, v, mask uint32)
	UpdateWireIns() error
	UpdateWireOuts() error
	WireOutValue(ep Endpoint) uint32
	ActivateTriggerIn(ep Endpoint, bit int) error

	// ReadFromPipeOut fills p with data from the pipe endpoint.
	ReadFromPipeOut(ep Endpoint, p []byte) (int, error)

	Close() error
}

// Generation identifies the USB generation of the board and its firmware.
type Generation uint8

const (
	USB2 Generation = iota
	USB3
)

func (g Generation) String() string {
	switch g {
	case USB2:
		return "USB2"
	case USB3:
		return "USB3"
	}
	return fmt.Sprintf("Generation(%d)", uint8(g))
}

// MaxStreams returns the number of hardware data streams.
func (g Generation) MaxStreams() int {
	if g == USB3 {
		return 16
	}
	return 8
}

// Ports returns the number of SPI ports (A, B, C, D).
func (g Generation) Ports() int { return 4 }

// SamplesPerBlock returns the number of frames of a USB data block.
// It is also the length of the block run while scanning.
func (g Generation) SamplesPerBlock() int {
	if g == USB3 {
		return 256
	}
	return 60
}

// Continuous returns whether the firmware streams data without the host
// polling the FIFO.
func (g Generation) Continuous() bool { return g == USB3 }

// DDROffset is the data source offset selecting the second MISO line
// (double data rate) of a position.
const DDROffset = 8

// Position returns the name of the headstage position pos (A1, A2, B1...).
func Position(pos int) string {
	return fmt.Sprintf("%c%d", 'A'+pos/2, pos%2+1)
}
