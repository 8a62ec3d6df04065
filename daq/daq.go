// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq implements the acquisition engine of Rhythm boards:
// headstage discovery, data stream allocation, register configuration
// and decoding of the acquired frames into sample blocks.
package daq // import "github.com/go-lpc/rhythm/daq"

import (
	"fmt"

	"github.com/go-lpc/rhythm/fpga"
)

// BoardType identifies the hardware variant driven by a Device.
type BoardType int

const (
	AcquisitionBoard BoardType = iota
	IntanRHDUSB
)

func (b BoardType) String() string {
	switch b {
	case AcquisitionBoard:
		return "acquisition-board"
	case IntanRHDUSB:
		return "intan-rhd-usb"
	}
	return fmt.Sprintf("BoardType(%d)", int(b))
}

// Bitfile returns the default firmware image of the board.
func (b BoardType) Bitfile(gen fpga.Generation) string {
	switch {
	case b == IntanRHDUSB:
		return "intan_rhd_usb.bit"
	case gen == fpga.USB3:
		return "rhd2000_usb3.bit"
	default:
		return "rhd2000.bit"
	}
}

// HasLEDs returns whether the board carries status LEDs.
func (b BoardType) HasLEDs() bool { return b == AcquisitionBoard }

// Block is a batch of decoded frames.
type Block struct {
	NumChannels int
	Samples     []float32 // frame-major: Samples[i*NumChannels+ch]
	Timestamps  []int64
	Events      []uint32 // TTL-in in the low 16 bits, TTL-out in the high ones
}

// Len returns the number of frames in the block.
func (blk *Block) Len() int { return len(blk.Timestamps) }

// Frame returns the samples of frame i.
func (blk *Block) Frame(i int) []float32 {
	return blk.Samples[i*blk.NumChannels : (i+1)*blk.NumChannels]
}

func (blk *Block) reset(nchans int) {
	blk.NumChannels = nchans
	blk.Samples = blk.Samples[:0]
	blk.Timestamps = blk.Timestamps[:0]
	blk.Events = blk.Events[:0]
}

// Sink consumes decoded blocks.
//
// Write is only called from the acquisition goroutine.
type Sink interface {
	Resize(nchans int)
	Write(blk *Block) error
	Clear()
}

// Alerter notifies operators of acquisition incidents.
type Alerter interface {
	Alert(subject, body string) error
}

// State is the state of the acquisition engine.
type State int

const (
	Idle State = iota
	Armed
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
