// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board opens the transports selected on the command line of
// the rhythm commands.
package board // import "github.com/go-lpc/rhythm/internal/board"

import (
	"flag"
	"fmt"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/internal/replay"
	"github.com/go-lpc/rhythm/internal/sim"
	"github.com/go-lpc/rhythm/usb"
)

// Flags selects a transport.
type Flags struct {
	USB3   bool   // USB3 generation
	Sim    string // simulated chips, see sim.ParseChips
	Replay string // raw capture to replay over the simulated chips
	Loop   bool   // rewind the replayed capture
}

// Register registers the transport flags into fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.BoolVar(&f.USB3, "usb3", false, "drive a USB3 board")
	fs.StringVar(&f.Sim, "sim", "", "simulate a board with the given chips (ex: A1:RHD2164,B1:RHD2132)")
	fs.StringVar(&f.Replay, "replay", "", "replay a raw capture (requires -sim)")
	fs.BoolVar(&f.Loop, "loop", false, "rewind the replayed capture")
}

// Generation returns the selected board generation.
func (f Flags) Generation() fpga.Generation {
	if f.USB3 {
		return fpga.USB3
	}
	return fpga.USB2
}

// Open opens the selected transport.
func (f Flags) Open() (fpga.Transport, error) {
	gen := f.Generation()
	if f.Sim == "" {
		if f.Replay != "" {
			return nil, fmt.Errorf("board: replay requires a simulated board")
		}
		tr, err := usb.Open(gen)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}

	chips, err := sim.ParseChips(f.Sim)
	if err != nil {
		return nil, fmt.Errorf("board: could not parse simulated chips: %w", err)
	}
	dev := sim.New(gen, chips...)
	if f.Replay == "" {
		return dev, nil
	}

	tr, err := replay.Open(f.Replay, dev, replay.WithLoop(f.Loop))
	if err != nil {
		return nil, fmt.Errorf("board: could not open replay: %w", err)
	}
	return tr, nil
}
