// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/rhd"
)

// Bandwidth classification of a scan.
const (
	BandwidthOK               = 0
	BandwidthOverUSB2         = -1
	BandwidthOverUSB2With2216 = -2
)

// ScanResult is the outcome of a headstage scan.
type ScanResult struct {
	Headstages   []Headstage // connected headstages
	Rejected     []Headstage // headstages found but left without a data stream
	Delays       [NumPositions]int
	PortDelays   []int     // MISO delay of each port
	CableLengths []float64 // estimated cable length (m) of each port
	Bandwidth    int
}

// Err reports the capacity and bandwidth problems of the scan.
func (res ScanResult) Err() error {
	switch {
	case len(res.Rejected) > 0:
		names := make([]string, len(res.Rejected))
		for i, hs := range res.Rejected {
			names[i] = hs.Name()
		}
		return fmt.Errorf("daq: headstages %s rejected: %w", strings.Join(names, ","), ErrCapacity)
	case res.Bandwidth < 0:
		return fmt.Errorf("daq: bandwidth status %d: %w", res.Bandwidth, ErrBandwidth)
	}
	return nil
}

// sweep accumulates the readings of a position across delays.
type sweep struct {
	good   int
	first  int
	second int
	chip   rhd.ChipID
}

func newSweep() sweep {
	return sweep{first: -1, second: -1, chip: rhd.NoChip}
}

func (sw *sweep) add(delay int, id rhd.ChipID) {
	sw.good++
	switch {
	case sw.first == -1:
		sw.first = delay
		sw.chip = id
	case sw.second == -1:
		sw.second = delay
		sw.chip = id
	}
}

// delay returns the delay selected for the position. With more than two
// good delays, the second one is used.
func (sw sweep) delay() int {
	switch {
	case sw.good == 1 || sw.good == 2:
		return sw.first
	case sw.good > 2:
		return sw.second
	}
	return 0
}

// chipID reads the chip identity from the AuxCmd3 results of stream k in
// a calibration block.
func chipID(raw []byte, layout fpga.Layout, k int) (id rhd.ChipID, reg59 int) {
	size := layout.Size()
	res := func(i int) uint16 {
		off := i*size + layout.Aux(int(fpga.AuxCmd3), k)
		return binary.LittleEndian.Uint16(raw[off:])
	}
	for i, c := range rhd.CompanyName {
		if res(32+i) != uint16(c) {
			return rhd.NoChip, -1
		}
	}
	for i, c := range rhd.ChipPrefix {
		if res(24+i) != uint16(c) {
			return rhd.NoChip, -1
		}
	}
	return rhd.ChipID(res(19)), int(res(23))
}

func validBlock(raw []byte, layout fpga.Layout) bool {
	size := layout.Size()
	for i := 0; i+size <= len(raw); i += size {
		if !fpga.CheckHeader(raw[i:]) {
			return false
		}
	}
	return len(raw) > 0
}

// Scan looks for headstages by sweeping the MISO delays of all ports,
// then configures the data streams for the headstages found.
func (dev *Device) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	if dev.brd == nil {
		return res, ErrDeviceNotFound
	}
	if dev.state == Running {
		return res, ErrRunning
	}
	dev.meas.Stop()

	var (
		brd    = dev.brd
		gen    = brd.Generation()
		saved  = dev.settings.SampleRate
		nstep  = gen.SamplesPerBlock()
		layout = fpga.Layout{Streams: NumPositions}
		raw    = make([]byte, nstep*layout.Size())
		sweeps [NumPositions]sweep
	)

	brd.SetContinuousRunMode(false)
	brd.SetMaxTimeStep(0)
	brd.Flush()
	for i := 0; i < gen.MaxStreams(); i++ {
		brd.EnableDataStream(i, false)
	}
	dev.setSampleRate(rhd.CalibrationRate, true)

	// an interrupted or failed sweep puts back the previous streams and
	// sample rate.
	done := false
	defer func() {
		if done {
			return
		}
		brd.SetMaxTimeStep(0)
		brd.Flush()
		dev.allocate()
		dev.setSampleRate(saved, false)
		dev.logErr(brd.Err())
	}()

	for pos := 0; pos < NumPositions; pos++ {
		brd.SetDataSource(pos, pos)
		brd.EnableDataStream(pos, true)
	}
	brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd3, rhd.BankCalibrate)
	brd.SetMaxTimeStep(uint32(nstep))
	brd.SetContinuousRunMode(false)
	if err := brd.Err(); err != nil {
		return res, fmt.Errorf("daq: could not prepare scan: %w", err)
	}

	for i := range sweeps {
		sweeps[i] = newSweep()
	}

	for delay := 0; delay <= rhd.MaxDelay; delay++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("daq: scan interrupted: %w", err)
		}
		for port := 0; port < gen.Ports(); port++ {
			brd.SetCableDelay(port, delay)
		}
		brd.Run()
		dev.waitIdle(ctx)
		brd.Read(raw)
		if err := brd.Err(); err != nil {
			return res, fmt.Errorf("daq: could not read calibration block (delay=%d): %w", delay, err)
		}
		if dev.cfg.raw != nil {
			_, _ = dev.cfg.raw.Write(raw)
		}

		if !validBlock(raw, layout) {
			dev.msg.Printf("invalid calibration block (delay=%d)", delay)
			continue
		}

		for pos := range sweeps {
			id, reg59 := chipID(raw, layout, pos)
			switch {
			case id == rhd.RHD2132, id == rhd.RHD2216,
				id == rhd.RHD2164 && reg59 == rhd.MisoA:
				sweeps[pos].add(delay, id)
			}
		}
	}

	required := 0
	has2216 := false
	for pos, sw := range sweeps {
		hs := &dev.hss[pos]
		hs.Chip = sw.chip
		hs.Enabled = sw.chip.Valid()
		hs.half = false
		res.Delays[pos] = sw.delay()
		switch sw.chip {
		case rhd.RHD2164:
			required += 2
		case rhd.RHD2216:
			required++
			has2216 = true
		case rhd.RHD2132:
			required++
		}
	}
	if gen == fpga.USB2 && required > gen.MaxStreams() {
		res.Bandwidth = BandwidthOverUSB2
		if has2216 {
			res.Bandwidth = BandwidthOverUSB2With2216
		}
	}

	rejected := dev.allocate()
	for _, pos := range rejected {
		dev.hss[pos].Enabled = false
		res.Rejected = append(res.Rejected, dev.hss[pos])
	}

	res.PortDelays = make([]int, gen.Ports())
	res.CableLengths = make([]float64, gen.Ports())
	fs := brd.Rate().Hz
	for port := range res.PortDelays {
		delay := res.Delays[2*port]
		if d := res.Delays[2*port+1]; d > delay {
			delay = d
		}
		res.PortDelays[port] = delay
		brd.SetCableDelay(port, delay)
		res.CableLengths[port] = rhd.LengthFromDelay(delay, fs)
		dev.settings.CableLengths[port] = res.CableLengths[port]
	}

	for _, hs := range dev.hss {
		if hs.Connected() {
			res.Headstages = append(res.Headstages, hs)
		}
	}

	done = true
	brd.SetMaxTimeStep(0)
	dev.setSampleRate(saved, false)
	if err := brd.Err(); err != nil {
		return res, fmt.Errorf("daq: could not configure scanned headstages: %w", err)
	}

	dev.msg.Printf("scan: %d headstage(s), %d channel(s), port delays=%v", len(res.Headstages), len(dev.chmap), res.PortDelays)
	if err := res.Err(); err != nil {
		dev.msg.Printf("scan: %+v", err)
		dev.alert("headstages rejected", err.Error())
	}
	dev.scan = res
	return res, nil
}

func (dev *Device) waitIdle(ctx context.Context) {
	const timeout = 2 * time.Second
	deadline := time.Now().Add(timeout)
	for dev.brd.IsRunning() {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
