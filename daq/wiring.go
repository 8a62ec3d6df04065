// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/rhd"
)

type dacState struct {
	enabled   bool
	channel   int // global channel, -1 when unassigned
	stream    int
	chipChan  int
	threshold uint16
	positive  bool
}

type wiringState struct {
	dac     [8]dacState
	gain    int
	noise   int
	ttlMode bool
	hpf     struct {
		enabled bool
		cutoff  float64
	}
	settle struct {
		enabled bool
		ch      int
	}
	divider int // value programmed in the firmware
	ttl     [16]bool
}

// outputWiring holds the DAC and TTL output state. Changes requested
// while acquiring are applied by the acquisition loop between two blocks.
type outputWiring struct {
	mu    sync.Mutex
	state wiringState

	dacDirty atomic.Bool
	ttlDirty atomic.Bool
}

func newOutputWiring(set Settings) *outputWiring {
	w := &outputWiring{}
	for i := range w.state.dac {
		w.state.dac[i] = dacState{channel: -1, threshold: 32768, positive: true}
	}
	w.state.gain = set.DACGain
	w.state.noise = set.NoiseSlicer
	w.state.ttlMode = set.TTLMode
	w.state.hpf.enabled = set.DACHighpass.Enabled
	w.state.hpf.cutoff = set.DACHighpass.Cutoff
	w.state.divider = clockDivider(set.ClockDivider)
	return w
}

func (w *outputWiring) update(fct func(s *wiringState), ttl bool) {
	w.mu.Lock()
	fct(&w.state)
	w.mu.Unlock()
	if ttl {
		w.ttlDirty.Store(true)
		return
	}
	w.dacDirty.Store(true)
}

func (w *outputWiring) snapshot() wiringState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// apply programs the pending changes into the board.
func (w *outputWiring) apply(brd *fpga.Board) {
	dac := w.dacDirty.Swap(false)
	ttl := w.ttlDirty.Swap(false)
	if !dac && !ttl {
		return
	}
	s := w.snapshot()
	if dac {
		for i, d := range s.dac {
			brd.EnableDac(i, d.enabled && d.channel >= 0)
			brd.SelectDacDataStream(i, d.stream)
			brd.SelectDacDataChannel(i, d.chipChan)
			brd.SetDacThreshold(i, d.threshold, d.positive)
		}
		brd.SetDacGain(s.gain)
		brd.SetAudioNoiseSuppress(s.noise)
		brd.SetTTLMode(s.ttlMode)
		brd.EnableDacHighpassFilter(s.hpf.enabled)
		brd.SetDacHighpassFilter(s.hpf.cutoff)
		brd.EnableExternalFastSettle(s.settle.enabled)
		brd.SetExternalFastSettleChannel(s.settle.ch)
		brd.SetClockDivider(s.divider)
	}
	if ttl {
		brd.SetTTLOut(s.ttl)
	}
}

// clockDivider returns the firmware value of a sync clock division ratio.
// Only 1 and even ratios are supported: odd ratios are rounded down.
func clockDivider(ratio int) int {
	if ratio <= 1 {
		return 0
	}
	if ratio%2 != 0 {
		ratio--
	}
	return ratio / 2
}

// wire records a wiring change and applies it right away when the board
// is not acquiring.
func (dev *Device) wire(fct func(s *wiringState), ttl bool) {
	if dev.brd == nil {
		return
	}
	dev.wiring.update(fct, ttl)
	if dev.state != Running {
		dev.wiring.apply(dev.brd)
		dev.logErr(dev.brd.Err())
	}
}

func checkDac(dac int) error {
	if dac < 0 || dac > 7 {
		return fmt.Errorf("daq: invalid DAC %d", dac)
	}
	return nil
}

// SetDACChannel routes the electrode channel ch (index in the channel
// map) to the analog output dac.
func (dev *Device) SetDACChannel(dac, ch int) error {
	err := checkDac(dac)
	if err != nil {
		return err
	}
	if ch < 0 || ch >= len(dev.chmap) || dev.chmap[ch].Kind != Electrode {
		return fmt.Errorf("daq: channel %d is not an electrode", ch)
	}
	c := dev.chmap[ch]
	ds := dev.streams[c.Stream]
	idx := c.Index
	if ds.Chip == rhd.RHD2164B {
		idx -= fpga.NumAmps
	}
	dev.wire(func(s *wiringState) {
		s.dac[dac].channel = ch
		s.dac[dac].stream = c.Stream
		s.dac[dac].chipChan = idx + ds.offset()
	}, false)
	return nil
}

// EnableDAC toggles the analog output dac.
func (dev *Device) EnableDAC(dac int, v bool) error {
	err := checkDac(dac)
	if err != nil {
		return err
	}
	dev.wire(func(s *wiringState) { s.dac[dac].enabled = v }, false)
	return nil
}

// SetDACThreshold sets the threshold (µV) of the comparator of dac.
// Positive thresholds trigger on rising signals.
func (dev *Device) SetDACThreshold(dac int, uV float64) error {
	err := checkDac(dac)
	if err != nil {
		return err
	}
	v := math.Abs(uV/ElectrodeScale + 32768)
	if v > math.MaxUint16 {
		v = math.MaxUint16
	}
	dev.wire(func(s *wiringState) {
		s.dac[dac].threshold = uint16(v)
		s.dac[dac].positive = uV >= 0
	}, false)
	return nil
}

// SetDACGain sets the gain of the analog outputs (0-7).
func (dev *Device) SetDACGain(gain int) error {
	if gain < 0 || gain > 7 {
		return fmt.Errorf("daq: invalid DAC gain %d", gain)
	}
	dev.settings.DACGain = gain
	dev.wire(func(s *wiringState) { s.gain = gain }, false)
	return nil
}

// SetNoiseSlicer sets the audio noise slicer level (0-127).
func (dev *Device) SetNoiseSlicer(level int) error {
	if level < 0 || level > 127 {
		return fmt.Errorf("daq: invalid noise slicer level %d", level)
	}
	dev.settings.NoiseSlicer = level
	dev.wire(func(s *wiringState) { s.noise = level }, false)
	return nil
}

// SetDACHighpass configures the high-pass filter of the analog outputs.
func (dev *Device) SetDACHighpass(enabled bool, cutoff float64) {
	dev.settings.DACHighpass.Enabled = enabled
	dev.settings.DACHighpass.Cutoff = cutoff
	dev.wire(func(s *wiringState) {
		s.hpf.enabled = enabled
		s.hpf.cutoff = cutoff
	}, false)
}

// SetTTLMode selects whether the digital outputs follow the DAC
// comparators.
func (dev *Device) SetTTLMode(v bool) {
	dev.settings.TTLMode = v
	dev.wire(func(s *wiringState) { s.ttlMode = v }, false)
}

// SetExternalFastSettle drives amplifier settle from the digital input ch.
func (dev *Device) SetExternalFastSettle(enabled bool, ch int) error {
	if ch < 0 || ch > 15 {
		return fmt.Errorf("daq: invalid digital input %d", ch)
	}
	dev.wire(func(s *wiringState) {
		s.settle.enabled = enabled
		s.settle.ch = ch
	}, false)
	return nil
}

// SetClockDivider sets the division ratio of the sync clock output.
// It returns the ratio actually programmed.
func (dev *Device) SetClockDivider(ratio int) int {
	v := clockDivider(ratio)
	dev.settings.ClockDivider = ratio
	dev.wire(func(s *wiringState) { s.divider = v }, false)
	if v == 0 {
		return 1
	}
	return 2 * v
}

// SetTTLOut sets the digital output ch.
func (dev *Device) SetTTLOut(ch int, v bool) error {
	if ch < 0 || ch > 15 {
		return fmt.Errorf("daq: invalid digital output %d", ch)
	}
	dev.wire(func(s *wiringState) { s.ttl[ch] = v }, true)
	return nil
}
