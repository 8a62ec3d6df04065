// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim implements an in-process Rhythm board, with simulated
// RHD2000 chips connected to its SPI ports.
package sim // import "github.com/go-lpc/rhythm/internal/sim"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"path/filepath"
	"sync"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/rhd"
)

var errClosed = errors.New("sim: device closed")

// Chip is a simulated amplifier chip plugged at a headstage position.
type Chip struct {
	ID rhd.ChipID
	// Lo and Hi bound the MISO delays giving clean replies.
	Lo, Hi int
}

// Trigger records the activation of a trigger endpoint.
type Trigger struct {
	Ep    fpga.Endpoint
	Bit   int
	Value uint32 // value of the multi-use wire-in at activation
}

// Option configures a simulated device.
type Option func(*Device)

// WithChip plugs a chip at position pos (0=A1, 1=A2, 2=B1...).
func WithChip(pos int, id rhd.ChipID, lo, hi int) Option {
	return func(dev *Device) {
		dev.chips[pos] = &Chip{ID: id, Lo: lo, Hi: hi}
	}
}

// WithSignal sets the generator of amplifier samples. ch ranges over the
// 64 amplifiers of a position.
func WithSignal(fct func(pos, ch int, ts uint32) uint16) Option {
	return func(dev *Device) {
		dev.signal = fct
	}
}

// WithBoardMode sets the board mode reported by the firmware.
func WithBoardMode(mode int) Option {
	return func(dev *Device) {
		dev.mode = uint32(mode)
	}
}

// Device is a simulated Rhythm board. It implements fpga.Transport.
type Device struct {
	mu sync.Mutex

	gen    fpga.Generation
	chips  [8]*Chip
	signal func(pos, ch int, ts uint32) uint16
	mode   uint32

	bitfile string
	closed  bool

	pending [32]uint32
	wires   [32]uint32
	outs    [64]uint32
	ram     [3][16][1024]uint16
	regs    [8][2][22]uint8 // RAM registers, per position and MISO line

	running bool
	ts      uint32
	idx     [3]int
	last    [3][16]uint16 // reply to the previous command, per slot and stream
	fifo    []byte

	corrupt  int // frames before the next corrupted header (0: none)
	triggers []Trigger
	frames   int
}

// New returns a simulated board of generation gen.
func New(gen fpga.Generation, opts ...Option) *Device {
	dev := &Device{
		gen:    gen,
		signal: triangle,
		mode:   0,
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

func triangle(pos, ch int, ts uint32) uint16 {
	v := int((ts + uint32(4*ch+pos)) % 512)
	if v > 255 {
		v = 511 - v
	}
	return uint16(32768 - 128 + v)
}

var _ fpga.Transport = (*Device)(nil)

func (dev *Device) Generation() fpga.Generation { return dev.gen }

func (dev *Device) ConfigureFPGA(bitfile string) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return errClosed
	}
	if filepath.Ext(bitfile) != ".bit" {
		return fmt.Errorf("sim: invalid bitfile %q: %w", bitfile, fpga.ErrFirmwareMissing)
	}
	dev.bitfile = bitfile
	dev.reset()
	return nil
}

// Bitfile returns the last uploaded bitfile.
func (dev *Device) Bitfile() string {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.bitfile
}

func (dev *Device) SetWireInValue(ep fpga.Endpoint, v, mask uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.pending[ep] = dev.pending[ep]&^mask | v&mask
}

func (dev *Device) UpdateWireIns() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return errClosed
	}
	dev.wires = dev.pending
	rr := dev.wires[fpga.WireInResetRun]
	if rr&0x1 != 0 {
		dev.reset()
	}
	if dev.gen == fpga.USB3 && rr&0x10000 != 0 {
		dev.fifo = dev.fifo[:0]
	}
	if dev.running && !dev.continuous() {
		dev.running = false
	}
	return nil
}

func (dev *Device) reset() {
	dev.running = false
	dev.ts = 0
	dev.fifo = dev.fifo[:0]
	dev.idx = [3]int{}
	dev.last = [3][16]uint16{}
}

func (dev *Device) UpdateWireOuts() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return errClosed
	}
	if dev.running && dev.continuous() {
		dev.generate(dev.gen.SamplesPerBlock())
	}

	words := uint32(len(dev.fifo) / 2)
	switch dev.gen {
	case fpga.USB3:
		dev.outs[fpga.WireOutNumWords] = words
	default:
		dev.outs[fpga.WireOutNumWordsLsb] = words & 0xffff
		dev.outs[fpga.WireOutNumWordsMsb] = words >> 16
	}
	var run uint32
	if dev.running {
		run = 1
	}
	dev.outs[fpga.WireOutSpiRunning] = run
	dev.outs[fpga.WireOutDataClkLocked] = 0x3
	dev.outs[fpga.WireOutBoardMode] = dev.mode
	dev.outs[fpga.WireOutBoardID] = 600
	dev.outs[fpga.WireOutBoardVersion] = 1
	return nil
}

func (dev *Device) WireOutValue(ep fpga.Endpoint) uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.outs[ep]
}

// SetTTLIn sets the state of the digital inputs.
func (dev *Device) SetTTLIn(v uint16) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.outs[fpga.WireOutTtlIn] = uint32(v)
}

func (dev *Device) ActivateTriggerIn(ep fpga.Endpoint, bit int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return errClosed
	}
	dev.triggers = append(dev.triggers, Trigger{
		Ep:    ep,
		Bit:   bit,
		Value: dev.wires[fpga.WireInMultiUse],
	})

	switch ep {
	case fpga.TrigInRamWrite:
		var (
			addr = dev.wires[fpga.WireInCmdRamAddr] & 0x3ff
			bank = dev.wires[fpga.WireInCmdRamBank] & 0xf
			data = dev.wires[fpga.WireInCmdRamData] & 0xffff
		)
		if bit < 0 || bit > 2 {
			return fmt.Errorf("sim: invalid aux command slot %d", bit)
		}
		dev.ram[bit][bank][addr] = uint16(data)
	case fpga.TrigInSpiStart:
		dev.running = true
		dev.idx = [3]int{}
		dev.last = [3][16]uint16{}
		if !dev.continuous() {
			dev.generate(int(dev.maxTimeStep()))
			dev.running = false
		}
	}
	return nil
}

func (dev *Device) ReadFromPipeOut(ep fpga.Endpoint, p []byte) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return 0, errClosed
	}
	if ep != fpga.PipeOutData {
		return 0, fmt.Errorf("sim: invalid pipe endpoint 0x%x", ep)
	}
	if dev.running && dev.continuous() {
		size := dev.layout().Size()
		for len(dev.fifo) < len(p) {
			dev.generate((len(p)-len(dev.fifo)+size-1)/size)
		}
	}
	n := copy(p, dev.fifo)
	dev.fifo = dev.fifo[:copy(dev.fifo, dev.fifo[n:])]
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (dev *Device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.closed = true
	dev.running = false
	return nil
}

// WireIn returns the committed value of a wire-in endpoint.
func (dev *Device) WireIn(ep fpga.Endpoint) uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.wires[ep]
}

// Triggers returns the trigger activations seen so far.
func (dev *Device) Triggers() []Trigger {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]Trigger(nil), dev.triggers...)
}

// Command returns the command stored at index i of the bank of slot.
func (dev *Device) Command(slot fpga.AuxSlot, bank, i int) rhd.Command {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return rhd.Command(dev.ram[slot][bank][i])
}

// Frames returns the number of frames generated since creation.
func (dev *Device) Frames() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.frames
}

// Corrupt damages the header of the n-th frame generated from now on.
func (dev *Device) Corrupt(n int) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.corrupt = n
}

// Running returns whether the SPI sequencer runs.
func (dev *Device) Running() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.running
}

func (dev *Device) continuous() bool {
	return dev.wires[fpga.WireInResetRun]&0x2 != 0
}

func (dev *Device) maxTimeStep() uint32 {
	if dev.gen == fpga.USB3 {
		return dev.wires[fpga.WireInMaxTimeStep]
	}
	return dev.wires[fpga.WireInMaxTimeStepLsb]&0xffff | dev.wires[fpga.WireInMaxTimeStepMsb]<<16
}

func (dev *Device) enabled() uint32 {
	return dev.wires[fpga.WireInDataStreamEn] & (1<<uint(dev.gen.MaxStreams()) - 1)
}

func (dev *Device) layout() fpga.Layout {
	return fpga.Layout{Streams: bits.OnesCount32(dev.enabled())}
}

func (dev *Device) source(stream int) int {
	ep := []fpga.Endpoint{
		fpga.WireInDataStreamSel1, fpga.WireInDataStreamSel2,
		fpga.WireInDataStreamSel3, fpga.WireInDataStreamSel4,
	}[stream/4]
	return int(dev.wires[ep]>>uint(4*(stream%4))) & 0xf
}

func (dev *Device) auxLength(slot int) (loop, end int) {
	switch dev.gen {
	case fpga.USB3:
		shift := uint(10 * slot)
		loop = int(dev.wires[fpga.WireInAuxCmdLoop]>>shift) & 0x3ff
		end = int(dev.wires[fpga.WireInAuxCmdLength]>>shift) & 0x3ff
	default:
		loop = int(dev.wires[fpga.WireInAuxCmdLoop1+fpga.Endpoint(slot)]) & 0x3ff
		end = int(dev.wires[fpga.WireInAuxCmdLength1+fpga.Endpoint(slot)]) & 0x3ff
	}
	return loop, end
}

func (dev *Device) bank(slot, port int) int {
	return int(dev.wires[fpga.WireInAuxCmdBank1+fpga.Endpoint(slot)]>>uint(4*port)) & 0xf
}

func (dev *Device) delay(port int) int {
	return int(dev.wires[fpga.WireInMisoDelay]>>uint(4*port)) & 0xf
}

// generate appends n frames to the FIFO.
func (dev *Device) generate(n int) {
	var (
		layout  = dev.layout()
		size    = layout.Size()
		streams = make([]int, 0, layout.Streams)
	)
	for i := 0; i < dev.gen.MaxStreams(); i++ {
		if dev.enabled()&(1<<uint(i)) != 0 {
			streams = append(streams, i)
		}
	}

	for i := 0; i < n; i++ {
		beg := len(dev.fifo)
		dev.fifo = append(dev.fifo, make([]byte, size)...)
		frame := dev.fifo[beg:]

		binary.LittleEndian.PutUint64(frame, fpga.Magic)
		if dev.corrupt > 0 {
			dev.corrupt--
			if dev.corrupt == 0 {
				binary.LittleEndian.PutUint64(frame, ^fpga.Magic)
			}
		}
		binary.LittleEndian.PutUint32(frame[layout.Timestamp():], dev.ts)

		for slot := 0; slot < fpga.NumAux; slot++ {
			loop, end := dev.auxLength(slot)
			for k, stream := range streams {
				binary.LittleEndian.PutUint16(frame[layout.Aux(slot, k):], dev.last[slot][stream])
				var (
					src  = dev.source(stream)
					port = (src % 8) / 2
					cmd  = rhd.Command(dev.ram[slot][dev.bank(slot, port)][dev.idx[slot]])
				)
				dev.last[slot][stream] = dev.reply(src, cmd)
			}
			dev.idx[slot]++
			if dev.idx[slot] > end {
				dev.idx[slot] = loop
			}
		}

		for k, stream := range streams {
			src := dev.source(stream)
			for ch := 0; ch < fpga.NumAmps; ch++ {
				binary.LittleEndian.PutUint16(frame[layout.Amp(ch, k):], dev.amp(src, ch))
			}
		}

		for j := 0; j < fpga.NumADCs; j++ {
			binary.LittleEndian.PutUint16(frame[layout.ADC(j):], uint16(32768+1024*j))
		}
		binary.LittleEndian.PutUint16(frame[layout.TTLIn():], uint16(dev.outs[fpga.WireOutTtlIn]))
		binary.LittleEndian.PutUint16(frame[layout.TTLOut():], uint16(dev.wires[fpga.WireInTtlOut]))

		dev.ts++
		dev.frames++
	}
}

// chip returns the chip answering on the data source src, and whether it
// answers on its second MISO line.
func (dev *Device) chip(src int) (*Chip, bool) {
	pos := src % 8
	ddr := src >= fpga.DDROffset
	c := dev.chips[pos]
	if c == nil {
		return nil, ddr
	}
	if ddr && c.ID != rhd.RHD2164 {
		return nil, ddr
	}
	return c, ddr
}

func (dev *Device) amp(src, ch int) uint16 {
	c, ddr := dev.chip(src)
	if c == nil {
		return 0xffff
	}
	pos := src % 8
	if ddr {
		ch += 32
	}
	return dev.signal(pos, ch, dev.ts)
}

func (dev *Device) reply(src int, cmd rhd.Command) uint16 {
	c, ddr := dev.chip(src)
	if c == nil {
		return 0xffff
	}
	var (
		pos   = src % 8
		line  = 0
		delay = dev.delay(pos / 2)
	)
	if ddr {
		line = 1
	}

	v := dev.answer(c, pos, line, cmd)
	if delay < c.Lo || delay > c.Hi {
		v = v<<1 | 1
	}
	return v
}

func (dev *Device) answer(c *Chip, pos, line int, cmd rhd.Command) uint16 {
	reg := cmd.Reg()
	switch cmd.Op() {
	case rhd.OpConvert:
		switch {
		case reg < 32:
			return dev.signal(pos, reg+32*line, dev.ts)
		case reg <= 34:
			return uint16(0x8000 + 0x1000*(reg-32) + int(dev.ts%16))
		case reg == 48:
			return 0x8000 // supply sensor
		case reg == 49:
			return 0x7000 // temperature sensor
		}
		return 0
	case rhd.OpCalibrate, rhd.OpClear:
		return 0x8000
	case rhd.OpWrite:
		if reg < len(dev.regs[pos][line]) {
			dev.regs[pos][line][reg] = cmd.Data()
		}
		return 0xff00 | uint16(cmd.Data())
	case rhd.OpRead:
		return uint16(dev.rom(c, pos, line, reg))
	}
	return 0
}

func (dev *Device) rom(c *Chip, pos, line, reg int) uint8 {
	switch {
	case reg < len(dev.regs[pos][line]):
		return dev.regs[pos][line][reg]
	case reg >= 40 && reg <= 44:
		return rhd.CompanyName[reg-40]
	case reg >= 48 && reg <= 55:
		name := c.ID.String() + "\x00\x00\x00\x00\x00\x00\x00\x00"
		return name[reg-48]
	case reg == 59:
		if line == 1 {
			return rhd.MisoB
		}
		return rhd.MisoA
	case reg == 62:
		return uint8(c.ID.NumChannels())
	case reg == 63:
		return uint8(c.ID)
	}
	return 0
}
