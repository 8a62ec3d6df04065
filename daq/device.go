// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/rhd"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 500 * time.Millisecond

// Device is the acquisition engine of a Rhythm board.
//
// Device methods are not safe for concurrent use, except for the DAC and
// TTL output setters which may be called while acquiring.
type Device struct {
	msg *log.Logger
	cfg config
	brd *fpga.Board // nil when no board was found

	settings Settings
	regs     *rhd.Registers
	bw       rhd.Bandwidth // achieved filter settings
	hss      [NumPositions]Headstage
	streams  []DataStream
	chmap    ChannelMap
	wiring   *outputWiring
	meas     *Measurement
	scan     ScanResult
	state    State

	daq struct {
		quit chan struct{}
		done chan struct{}
		err  error

		dec *decoder
		blk Block
		raw []byte

		framing int // consecutive framing errors

		frames  atomic.Int64
		invalid atomic.Int64
	}
}

// New returns a device driving the board reachable through t.
// A nil transport gives a device without board: its setters only record
// settings and Start fails with ErrDeviceNotFound.
func New(t fpga.Transport, opts ...Option) *Device {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	msg := cfg.msg
	if msg == nil {
		msg = log.New(os.Stdout, "rhythm: ", 0)
	}
	meas := cfg.meas
	if meas == nil {
		meas = new(Measurement)
	}

	dev := &Device{
		msg:      msg,
		cfg:      cfg,
		settings: cfg.settings,
		meas:     meas,
	}
	if t != nil {
		dev.brd = fpga.NewBoard(t, msg)
	}
	for i := range dev.hss {
		dev.hss[i] = Headstage{Position: i, Chip: rhd.NoChip}
	}
	dev.regs = rhd.NewRegisters(rhd.RateAt(dev.settings.SampleRate).Hz)
	dev.configureRegisters()
	dev.wiring = newOutputWiring(dev.settings)
	dev.allocate()
	return dev
}

// Open creates a device on t, initializes its board and scans for
// headstages. On error, the returned device may be used to retry the
// initialization with another bitfile.
func Open(ctx context.Context, t fpga.Transport, opts ...Option) (*Device, error) {
	if t == nil {
		return nil, ErrDeviceNotFound
	}
	dev := New(t, opts...)
	err := dev.Initialize(ctx)
	if err != nil {
		return dev, err
	}
	res, err := dev.Scan(ctx)
	if err != nil {
		return dev, err
	}
	dev.msg.Printf("found %d headstage(s)", len(res.Headstages))
	return dev, nil
}

func (dev *Device) logErr(err error) {
	if err != nil {
		dev.msg.Printf("%+v", err)
	}
}

func (dev *Device) alert(subject, body string) {
	if dev.cfg.alerter == nil {
		return
	}
	err := dev.cfg.alerter.Alert(subject, body)
	if err != nil {
		dev.msg.Printf("could not send alert %q: %+v", subject, err)
	}
}

// guard prepares a configuration change. It reports whether the change
// should be pushed to the board.
func (dev *Device) guard() (bool, error) {
	if dev.brd == nil {
		return false, nil
	}
	if dev.state == Running {
		return false, ErrRunning
	}
	dev.meas.Stop()
	return true, nil
}

// SetBitfile sets the firmware image uploaded by the next Initialize.
func (dev *Device) SetBitfile(fname string) { dev.cfg.bitfile = fname }

// Bitfile returns the firmware image uploaded by Initialize.
func (dev *Device) Bitfile() string {
	if dev.cfg.bitfile != "" {
		return dev.cfg.bitfile
	}
	gen := fpga.USB2
	if dev.brd != nil {
		gen = dev.brd.Generation()
	}
	return dev.cfg.board.Bitfile(gen)
}

// Initialize uploads the firmware and configures the board with the
// current settings. A missing firmware is reported with an error
// wrapping ErrFirmwareMissing.
func (dev *Device) Initialize(ctx context.Context) error {
	if dev.brd == nil {
		return ErrDeviceNotFound
	}
	ok, err := dev.guard()
	if !ok {
		return err
	}

	brd := dev.brd
	bitfile := dev.Bitfile()
	brd.Upload(bitfile)
	if err := brd.Err(); err != nil {
		return fmt.Errorf("daq: could not initialize board: %w", err)
	}

	brd.Initialize()
	dev.setSampleRate(rhd.CalibrationRate, true)

	// run the ADC calibration once.
	brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd3, rhd.BankCalibrate)
	var (
		nstep  = brd.Generation().SamplesPerBlock()
		layout = fpga.Layout{Streams: brd.NumEnabledStreams()}
		raw    = make([]byte, nstep*layout.Size())
	)
	brd.SetMaxTimeStep(uint32(nstep))
	brd.SetContinuousRunMode(false)
	brd.Run()
	dev.waitIdle(ctx)
	brd.Read(raw)
	brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd3, dev.bank())
	brd.SetMaxTimeStep(0)

	var leds [8]bool
	leds[0] = true
	brd.SetLEDs(leds)
	if dev.cfg.board.HasLEDs() {
		brd.EnableBoardLEDs(dev.settings.LEDs)
	}

	dev.wiring = newOutputWiring(dev.settings)
	dev.wiring.dacDirty.Store(true)
	dev.wiring.apply(brd)

	dev.setSampleRate(dev.settings.SampleRate, false)
	dev.allocate()

	if err := brd.Err(); err != nil {
		return fmt.Errorf("daq: could not configure board: %w", err)
	}
	id, version := brd.Version()
	dev.msg.Printf("board %v (%v) initialized with %q (id=%d, version=%d)",
		dev.cfg.board, brd.Generation(), bitfile, id, version,
	)
	dev.state = Armed
	return nil
}

func (dev *Device) bank() int {
	if dev.settings.FastSettle {
		return rhd.BankFastSettle
	}
	return rhd.BankSteady
}

// configureRegisters updates the register image from the settings.
func (dev *Device) configureRegisters() {
	fs := rhd.RateAt(dev.settings.SampleRate).Hz
	if dev.brd != nil {
		fs = dev.brd.Rate().Hz
	}
	dev.regs.SetSampleRate(fs)
	dev.regs.EnableDsp(dev.settings.DSP)
	dev.bw.DSP = dev.regs.SetDspCutoffFreq(dev.settings.Bandwidth.DSP)
	dev.bw.Upper = dev.regs.SetUpperBandwidth(dev.settings.Bandwidth.Upper)
	dev.bw.Lower = dev.regs.SetLowerBandwidth(dev.settings.Bandwidth.Lower)
}

// uploadRegisters regenerates the command lists from the register image
// and uploads them to the board.
func (dev *Device) uploadRegisters() {
	dev.configureRegisters()
	if dev.brd == nil {
		return
	}
	brd := dev.brd

	cmds := dev.regs.DigOutCommands()
	brd.UploadCommandList(cmds, fpga.AuxCmd1, 0)
	brd.SelectAuxCommandLength(fpga.AuxCmd1, 0, len(cmds)-1)
	brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd1, 0)

	cmds = dev.regs.TempSensorCommands()
	brd.UploadCommandList(cmds, fpga.AuxCmd2, 0)
	brd.SelectAuxCommandLength(fpga.AuxCmd2, 0, len(cmds)-1)
	brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd2, 0)

	banks := dev.regs.Banks()
	for bank, cmds := range banks {
		brd.UploadCommandList(cmds, fpga.AuxCmd3, bank)
	}
	sel := dev.bank()
	brd.SelectAuxCommandLength(fpga.AuxCmd3, 0, len(banks[sel])-1)
	brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd3, sel)
}

func (dev *Device) applyCableLengths() {
	fs := dev.brd.Rate().Hz
	for port := 0; port < dev.brd.Generation().Ports(); port++ {
		delay := rhd.DelayFromLength(dev.settings.CableLengths[port], fs)
		dev.brd.SetCableDelay(port, delay)
	}
}

// setSampleRate programs the sample rate, then re-applies the cable
// lengths and the registers depending on it.
// A temporary rate leaves the configured one untouched.
func (dev *Device) setSampleRate(i int, temporary bool) {
	dev.brd.SetSampleRate(i)
	if !temporary {
		dev.settings.SampleRate = dev.brd.RateIndex()
	}
	dev.applyCableLengths()
	dev.uploadRegisters()
}

// allocate assigns the data streams and rebuilds the channel map.
func (dev *Device) allocate() []int {
	max := fpga.USB2.MaxStreams()
	if dev.brd != nil {
		max = dev.brd.Generation().MaxStreams()
	}
	streams, rejected := allocate(dev.hss[:], max)
	dev.streams = streams
	if dev.brd != nil {
		for i := 0; i < max; i++ {
			if i < len(streams) {
				dev.brd.SetDataSource(i, streams[i].Source)
			}
			dev.brd.EnableDataStream(i, i < len(streams))
		}
	}
	dev.chmap = newChannelMap(dev.hss[:], streams, dev.settings.Aux, dev.settings.ADC)
	if dev.cfg.sink != nil {
		dev.cfg.sink.Resize(len(dev.chmap))
	}
	return rejected
}

// Start launches the acquisition.
func (dev *Device) Start(ctx context.Context) error {
	if dev.brd == nil {
		return ErrDeviceNotFound
	}
	if dev.state == Running {
		return ErrRunning
	}
	if len(dev.chmap) == 0 {
		return ErrNoChannels
	}
	dev.meas.Stop()

	var (
		brd     = dev.brd
		nframes = brd.Rate().Blocks * brd.Generation().SamplesPerBlock()
		layout  = fpga.Layout{Streams: len(dev.streams)}
	)

	dev.daq.dec = newDecoder(dev.streams, dev.cfg.board, dev.settings.Aux, dev.settings.ADC, dev.settings.ADCRanges)
	if n := dev.daq.dec.nchans; n != len(dev.chmap) {
		return fmt.Errorf("daq: decoder and channel map disagree (%d != %d channels)", n, len(dev.chmap))
	}
	dev.daq.raw = make([]byte, nframes*layout.Size())
	dev.daq.framing = 0
	dev.daq.err = nil

	var leds [8]bool
	leds[0] = true
	leds[1] = true
	brd.SetLEDs(leds)
	brd.Flush()
	brd.SetContinuousRunMode(true)
	brd.Run()
	if err := brd.Err(); err != nil {
		return fmt.Errorf("daq: could not start acquisition: %w", err)
	}

	dev.daq.quit = make(chan struct{})
	dev.daq.done = make(chan struct{})
	dev.state = Running
	dev.msg.Printf("acquisition started: %d channel(s) at %v", len(dev.chmap), brd.Rate())

	go dev.loop(dev.daq.quit, dev.daq.done)
	return nil
}

func (dev *Device) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var (
		brd   = dev.brd
		gen   = brd.Generation()
		raw   = dev.daq.raw
		words = uint32(len(raw) / 2)
		blk   = &dev.daq.blk
	)

	for {
		select {
		case <-quit:
			return
		default:
		}

		if !gen.Continuous() && brd.NumWordsInFifo() < words {
			if err := brd.Err(); err != nil {
				dev.daq.err = fmt.Errorf("daq: could not poll FIFO: %w", err)
				dev.logErr(dev.daq.err)
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}

		brd.Read(raw)
		if err := brd.Err(); err != nil {
			dev.daq.err = fmt.Errorf("daq: could not read frames: %w", err)
			dev.logErr(dev.daq.err)
			return
		}

		if dev.cfg.raw != nil {
			_, err := dev.cfg.raw.Write(raw)
			if err != nil {
				dev.msg.Printf("could not record raw data: %+v", err)
			}
		}

		err := dev.daq.dec.decode(blk, raw)
		switch {
		case err != nil:
			dev.onFraming(err)
		default:
			dev.daq.framing = 0
		}

		if blk.Len() > 0 && dev.cfg.sink != nil {
			err = dev.cfg.sink.Write(blk)
			if err != nil {
				dev.msg.Printf("could not write block: %+v", err)
			}
		}
		dev.daq.frames.Add(int64(blk.Len()))

		dev.wiring.apply(brd)
		if err := brd.Err(); err != nil {
			dev.msg.Printf("could not update outputs: %+v", err)
		}
	}
}

func (dev *Device) onFraming(err error) {
	dev.daq.framing++
	dev.daq.invalid.Add(1)
	dev.msg.Printf("%+v", err)
	if dev.daq.framing == dev.cfg.alertFraming {
		body := fmt.Sprintf("%d consecutive blocks with framing errors: %+v", dev.daq.framing, err)
		go dev.alert("framing errors", body)
	}
}

// Done returns a channel closed when the acquisition loop terminates,
// either stopped or on a read error reported by Stop.
// It returns nil when the device is not acquiring.
func (dev *Device) Done() <-chan struct{} {
	if dev.state != Running {
		return nil
	}
	return dev.daq.done
}

// Stop stops the acquisition.
func (dev *Device) Stop() error {
	if dev.brd == nil || dev.state != Running {
		return nil
	}

	close(dev.daq.quit)
	select {
	case <-dev.daq.done:
	case <-time.After(stopTimeout):
		dev.msg.Printf("acquisition loop did not stop within %v", stopTimeout)
		// the board and the loop error are only touched once the loop
		// is gone. A pending read is bounded by the transport timeout.
		<-dev.daq.done
	}

	brd := dev.brd
	brd.SetContinuousRunMode(false)
	brd.SetMaxTimeStep(0)
	brd.Flush()

	if dev.cfg.sink != nil {
		dev.cfg.sink.Clear()
	}

	var leds [8]bool
	leds[0] = true
	brd.SetLEDs(leds)
	// output changes requested after the last block.
	dev.wiring.apply(brd)
	dev.state = Armed

	if err := brd.Err(); err != nil {
		return fmt.Errorf("daq: could not stop acquisition: %w", err)
	}
	dev.msg.Printf("acquisition stopped: %d frame(s)", dev.daq.frames.Load())
	return dev.daq.err
}

// Close stops the acquisition, switches the LEDs off, resets the board
// and releases the transport and the sinks.
func (dev *Device) Close() error {
	if dev.brd == nil {
		return nil
	}
	err := dev.Stop()
	dev.logErr(err)
	dev.meas.Stop()

	brd := dev.brd
	brd.SetLEDs([8]bool{})
	if dev.cfg.board.HasLEDs() {
		brd.EnableBoardLEDs(false)
	}
	brd.Reset()
	dev.logErr(brd.Err())

	var grp errgroup.Group
	grp.Go(brd.Close)
	for _, v := range []interface{}{dev.cfg.sink, dev.cfg.raw} {
		if c, ok := v.(io.Closer); ok {
			grp.Go(c.Close)
		}
	}
	dev.state = Idle
	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("daq: could not close device: %w", err)
	}
	return nil
}

// State returns the state of the engine.
func (dev *Device) State() State { return dev.state }

// Settings returns the current settings.
func (dev *Device) Settings() Settings { return dev.settings }

// Bandwidth returns the filter settings achieved by the chips.
func (dev *Device) Bandwidth() rhd.Bandwidth { return dev.bw }

// Generation returns the USB generation of the board.
func (dev *Device) Generation() fpga.Generation {
	if dev.brd == nil {
		return fpga.USB2
	}
	return dev.brd.Generation()
}

// LastScan returns the result of the last scan.
func (dev *Device) LastScan() ScanResult { return dev.scan }

// Headstages returns the state of all headstage positions.
func (dev *Device) Headstages() []Headstage {
	return append([]Headstage(nil), dev.hss[:]...)
}

// Streams returns the data streams in use.
func (dev *Device) Streams() []DataStream {
	return append([]DataStream(nil), dev.streams...)
}

// ChannelMap returns the logical channels produced by the acquisition.
func (dev *Device) ChannelMap() ChannelMap {
	return append(ChannelMap(nil), dev.chmap...)
}

// NumChannels returns the number of logical channels.
func (dev *Device) NumChannels() int { return len(dev.chmap) }

// Stats returns the number of frames acquired and of blocks with framing
// errors since the device was created.
func (dev *Device) Stats() (frames, framing int64) {
	return dev.daq.frames.Load(), dev.daq.invalid.Load()
}

// SetSampleRate selects the rate with index i of the rate table and
// returns the programmed rate.
func (dev *Device) SetSampleRate(i int) (float64, error) {
	if i < 0 || i >= rhd.NumRates() {
		i = rhd.DefaultRate
	}
	ok, err := dev.guard()
	if !ok {
		if err == nil {
			dev.settings.SampleRate = i
			dev.configureRegisters()
		}
		return rhd.RateAt(dev.settings.SampleRate).Hz, err
	}
	dev.setSampleRate(i, false)
	if err := dev.brd.Err(); err != nil {
		return 0, fmt.Errorf("daq: could not set sample rate: %w", err)
	}
	return dev.brd.Rate().Hz, nil
}

func (dev *Device) updateRegisters() error {
	ok, err := dev.guard()
	if !ok {
		if err == nil {
			dev.configureRegisters()
		}
		return err
	}
	dev.uploadRegisters()
	if err := dev.brd.Err(); err != nil {
		return fmt.Errorf("daq: could not update registers: %w", err)
	}
	return nil
}

// SetUpperBandwidth sets the upper cutoff of the amplifiers and returns
// the achieved value.
func (dev *Device) SetUpperBandwidth(f float64) (float64, error) {
	if dev.state == Running {
		return dev.bw.Upper, ErrRunning
	}
	dev.settings.Bandwidth.Upper = f
	err := dev.updateRegisters()
	return dev.bw.Upper, err
}

// SetLowerBandwidth sets the lower cutoff of the amplifiers and returns
// the achieved value.
func (dev *Device) SetLowerBandwidth(f float64) (float64, error) {
	if dev.state == Running {
		return dev.bw.Lower, ErrRunning
	}
	dev.settings.Bandwidth.Lower = f
	err := dev.updateRegisters()
	return dev.bw.Lower, err
}

// SetDspCutoffFreq sets the cutoff of the DSP offset removal and returns
// the achieved value.
func (dev *Device) SetDspCutoffFreq(f float64) (float64, error) {
	if dev.state == Running {
		return dev.bw.DSP, ErrRunning
	}
	dev.settings.Bandwidth.DSP = f
	err := dev.updateRegisters()
	return dev.bw.DSP, err
}

// EnableDsp toggles the DSP offset removal.
func (dev *Device) EnableDsp(v bool) error {
	if dev.state == Running {
		return ErrRunning
	}
	dev.settings.DSP = v
	return dev.updateRegisters()
}

// SetFastSettle toggles amplifier fast settle.
func (dev *Device) SetFastSettle(v bool) error {
	if dev.state == Running {
		return ErrRunning
	}
	dev.settings.FastSettle = v
	ok, err := dev.guard()
	if !ok {
		return err
	}
	dev.brd.SelectAuxCommandBankAllPorts(fpga.AuxCmd3, dev.bank())
	return dev.brd.Err()
}

// EnableHeadstage enables or disables the headstage at position pos.
func (dev *Device) EnableHeadstage(pos int, v bool) error {
	if pos < 0 || pos >= NumPositions {
		return fmt.Errorf("daq: invalid headstage position %d", pos)
	}
	if dev.state == Running {
		return ErrRunning
	}
	dev.meas.Stop()

	hs := &dev.hss[pos]
	hs.Enabled = v && hs.Chip.Valid()
	rejected := dev.allocate()
	for _, p := range rejected {
		dev.hss[p].Enabled = false
	}
	if len(rejected) > 0 {
		dev.allocate()
	}
	if dev.brd != nil {
		if err := dev.brd.Err(); err != nil {
			return fmt.Errorf("daq: could not update data streams: %w", err)
		}
	}
	for _, p := range rejected {
		if p == pos {
			return fmt.Errorf("daq: could not enable headstage %s: %w", hs.Name(), ErrCapacity)
		}
	}
	return nil
}

// SetNumChannels sets the number of channels acquired from the RHD2132
// headstage at position pos (16 or 32).
func (dev *Device) SetNumChannels(pos, n int) error {
	if pos < 0 || pos >= NumPositions {
		return fmt.Errorf("daq: invalid headstage position %d", pos)
	}
	if dev.state == Running {
		return ErrRunning
	}
	hs := &dev.hss[pos]
	if hs.Chip != rhd.RHD2132 {
		return fmt.Errorf("daq: headstage %s (%v) has a fixed channel count", hs.Name(), hs.Chip)
	}
	switch n {
	case 16:
		hs.half = true
	case 32:
		hs.half = false
	default:
		return fmt.Errorf("daq: invalid channel count %d for headstage %s", n, hs.Name())
	}
	dev.allocate()
	if dev.brd != nil {
		return dev.brd.Err()
	}
	return nil
}

// EnableAux toggles the acquisition of the headstage aux inputs.
func (dev *Device) EnableAux(v bool) error {
	if dev.state == Running {
		return ErrRunning
	}
	dev.settings.Aux = v
	dev.chmap = newChannelMap(dev.hss[:], dev.streams, dev.settings.Aux, dev.settings.ADC)
	if dev.cfg.sink != nil {
		dev.cfg.sink.Resize(len(dev.chmap))
	}
	return nil
}

// EnableADC toggles the acquisition of the board ADCs.
func (dev *Device) EnableADC(v bool) error {
	if dev.state == Running {
		return ErrRunning
	}
	dev.settings.ADC = v
	dev.chmap = newChannelMap(dev.hss[:], dev.streams, dev.settings.Aux, dev.settings.ADC)
	if dev.cfg.sink != nil {
		dev.cfg.sink.Resize(len(dev.chmap))
	}
	return nil
}

// SetADCRange sets the input range of the board ADC i
// (0: ±5V, 1: 0-10V).
func (dev *Device) SetADCRange(i, r int) error {
	if i < 0 || i >= fpga.NumADCs {
		return fmt.Errorf("daq: invalid ADC %d", i)
	}
	if r != 0 && r != 1 {
		return fmt.Errorf("daq: invalid ADC range %d", r)
	}
	if dev.state == Running {
		return ErrRunning
	}
	dev.settings.ADCRanges[i] = r
	return nil
}

// SetCableLength sets the length (m) of the headstage cable of port.
func (dev *Device) SetCableLength(port int, meters float64) error {
	if port < 0 || port >= len(dev.settings.CableLengths) {
		return fmt.Errorf("daq: invalid port %d", port)
	}
	dev.settings.CableLengths[port] = meters
	ok, err := dev.guard()
	if !ok {
		return err
	}
	dev.applyCableLengths()
	return dev.brd.Err()
}

// SetCableLengthFeet sets the length (ft) of the headstage cable of port.
func (dev *Device) SetCableLengthFeet(port int, feet float64) error {
	return dev.SetCableLength(port, rhd.FeetToMeters(feet))
}

// EnableLEDs switches the status LEDs of the board on or off.
func (dev *Device) EnableLEDs(v bool) error {
	dev.settings.LEDs = v
	if !dev.cfg.board.HasLEDs() {
		return nil
	}
	ok, err := dev.guard()
	if !ok {
		return err
	}
	dev.brd.EnableBoardLEDs(v)
	return dev.brd.Err()
}
