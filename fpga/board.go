// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/go-lpc/rhythm/rhd"
)

// AuxSlot identifies one of the three auxiliary command slots.
type AuxSlot int

const (
	AuxCmd1 AuxSlot = iota
	AuxCmd2
	AuxCmd3
)

// Board implements the Rhythm register protocol.
//
// Register operations do not return errors: the first error is recorded
// and every following operation is a no-op until Err is called.
type Board struct {
	t   Transport
	gen Generation
	msg *log.Logger
	err error

	rate    int // sample-rate index
	sources [16]int
	enabled uint32

	maxPoll int // bound on status polls
}

// NewBoard returns a board driving the provided transport.
func NewBoard(t Transport, msg *log.Logger) *Board {
	return &Board{
		t:       t,
		gen:     t.Generation(),
		msg:     msg,
		rate:    rhd.DefaultRate,
		maxPoll: 10000,
	}
}

// Err returns the first error encountered since the last call to Err.
func (brd *Board) Err() error {
	err := brd.err
	brd.err = nil
	return err
}

// Generation returns the USB generation of the board.
func (brd *Board) Generation() Generation { return brd.gen }

// Transport returns the underlying transport.
func (brd *Board) Transport() Transport { return brd.t }

func (brd *Board) setWireIn(ep Endpoint, v, mask uint32) {
	if brd.err != nil {
		return
	}
	brd.t.SetWireInValue(ep, v, mask)
}

func (brd *Board) updateWireIns() {
	if brd.err != nil {
		return
	}
	err := brd.t.UpdateWireIns()
	if err != nil {
		brd.err = fmt.Errorf("fpga: could not update wire-ins: %w", err)
	}
}

func (brd *Board) trigger(ep Endpoint, bit int) {
	if brd.err != nil {
		return
	}
	err := brd.t.ActivateTriggerIn(ep, bit)
	if err != nil {
		brd.err = fmt.Errorf("fpga: could not activate trigger 0x%x/%d: %w", ep, bit, err)
	}
}

func (brd *Board) wireOut(ep Endpoint) uint32 {
	if brd.err != nil {
		return 0
	}
	err := brd.t.UpdateWireOuts()
	if err != nil {
		brd.err = fmt.Errorf("fpga: could not update wire-outs: %w", err)
		return 0
	}
	return brd.t.WireOutValue(ep)
}

// Upload configures the FPGA with the bitfile and resets the board.
func (brd *Board) Upload(bitfile string) {
	if brd.err != nil {
		return
	}
	err := brd.t.ConfigureFPGA(bitfile)
	if err != nil {
		brd.err = fmt.Errorf("fpga: could not upload %q: %w", bitfile, err)
		return
	}
	brd.Reset()
}

// Reset resets the firmware to its power-on state.
func (brd *Board) Reset() {
	brd.setWireIn(WireInResetRun, resetBit, resetBit)
	brd.updateWireIns()
	brd.setWireIn(WireInResetRun, 0, resetBit)
	brd.updateWireIns()
	if brd.gen == USB3 {
		brd.setWireIn(WireInResetRun, 0, flushBit)
		brd.updateWireIns()
	}
}

// Initialize puts the board in its default configuration: 30 kHz sample
// rate, all streams disabled, default data sources and no DAC output.
func (brd *Board) Initialize() {
	brd.Reset()
	brd.SetSampleRate(rhd.CalibrationRate)
	for _, slot := range []AuxSlot{AuxCmd1, AuxCmd2, AuxCmd3} {
		brd.SelectAuxCommandBankAllPorts(slot, 0)
		brd.SelectAuxCommandLength(slot, 0, 0)
	}
	brd.SetContinuousRunMode(true)
	brd.SetMaxTimeStep(math.MaxUint32)
	for port := 0; port < brd.gen.Ports(); port++ {
		brd.SetCableDelay(port, 0)
	}
	brd.SetDspSettle(false)
	for i := 0; i < brd.gen.MaxStreams(); i++ {
		brd.SetDataSource(i, i%(2*brd.gen.Ports()))
		brd.EnableDataStream(i, i == 0)
	}
	brd.ClearTTLOut()
	for dac := 0; dac < 8; dac++ {
		brd.EnableDac(dac, false)
		brd.SelectDacDataStream(dac, 0)
		brd.SelectDacDataChannel(dac, 0)
	}
	brd.SetDacManual(32768)
	brd.SetDacGain(0)
	brd.SetAudioNoiseSuppress(0)
	brd.SetTTLMode(false)
	for dac := 0; dac < 8; dac++ {
		brd.SetDacThreshold(dac, 32768, true)
	}
	brd.EnableExternalFastSettle(false)
	brd.SetExternalFastSettleChannel(0)
}

// SetSampleRate programs the data clock for the rate with index i and
// waits for the clock to lock.
func (brd *Board) SetSampleRate(i int) {
	if brd.err != nil {
		return
	}
	if i < 0 || i >= rhd.NumRates() {
		i = rhd.DefaultRate
	}
	rate := rhd.RateAt(i)

	brd.waitFor(func(v uint32) bool { return v&dcmDoneBit != 0 })

	brd.setWireIn(WireInDataFreqPll, rate.PLL(), math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInDcmProg, 0)

	brd.waitFor(func(v uint32) bool { return v&clockLockedBit != 0 })
	if brd.err != nil {
		return
	}
	brd.rate = i
}

func (brd *Board) waitFor(ok func(v uint32) bool) {
	for i := 0; i < brd.maxPoll; i++ {
		v := brd.wireOut(WireOutDataClkLocked)
		if brd.err != nil {
			return
		}
		if ok(v) {
			return
		}
	}
	brd.err = fmt.Errorf("fpga: data clock did not lock: %w", ErrTimeout)
}

// RateIndex returns the index of the current sample rate.
func (brd *Board) RateIndex() int { return brd.rate }

// Rate returns the current sample rate.
func (brd *Board) Rate() rhd.Rate { return rhd.RateAt(brd.rate) }

// UploadCommandList writes the command list into the bank of the
// auxiliary command slot.
func (brd *Board) UploadCommandList(cmds []rhd.Command, slot AuxSlot, bank int) {
	if brd.err != nil {
		return
	}
	if bank < 0 || bank > rhd.MaxBank {
		brd.err = fmt.Errorf("fpga: invalid command bank %d", bank)
		return
	}
	for i, cmd := range cmds {
		brd.setWireIn(WireInCmdRamData, uint32(cmd), math.MaxUint32)
		brd.setWireIn(WireInCmdRamAddr, uint32(i), math.MaxUint32)
		brd.setWireIn(WireInCmdRamBank, uint32(bank), math.MaxUint32)
		brd.updateWireIns()
		brd.trigger(TrigInRamWrite, int(slot))
	}
}

// SelectAuxCommandBank selects the bank replayed on the slot of port.
func (brd *Board) SelectAuxCommandBank(port int, slot AuxSlot, bank int) {
	if brd.err != nil {
		return
	}
	if bank < 0 || bank > rhd.MaxBank {
		brd.err = fmt.Errorf("fpga: invalid command bank %d", bank)
		return
	}
	shift := uint(4 * port)
	brd.setWireIn(WireInAuxCmdBank1+Endpoint(slot), uint32(bank)<<shift, 0xf<<shift)
	brd.updateWireIns()
}

// SelectAuxCommandBankAllPorts selects the bank replayed on the slot of
// every port.
func (brd *Board) SelectAuxCommandBankAllPorts(slot AuxSlot, bank int) {
	for port := 0; port < brd.gen.Ports(); port++ {
		brd.SelectAuxCommandBank(port, slot, bank)
	}
}

// SelectAuxCommandLength sets the loop and end indices of the command
// list replayed on the slot.
func (brd *Board) SelectAuxCommandLength(slot AuxSlot, loop, end int) {
	if brd.err != nil {
		return
	}
	if loop < 0 || loop > 1023 || end < 0 || end > 1023 {
		brd.err = fmt.Errorf("fpga: invalid command length (loop=%d, end=%d)", loop, end)
		return
	}
	switch brd.gen {
	case USB3:
		shift := uint(10 * slot)
		brd.setWireIn(WireInAuxCmdLoop, uint32(loop)<<shift, 0x3ff<<shift)
		brd.setWireIn(WireInAuxCmdLength, uint32(end)<<shift, 0x3ff<<shift)
	default:
		brd.setWireIn(WireInAuxCmdLoop1+Endpoint(slot), uint32(loop), 0x3ff)
		brd.setWireIn(WireInAuxCmdLength1+Endpoint(slot), uint32(end), 0x3ff)
	}
	brd.updateWireIns()
}

// SetContinuousRunMode toggles continuous acquisition.
func (brd *Board) SetContinuousRunMode(v bool) {
	var bit uint32
	if v {
		bit = continuousBit
	}
	brd.setWireIn(WireInResetRun, bit, continuousBit)
	brd.updateWireIns()
}

// SetMaxTimeStep sets the number of frames acquired by a non-continuous run.
func (brd *Board) SetMaxTimeStep(n uint32) {
	switch brd.gen {
	case USB3:
		brd.setWireIn(WireInMaxTimeStep, n, math.MaxUint32)
	default:
		brd.setWireIn(WireInMaxTimeStepLsb, n&0xffff, 0xffff)
		brd.setWireIn(WireInMaxTimeStepMsb, n>>16, 0xffff)
	}
	brd.updateWireIns()
}

// Run starts the SPI sequencer.
func (brd *Board) Run() {
	brd.trigger(TrigInSpiStart, 0)
}

// IsRunning returns whether the SPI sequencer is running.
func (brd *Board) IsRunning() bool {
	return brd.wireOut(WireOutSpiRunning)&0x1 != 0
}

// NumWordsInFifo returns the number of 16-bit words waiting in the FIFO.
func (brd *Board) NumWordsInFifo() uint32 {
	switch brd.gen {
	case USB3:
		return brd.wireOut(WireOutNumWords)
	default:
		lsb := brd.wireOut(WireOutNumWordsLsb)
		msb := brd.t.WireOutValue(WireOutNumWordsMsb)
		return msb<<16 | lsb&0xffff
	}
}

// Flush discards the content of the FIFO.
func (brd *Board) Flush() {
	if brd.err != nil {
		return
	}
	switch brd.gen {
	case USB3:
		brd.setWireIn(WireInResetRun, flushBit, flushBit)
		brd.updateWireIns()
		for i := 0; i < brd.maxPoll; i++ {
			if brd.NumWordsInFifo() == 0 {
				break
			}
		}
		brd.setWireIn(WireInResetRun, 0, flushBit)
		brd.updateWireIns()
	default:
		buf := make([]byte, 2*1024*16)
		for i := 0; i < brd.maxPoll; i++ {
			n := 2 * int(brd.NumWordsInFifo())
			if n == 0 || brd.err != nil {
				return
			}
			if n > len(buf) {
				n = len(buf)
			}
			brd.Read(buf[:n])
		}
	}
}

// Read reads len(p) bytes of frames from the data pipe.
func (brd *Board) Read(p []byte) {
	if brd.err != nil {
		return
	}
	n, err := brd.t.ReadFromPipeOut(PipeOutData, p)
	if err != nil {
		brd.err = fmt.Errorf("fpga: could not read data pipe: %w", err)
		return
	}
	if n != len(p) {
		brd.err = fmt.Errorf("fpga: short read from data pipe (got=%d, want=%d)", n, len(p))
	}
}

// SetCableDelay sets the MISO sampling delay of port.
func (brd *Board) SetCableDelay(port, delay int) {
	if brd.err != nil {
		return
	}
	if port < 0 || port >= brd.gen.Ports() {
		brd.err = fmt.Errorf("fpga: invalid port %d", port)
		return
	}
	switch {
	case delay < 0:
		delay = 0
	case delay > rhd.MaxDelay:
		delay = rhd.MaxDelay
	}
	shift := uint(4 * port)
	brd.setWireIn(WireInMisoDelay, uint32(delay)<<shift, 0xf<<shift)
	brd.updateWireIns()
}

// SetDspSettle toggles the amplifier settle function.
func (brd *Board) SetDspSettle(v bool) {
	var bit uint32
	if v {
		bit = dspSettleBit
	}
	brd.setWireIn(WireInResetRun, bit, dspSettleBit)
	brd.updateWireIns()
}

// SetDataSource selects the MISO source feeding stream.
func (brd *Board) SetDataSource(stream, source int) {
	if brd.err != nil {
		return
	}
	if stream < 0 || stream >= brd.gen.MaxStreams() {
		brd.err = fmt.Errorf("fpga: invalid data stream %d", stream)
		return
	}
	if source < 0 || source > 15 {
		brd.err = fmt.Errorf("fpga: invalid data source %d", source)
		return
	}
	ep := []Endpoint{
		WireInDataStreamSel1, WireInDataStreamSel2,
		WireInDataStreamSel3, WireInDataStreamSel4,
	}[stream/4]
	shift := uint(4 * (stream % 4))
	brd.setWireIn(ep, uint32(source)<<shift, 0xf<<shift)
	brd.updateWireIns()
	brd.sources[stream] = source
}

// DataSource returns the MISO source feeding stream.
func (brd *Board) DataSource(stream int) int { return brd.sources[stream] }

// EnableDataStream enables or disables stream.
func (brd *Board) EnableDataStream(stream int, v bool) {
	if brd.err != nil {
		return
	}
	if stream < 0 || stream >= brd.gen.MaxStreams() {
		brd.err = fmt.Errorf("fpga: invalid data stream %d", stream)
		return
	}
	bit := uint32(1) << uint(stream)
	if v {
		brd.enabled |= bit
	} else {
		brd.enabled &^= bit
	}
	brd.setWireIn(WireInDataStreamEn, brd.enabled, 0xffff)
	brd.updateWireIns()
}

// NumEnabledStreams returns the number of enabled data streams.
func (brd *Board) NumEnabledStreams() int {
	n := 0
	for i := 0; i < brd.gen.MaxStreams(); i++ {
		if brd.enabled&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// SetLEDs sets the 8 board LEDs.
func (brd *Board) SetLEDs(leds [8]bool) {
	var v uint32
	for i, on := range leds {
		if on {
			v |= 1 << uint(i)
		}
	}
	brd.setWireIn(WireInLedDisplay, v, 0xff)
	brd.updateWireIns()
}

// EnableBoardLEDs switches the status LEDs of the board on or off.
func (brd *Board) EnableBoardLEDs(v bool) {
	var u uint32
	if v {
		u = 1
	}
	brd.setWireIn(WireInMultiUse, u, math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInOpenEphys, ledEnableBit)
}

// SetClockDivider sets the divider of the sync clock output.
func (brd *Board) SetClockDivider(factor int) {
	brd.setWireIn(WireInMultiUse, uint32(factor), math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInOpenEphys, clkDivideBit)
}

// SetTTLOut sets the 16 digital outputs.
func (brd *Board) SetTTLOut(ttl [16]bool) {
	var v uint32
	for i, on := range ttl {
		if on {
			v |= 1 << uint(i)
		}
	}
	brd.setWireIn(WireInTtlOut, v, 0xffff)
	brd.updateWireIns()
}

// ClearTTLOut drives all digital outputs low.
func (brd *Board) ClearTTLOut() {
	brd.SetTTLOut([16]bool{})
}

// TTLIn returns the state of the 16 digital inputs.
func (brd *Board) TTLIn() uint16 {
	return uint16(brd.wireOut(WireOutTtlIn))
}

// SetTTLMode selects whether the digital outputs 0-7 follow the DAC
// threshold comparators.
func (brd *Board) SetTTLMode(v bool) {
	var bit uint32
	if v {
		bit = ttlModeBit
	}
	brd.setWireIn(WireInResetRun, bit, ttlModeBit)
	brd.updateWireIns()
}

func (brd *Board) dacMasks() (enable, stream uint32) {
	if brd.gen == USB3 {
		return 0x0800, 0x07e0
	}
	return 0x0200, 0x01e0
}

func (brd *Board) checkDac(dac int) bool {
	if brd.err != nil {
		return false
	}
	if dac < 0 || dac > 7 {
		brd.err = fmt.Errorf("fpga: invalid DAC %d", dac)
		return false
	}
	return true
}

// EnableDac enables the analog output dac.
func (brd *Board) EnableDac(dac int, v bool) {
	if !brd.checkDac(dac) {
		return
	}
	enable, _ := brd.dacMasks()
	var u uint32
	if v {
		u = enable
	}
	brd.setWireIn(WireInDacSource1+Endpoint(dac), u, enable)
	brd.updateWireIns()
}

// SelectDacDataStream selects the stream routed to dac.
func (brd *Board) SelectDacDataStream(dac, stream int) {
	if !brd.checkDac(dac) {
		return
	}
	_, mask := brd.dacMasks()
	brd.setWireIn(WireInDacSource1+Endpoint(dac), uint32(stream)<<5, mask)
	brd.updateWireIns()
}

// SelectDacDataChannel selects the channel routed to dac.
func (brd *Board) SelectDacDataChannel(dac, ch int) {
	if !brd.checkDac(dac) {
		return
	}
	brd.setWireIn(WireInDacSource1+Endpoint(dac), uint32(ch), 0x001f)
	brd.updateWireIns()
}

// SetDacManual sets the value of the manual DAC source.
func (brd *Board) SetDacManual(v int) {
	brd.setWireIn(WireInDacManual, uint32(v), 0xffff)
	brd.updateWireIns()
}

// SetDacGain sets the gain of the analog outputs (0-7).
func (brd *Board) SetDacGain(gain int) {
	brd.setWireIn(WireInResetRun, uint32(gain)<<dacGainShift, dacGainMask)
	brd.updateWireIns()
}

// SetAudioNoiseSuppress sets the noise slicer level (0-127).
func (brd *Board) SetAudioNoiseSuppress(v int) {
	switch {
	case v < 0:
		v = 0
	case v > 127:
		v = 127
	}
	brd.setWireIn(WireInResetRun, uint32(v)<<noiseShift, noiseMask)
	brd.updateWireIns()
}

// SetDacThreshold programs the threshold comparator of dac.
func (brd *Board) SetDacThreshold(dac int, threshold uint16, positive bool) {
	if !brd.checkDac(dac) {
		return
	}
	brd.setWireIn(WireInMultiUse, uint32(threshold), math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInDacThresh, dac)

	var pol uint32
	if positive {
		pol = 1
	}
	brd.setWireIn(WireInMultiUse, pol, math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInDacThresh, dac+8)
}

// HighpassCoeff returns the coefficient of the DAC high-pass filter with
// cutoff fc at the sample rate fs.
func HighpassCoeff(fc, fs float64) uint32 {
	b := 1 - math.Exp(-2*math.Pi*fc/fs)
	v := math.Floor(65536*b + 0.5)
	switch {
	case v < 1:
		v = 1
	case v > 65535:
		v = 65535
	}
	return uint32(v)
}

// EnableDacHighpassFilter toggles the high-pass filter of the DAC outputs.
func (brd *Board) EnableDacHighpassFilter(v bool) {
	var u uint32
	if v {
		u = 1
	}
	brd.setWireIn(WireInMultiUse, u, math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInDacHpf, 0)
}

// SetDacHighpassFilter sets the cutoff frequency of the DAC high-pass
// filter.
func (brd *Board) SetDacHighpassFilter(cutoff float64) {
	brd.setWireIn(WireInMultiUse, HighpassCoeff(cutoff, brd.Rate().Hz), math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInDacHpf, 1)
}

// EnableExternalFastSettle toggles amplifier settle driven by a digital input.
func (brd *Board) EnableExternalFastSettle(v bool) {
	var u uint32
	if v {
		u = 1
	}
	brd.setWireIn(WireInMultiUse, u, math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInExtFastSettle, 0)
}

// SetExternalFastSettleChannel selects the digital input driving settle.
func (brd *Board) SetExternalFastSettleChannel(ch int) {
	if brd.err != nil {
		return
	}
	if ch < 0 || ch > 15 {
		brd.err = fmt.Errorf("fpga: invalid fast-settle channel %d", ch)
		return
	}
	brd.setWireIn(WireInMultiUse, uint32(ch), math.MaxUint32)
	brd.updateWireIns()
	brd.trigger(TrigInExtFastSettle, 1)
}

// BoardMode returns the board mode reported by the firmware.
func (brd *Board) BoardMode() int {
	return int(brd.wireOut(WireOutBoardMode))
}

// Version returns the firmware identifier and version.
func (brd *Board) Version() (id, version int) {
	id = int(brd.wireOut(WireOutBoardID))
	version = int(brd.t.WireOutValue(WireOutBoardVersion))
	return id, version
}

// WaitIdle waits until the SPI sequencer stops or the timeout expires.
func (brd *Board) WaitIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for brd.IsRunning() {
		if brd.err != nil {
			return
		}
		if time.Now().After(deadline) {
			brd.err = fmt.Errorf("fpga: SPI sequencer still running: %w", ErrTimeout)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Close releases the transport.
func (brd *Board) Close() error {
	return brd.t.Close()
}
