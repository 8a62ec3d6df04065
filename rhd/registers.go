// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhd

import (
	"math"
)

// NumCommands is the length of every auxiliary command list.
const NumCommands = 60

// Banks of the AuxCmd3 slot.
const (
	BankCalibrate  = 0
	BankSteady     = 1
	BankFastSettle = 2

	MaxBank = 15
)

// Upper limits accepted by the bandwidth setters.
const (
	MaxUpperBandwidth = 30000.0
	MaxLowerBandwidth = 1500.0
)

// Bandwidth holds the amplifier filter settings of a chip.
type Bandwidth struct {
	Lower float64 `yaml:"lower"` // lower cutoff (Hz)
	Upper float64 `yaml:"upper"` // upper cutoff (Hz)
	DSP   float64 `yaml:"dsp"`   // DSP offset-removal cutoff (Hz)
}

// Registers is the in-memory image of the RAM registers of an RHD2000 chip.
// All chips connected to a board share the same register values.
type Registers struct {
	fs float64 // sample rate (Hz)

	// register 0
	adcRefBw      uint8
	ampFastSettle uint8
	ampVrefEn     uint8
	adcCompBias   uint8
	adcCompSel    uint8

	// registers 1-2
	vddSenseEn    uint8
	adcBufferBias uint8
	muxBias       uint8

	// register 3
	muxLoad   uint8
	tempS1    uint8
	tempS2    uint8
	tempEn    uint8
	digOutHiZ uint8
	digOut    uint8

	// register 4
	weakMiso  uint8
	twosComp  uint8
	absMode   uint8
	dspEn     uint8
	dspCutoff uint8

	// registers 5-7
	zcheckDacPower uint8
	zcheckLoad     uint8
	zcheckScale    uint8
	zcheckConnAll  uint8
	zcheckSelPol   uint8
	zcheckEn       uint8
	zcheckDac      uint8
	zcheckSelect   uint8

	// registers 8-13
	offChipRH1 uint8
	offChipRH2 uint8
	offChipRL  uint8
	adcAux1En  uint8
	adcAux2En  uint8
	adcAux3En  uint8
	rH1Dac1    uint8
	rH1Dac2    uint8
	rH2Dac1    uint8
	rH2Dac2    uint8
	rLDac1     uint8
	rLDac2     uint8
	rLDac3     uint8

	// registers 14-21
	ampPwr [64]bool
}

// NewRegisters returns the power-on register image for a board sampling at
// fs Hz.
func NewRegisters(fs float64) *Registers {
	r := &Registers{
		adcRefBw:    3,
		ampVrefEn:   1,
		adcCompBias: 3,
		adcCompSel:  2,
		vddSenseEn:  1,
		digOutHiZ:   1,
		weakMiso:    1,

		zcheckDacPower: 1,

		adcAux1En: 1,
		adcAux2En: 1,
		adcAux3En: 1,
	}
	r.SetSampleRate(fs)
	r.EnableDsp(true)
	r.SetDspCutoffFreq(1.0)
	r.SetUpperBandwidth(10000.0)
	r.SetLowerBandwidth(1.0)
	r.PowerUpAllAmps()
	return r
}

// SampleRate returns the sample rate the register image was built for.
func (r *Registers) SampleRate() float64 { return r.fs }

// SetSampleRate updates the ADC buffer and multiplexer biases for the
// sample rate fs.
func (r *Registers) SetSampleRate(fs float64) {
	r.fs = fs
	r.muxLoad = 0
	switch {
	case fs < 3334:
		r.muxBias, r.adcBufferBias = 40, 32
	case fs < 4001:
		r.muxBias, r.adcBufferBias = 40, 16
	case fs < 5001:
		r.muxBias, r.adcBufferBias = 40, 8
	case fs < 6251:
		r.muxBias, r.adcBufferBias = 32, 8
	case fs < 8001:
		r.muxBias, r.adcBufferBias = 26, 8
	case fs < 10001:
		r.muxBias, r.adcBufferBias = 18, 4
	case fs < 12501:
		r.muxBias, r.adcBufferBias = 16, 3
	case fs < 15001:
		r.muxBias, r.adcBufferBias = 7, 3
	default:
		r.muxBias, r.adcBufferBias = 4, 2
	}
}

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// SetFastSettle enables amplifier fast settle.
func (r *Registers) SetFastSettle(v bool) { r.ampFastSettle = b2u(v) }

// SetDigOut drives the auxiliary digital output.
func (r *Registers) SetDigOut(v bool) {
	r.digOut = b2u(v)
	r.digOutHiZ = 0
}

// SetDigOutHiZ sets the auxiliary digital output in high impedance.
func (r *Registers) SetDigOutHiZ() {
	r.digOut = 0
	r.digOutHiZ = 1
}

// EnableDsp enables the DSP offset-removal filter.
func (r *Registers) EnableDsp(v bool) { r.dspEn = b2u(v) }

// DspEnabled returns whether DSP offset removal is enabled.
func (r *Registers) DspEnabled() bool { return r.dspEn == 1 }

// EnableAux enables the auxiliary ADC inputs.
func (r *Registers) EnableAux(v bool) {
	r.adcAux1En = b2u(v)
	r.adcAux2En = b2u(v)
	r.adcAux3En = b2u(v)
}

func (r *Registers) dspCutoffs() [16]float64 {
	var fc [16]float64
	for n := 1; n < 16; n++ {
		x := math.Pow(2, float64(n))
		fc[n] = r.fs * math.Log(x/(x-1)) / (2 * math.Pi)
	}
	return fc
}

// SetDspCutoffFreq selects the representable DSP cutoff frequency nearest
// to f on a logarithmic scale and returns it.
func (r *Registers) SetDspCutoffFreq(f float64) float64 {
	fc := r.dspCutoffs()
	switch {
	case f > fc[1]:
		r.dspCutoff = 1
	case f < fc[15]:
		r.dspCutoff = 15
	default:
		var (
			best = math.Inf(+1)
			lf   = math.Log10(f)
		)
		for n := 1; n < 16; n++ {
			d := math.Abs(lf - math.Log10(fc[n]))
			if d < best {
				best = d
				r.dspCutoff = uint8(n)
			}
		}
	}
	return fc[r.dspCutoff]
}

// DspCutoffFreq returns the DSP cutoff frequency currently programmed.
func (r *Registers) DspCutoffFreq() float64 {
	x := math.Pow(2, float64(r.dspCutoff))
	return r.fs * math.Log(x/(x-1)) / (2 * math.Pi)
}

// SetUpperBandwidth programs the on-chip RH1 and RH2 resistor DACs for an
// upper cutoff of f Hz and returns the achieved cutoff.
func (r *Registers) SetUpperBandwidth(f float64) float64 {
	const (
		rh1Base     = 2200.0
		rh1Dac1Unit = 600.0
		rh1Dac2Unit = 29400.0
		rh1Dac1Step = 63
		rh1Dac2Step = 31

		rh2Base     = 8700.0
		rh2Dac1Unit = 763.0
		rh2Dac2Unit = 38400.0
		rh2Dac1Step = 63
		rh2Dac2Step = 31
	)

	if f > MaxUpperBandwidth {
		f = MaxUpperBandwidth
	}

	rh1, d1, d2 := quantize(rh1Target(f), rh1Base, rh1Dac1Unit, rh1Dac2Unit, rh1Dac1Step, rh1Dac2Step)
	r.rH1Dac1, r.rH1Dac2 = d1, d2

	rh2, d1, d2 := quantize(rh2Target(f), rh2Base, rh2Dac1Unit, rh2Dac2Unit, rh2Dac1Step, rh2Dac2Step)
	r.rH2Dac1, r.rH2Dac2 = d1, d2

	return math.Sqrt(upperFromRH1(rh1) * upperFromRH2(rh2))
}

// SetLowerBandwidth programs the on-chip RL resistor DACs for a lower
// cutoff of f Hz and returns the achieved cutoff.
func (r *Registers) SetLowerBandwidth(f float64) float64 {
	const (
		rlBase     = 3500.0
		rlDac1Unit = 175.0
		rlDac2Unit = 12700.0
		rlDac3Unit = 3000000.0
		rlDac1Step = 127
		rlDac2Step = 63
	)

	if f > MaxLowerBandwidth {
		f = MaxLowerBandwidth
	}

	base := rlBase
	r.rLDac3 = 0
	if f < 0.15 {
		base += rlDac3Unit
		r.rLDac3 = 1
	}

	rl, d1, d2 := quantize(rlTarget(f), base, rlDac1Unit, rlDac2Unit, rlDac1Step, rlDac2Step)
	r.rLDac1, r.rLDac2 = d1, d2

	return lowerFromRL(rl)
}

// quantize approximates target with base + n2*unit2 + n1*unit1, filling the
// coarse DAC first.
func quantize(target, base, unit1, unit2 float64, steps1, steps2 int) (actual float64, n1, n2 uint8) {
	actual = base
	for i := 0; i < steps2; i++ {
		if actual < target-(unit2-unit1/2) {
			actual += unit2
			n2++
		}
	}
	for i := 0; i < steps1; i++ {
		if actual < target-unit1/2 {
			actual += unit1
			n1++
		}
	}
	return actual, n1, n2
}

func rh1Target(f float64) float64 {
	l := math.Log10(f)
	return 0.9730 * math.Pow(10, 8.0968-1.1892*l+0.04767*l*l)
}

func rh2Target(f float64) float64 {
	l := math.Log10(f)
	return 1.0191 * math.Pow(10, 8.1009-1.0821*l+0.03383*l*l)
}

func rlTarget(f float64) float64 {
	l := math.Log10(f)
	if f < 4 {
		return 1.0061 * math.Pow(10, 4.9391-1.2088*l+0.5698*l*l+0.1442*l*l*l)
	}
	return 1.0061 * math.Pow(10, 4.7351-0.5916*l+0.08482*l*l)
}

func solve(a, b, c float64) float64 {
	return math.Pow(10, (-b-math.Sqrt(b*b-4*a*c))/(2*a))
}

func upperFromRH1(rh1 float64) float64 {
	return solve(0.04767, -1.1892, 8.0968-math.Log10(rh1/0.9730))
}

func upperFromRH2(rh2 float64) float64 {
	return solve(0.03383, -1.0821, 8.1009-math.Log10(rh2/1.0191))
}

func lowerFromRL(rl float64) float64 {
	if rl < 5100 {
		rl = 5100
	}
	if rl < 30000 {
		return solve(0.08482, -0.5916, 4.7351-math.Log10(rl/1.0061))
	}
	return solve(0.3303, -1.2100, 4.9873-math.Log10(rl/1.0061))
}

// PowerUpAllAmps powers all 64 amplifiers.
func (r *Registers) PowerUpAllAmps() {
	for i := range r.ampPwr {
		r.ampPwr[i] = true
	}
}

// PowerDownAllAmps powers down all 64 amplifiers.
func (r *Registers) PowerDownAllAmps() {
	for i := range r.ampPwr {
		r.ampPwr[i] = false
	}
}

// Value returns the content of RAM register reg.
func (r *Registers) Value(reg int) uint8 {
	switch reg {
	case 0:
		return r.adcRefBw<<6 | r.ampFastSettle<<5 | r.ampVrefEn<<4 | r.adcCompBias<<2 | r.adcCompSel
	case 1:
		return r.vddSenseEn<<6 | r.adcBufferBias
	case 2:
		return r.muxBias
	case 3:
		return r.muxLoad<<5 | r.tempS2<<4 | r.tempS1<<3 | r.tempEn<<2 | r.digOutHiZ<<1 | r.digOut
	case 4:
		return r.weakMiso<<7 | r.twosComp<<6 | r.absMode<<5 | r.dspEn<<4 | r.dspCutoff
	case 5:
		return r.zcheckDacPower<<6 | r.zcheckLoad<<5 | r.zcheckScale<<3 | r.zcheckConnAll<<2 | r.zcheckSelPol<<1 | r.zcheckEn
	case 6:
		return r.zcheckDac
	case 7:
		return r.zcheckSelect
	case 8:
		return r.offChipRH1<<7 | r.rH1Dac1
	case 9:
		return r.adcAux1En<<7 | r.rH1Dac2
	case 10:
		return r.offChipRH2<<7 | r.rH2Dac1
	case 11:
		return r.adcAux2En<<7 | r.rH2Dac2
	case 12:
		return r.offChipRL<<7 | r.rLDac1
	case 13:
		return r.adcAux3En<<7 | r.rLDac3<<6 | r.rLDac2
	case 14, 15, 16, 17, 18, 19, 20, 21:
		var v uint8
		off := 8 * (reg - 14)
		for i := 0; i < 8; i++ {
			v |= b2u(r.ampPwr[off+i]) << i
		}
		return v
	}
	return 0
}

func pad(cmds []Command, n int) []Command {
	for len(cmds) < n {
		cmds = append(cmds, Dummy())
	}
	return cmds
}

// ConfigCommands returns the AuxCmd3 list programming every RAM register
// and reading back the ROM. When calibrate is set, the list also runs an
// ADC self-calibration.
//
// Results are delayed by one command: the chip ID ends up in result slot 19,
// register 59 in slot 23, "RHD" in slots 24-26 and "INTAN" in slots 32-36.
func (r *Registers) ConfigCommands(calibrate bool) []Command {
	cmds := make([]Command, 0, NumCommands)
	cmds = append(cmds, Dummy(), Dummy())
	for _, reg := range []int{0, 1, 2, 4, 5, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17} {
		cmds = append(cmds, Write(reg, r.Value(reg)))
	}
	for _, reg := range []int{63, 62, 61, 60, 59} {
		cmds = append(cmds, Read(reg))
	}
	for reg := 48; reg <= 55; reg++ {
		cmds = append(cmds, Read(reg))
	}
	for reg := 40; reg <= 44; reg++ {
		cmds = append(cmds, Read(reg))
	}
	for reg := 0; reg <= 17; reg++ {
		cmds = append(cmds, Read(reg))
	}
	if calibrate {
		cmds = append(cmds, Calibrate())
	} else {
		cmds = append(cmds, Dummy())
	}
	for reg := 18; reg <= 21; reg++ {
		cmds = append(cmds, Write(reg, r.Value(reg)))
	}
	cmds = append(cmds, Dummy())
	return pad(cmds, NumCommands)
}

// TempSensorCommands returns the AuxCmd2 list sampling the three auxiliary
// inputs on every quartet of frames while cycling the temperature sensor and
// sampling the supply voltage on the fourth.
func (r *Registers) TempSensorCommands() []Command {
	aux := []Command{Convert(32), Convert(33), Convert(34)}
	cmds := make([]Command, 0, NumCommands)
	quartet := func(c Command) {
		cmds = append(cmds, aux...)
		cmds = append(cmds, c)
	}

	defer func(s1, s2, en uint8) {
		r.tempS1, r.tempS2, r.tempEn = s1, s2, en
	}(r.tempS1, r.tempS2, r.tempEn)

	r.tempEn = 1
	r.tempS1, r.tempS2 = 1, 0
	quartet(Write(3, r.Value(3)))
	r.tempS1, r.tempS2 = 1, 1
	quartet(Write(3, r.Value(3)))
	quartet(Convert(49))
	r.tempS1, r.tempS2 = 0, 1
	quartet(Write(3, r.Value(3)))
	quartet(Convert(49))
	r.tempS1, r.tempS2 = 0, 0
	quartet(Write(3, r.Value(3)))
	quartet(Convert(48))
	for len(cmds) < NumCommands {
		quartet(Dummy())
	}
	return cmds
}

// DigOutCommands returns the AuxCmd1 list refreshing register 3, which
// holds the auxiliary digital output.
func (r *Registers) DigOutCommands() []Command {
	cmds := make([]Command, NumCommands)
	for i := range cmds {
		cmds[i] = Write(3, r.Value(3))
	}
	return cmds
}

// Banks returns the three AuxCmd3 lists: calibration, steady state and
// fast settle.
func (r *Registers) Banks() [3][]Command {
	defer r.SetFastSettle(r.ampFastSettle == 1)

	var banks [3][]Command
	r.SetFastSettle(false)
	banks[BankCalibrate] = r.ConfigCommands(true)
	banks[BankSteady] = r.ConfigCommands(false)
	r.SetFastSettle(true)
	banks[BankFastSettle] = r.ConfigCommands(false)
	return banks
}

// BuildCommandSequence returns the register configuration list for a board
// sampling at fs with the provided filter settings.
func BuildCommandSequence(fs float64, bw Bandwidth, dsp, fastSettle bool) []Command {
	r := NewRegisters(fs)
	r.SetUpperBandwidth(bw.Upper)
	r.SetLowerBandwidth(bw.Lower)
	r.EnableDsp(dsp)
	r.SetDspCutoffFreq(bw.DSP)
	r.SetFastSettle(fastSettle)
	return r.ConfigCommands(false)
}
