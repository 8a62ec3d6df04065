// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhd

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func TestCommand(t *testing.T) {
	for _, tc := range []struct {
		cmd  Command
		want uint16
		op   Op
		str  string
	}{
		{Convert(0), 0x0000, OpConvert, "convert(0)"},
		{Convert(34), 0x2200, OpConvert, "convert(34)"},
		{ConvertH(5), 0x0501, OpConvert, "convert(5, H)"},
		{Calibrate(), 0x5500, OpCalibrate, "calibrate"},
		{Clear(), 0x6a00, OpClear, "clear"},
		{Write(3, 0x2a), 0x832a, OpWrite, "write(3, 0x2a)"},
		{Write(21, 0xff), 0x95ff, OpWrite, "write(21, 0xff)"},
		{Read(63), 0xff00, OpRead, "read(63)"},
		{Read(40), 0xe800, OpRead, "read(40)"},
	} {
		t.Run(tc.str, func(t *testing.T) {
			if got, want := uint16(tc.cmd), tc.want; got != want {
				t.Fatalf("invalid encoding: got=0x%04x, want=0x%04x", got, want)
			}
			if got, want := tc.cmd.Op(), tc.op; got != want {
				t.Fatalf("invalid op: got=%d, want=%d", got, want)
			}
			if got, want := tc.cmd.String(), tc.str; got != want {
				t.Fatalf("invalid string: got=%q, want=%q", got, want)
			}
		})
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegisters(30000)
	for _, tc := range []struct {
		reg  int
		want uint8
	}{
		{0, 0xde},
		{1, 0x42},
		{2, 4},
		{3, 0x02},
		{14, 0xff},
		{21, 0xff},
	} {
		if got := r.Value(tc.reg); got != tc.want {
			t.Errorf("invalid register %d: got=0x%02x, want=0x%02x", tc.reg, got, tc.want)
		}
	}

	r4 := r.Value(4)
	if r4&0x80 == 0 || r4&0x10 == 0 {
		t.Fatalf("invalid register 4: got=0x%02x (weak-miso and DSP should be set)", r4)
	}

	r.SetFastSettle(true)
	if got := r.Value(0); got&0x20 == 0 {
		t.Fatalf("invalid fast-settle bit: got=0x%02x", got)
	}

	r.PowerDownAllAmps()
	if got := r.Value(17); got != 0 {
		t.Fatalf("invalid amp power: got=0x%02x, want=0", got)
	}
}

func TestSampleRateBias(t *testing.T) {
	for _, tc := range []struct {
		fs      float64
		mux, bb uint8
	}{
		{1000, 40, 32},
		{3333.3, 40, 32},
		{4000, 40, 16},
		{5000, 40, 8},
		{6250, 32, 8},
		{8000, 26, 8},
		{10000, 18, 4},
		{12500, 16, 3},
		{15000, 7, 3},
		{20000, 4, 2},
		{30000, 4, 2},
	} {
		r := NewRegisters(tc.fs)
		if got, want := r.Value(2), tc.mux; got != want {
			t.Errorf("fs=%v: invalid mux bias: got=%d, want=%d", tc.fs, got, want)
		}
		if got, want := r.Value(1)&0x3f, tc.bb; got != want {
			t.Errorf("fs=%v: invalid adc buffer bias: got=%d, want=%d", tc.fs, got, want)
		}
	}
}

func TestConfigCommands(t *testing.T) {
	r := NewRegisters(30000)
	for _, calib := range []bool{true, false} {
		cmds := r.ConfigCommands(calib)
		if got, want := len(cmds), NumCommands; got != want {
			t.Fatalf("invalid list length: got=%d, want=%d", got, want)
		}

		// command i is answered in result slot i+1.
		for _, tc := range []struct {
			slot int
			want Command
		}{
			{19, Read(63)},
			{23, Read(59)},
			{24, Read(48)},
			{26, Read(50)},
			{32, Read(40)},
			{36, Read(44)},
		} {
			if got := cmds[tc.slot-1]; got != tc.want {
				t.Errorf("invalid command answered in slot %d: got=%v, want=%v", tc.slot, got, tc.want)
			}
		}

		want := Dummy()
		if calib {
			want = Calibrate()
		}
		if got := cmds[54]; got != want {
			t.Fatalf("invalid calibration command: got=%v, want=%v", got, want)
		}
		for i, reg := range []int{18, 19, 20, 21} {
			if got, want := cmds[55+i], Write(reg, 0xff); got != want {
				t.Fatalf("invalid amp power write: got=%v, want=%v", got, want)
			}
		}
	}
}

func TestBanks(t *testing.T) {
	r := NewRegisters(20000)
	banks := r.Banks()
	if got, want := banks[BankCalibrate][54], Calibrate(); got != want {
		t.Fatalf("calibration bank does not calibrate: got=%v", got)
	}
	steady := banks[BankSteady][2]
	settle := banks[BankFastSettle][2]
	if steady.Data()&0x20 != 0 {
		t.Fatalf("steady bank has fast-settle: %v", steady)
	}
	if settle.Data()&0x20 == 0 {
		t.Fatalf("fast-settle bank misses fast-settle: %v", settle)
	}
	if r.Value(0)&0x20 != 0 {
		t.Fatalf("building banks modified the register image")
	}
}

func TestTempSensorCommands(t *testing.T) {
	r := NewRegisters(30000)
	cmds := r.TempSensorCommands()
	if got, want := len(cmds), NumCommands; got != want {
		t.Fatalf("invalid list length: got=%d, want=%d", got, want)
	}
	for i := 0; i < len(cmds); i += 4 {
		for j, ch := range []int{32, 33, 34} {
			if got, want := cmds[i+j], Convert(ch); got != want {
				t.Fatalf("cmd[%d]: got=%v, want=%v", i+j, got, want)
			}
		}
	}
	if got, want := cmds[11], Convert(49); got != want {
		t.Fatalf("invalid temperature sample: got=%v, want=%v", got, want)
	}
	if got, want := cmds[27], Convert(48); got != want {
		t.Fatalf("invalid supply sample: got=%v, want=%v", got, want)
	}
	if got := r.Value(3); got&0x1c != 0 {
		t.Fatalf("temperature sensor state leaked: 0x%02x", got)
	}
}

func TestDspCutoff(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var (
			fs = RateAt(rapid.IntRange(0, NumRates()-1).Draw(t, "rate")).Hz
			r  = NewRegisters(fs)
			f  = rapid.Float64Range(1e-3, 1e4).Draw(t, "f")
		)
		got := r.SetDspCutoffFreq(f)
		if got != r.DspCutoffFreq() {
			t.Fatalf("achieved cutoff %v differs from programmed %v", got, r.DspCutoffFreq())
		}
		lo := r.dspCutoffs()[15]
		hi := r.dspCutoffs()[1]
		if f < lo || f > hi {
			return
		}
		// adjacent cutoffs are at most a factor 2.41 apart.
		if ratio := math.Max(got/f, f/got); ratio > 1.56 {
			t.Fatalf("cutoff %v too far from request %v", got, f)
		}
	})
}

func TestUpperBandwidth(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegisters(30000)
		f := rapid.Float64Range(100, 20000).Draw(t, "f")
		got := r.SetUpperBandwidth(f)
		if math.Abs(got-f)/f > 0.1 {
			t.Fatalf("invalid upper bandwidth: got=%v, want≈%v", got, f)
		}
	})

	r := NewRegisters(30000)
	if a, b := r.SetUpperBandwidth(1e6), r.SetUpperBandwidth(MaxUpperBandwidth); a != b {
		t.Fatalf("upper bandwidth not clamped: got=%v, want=%v", a, b)
	}
}

func TestLowerBandwidth(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegisters(30000)
		f := rapid.Float64Range(1, 300).Draw(t, "f")
		got := r.SetLowerBandwidth(f)
		if math.Abs(got-f)/f > 0.25 {
			t.Fatalf("invalid lower bandwidth: got=%v, want≈%v", got, f)
		}
	})

	r := NewRegisters(30000)
	r.SetLowerBandwidth(0.1)
	if got := r.Value(13) & 0x40; got == 0 {
		t.Fatalf("RL DAC3 not set for sub-0.15 Hz cutoff")
	}
	r.SetLowerBandwidth(1)
	if got := r.Value(13) & 0x40; got != 0 {
		t.Fatalf("RL DAC3 set for 1 Hz cutoff")
	}
}

func TestRates(t *testing.T) {
	for i := 1; i < NumRates(); i++ {
		prev, cur := RateAt(i-1), RateAt(i)
		if cur.Blocks <= 0 {
			t.Fatalf("rate %d: invalid blocks %d", i, cur.Blocks)
		}
		if cur.Blocks < prev.Blocks {
			t.Fatalf("rate %d: blocks not monotonic: %d < %d", i, cur.Blocks, prev.Blocks)
		}
		if cur.Hz <= prev.Hz {
			t.Fatalf("rate %d: rates not sorted", i)
		}
	}

	rapid.Check(t, func(t *rapid.T) {
		i := rapid.IntRange(-10, 40).Draw(t, "i")
		r := RateAt(i)
		if i < 0 || i >= NumRates() {
			if r.Hz != 10000 {
				t.Fatalf("invalid fallback rate: %v", r)
			}
			return
		}
		fs := 100e6 * float64(r.M) / float64(r.D) / 2 / 2800
		if math.Abs(fs-r.Hz) > 1e-6*r.Hz {
			t.Fatalf("rate %d: DCM gives %v, want %v", i, fs, r.Hz)
		}
		if got := RateIndex(r.Hz); got != i {
			t.Fatalf("invalid index for %v: got=%d, want=%d", r, got, i)
		}
	})

	if got, want := RateAt(CalibrationRate).PLL(), uint32(256*42+25); got != want {
		t.Fatalf("invalid PLL word: got=%d, want=%d", got, want)
	}
}

func TestCableDelay(t *testing.T) {
	fs := RateAt(CalibrationRate).Hz
	for d := 3; d <= MaxDelay; d++ {
		l := LengthFromDelay(d, fs)
		if got := DelayFromLength(l, fs); got != d {
			t.Fatalf("delay=%d: round-trip gives %d (length=%vm)", d, got, l)
		}
	}
	if got := LengthFromDelay(0, fs); got != 0 {
		t.Fatalf("invalid length estimate: got=%v, want=0", got)
	}
	if got := DelayFromLength(0, 1000); got != 1 {
		t.Fatalf("invalid minimum delay: got=%d, want=1", got)
	}
	if got, want := FeetToMeters(3), 0.9144; math.Abs(got-want) > 1e-12 {
		t.Fatalf("invalid conversion: got=%v, want=%v", got, want)
	}
}

func TestChipID(t *testing.T) {
	for _, tc := range []struct {
		id   ChipID
		n    int
		name string
	}{
		{RHD2132, 32, "RHD2132"},
		{RHD2216, 16, "RHD2216"},
		{RHD2164, 64, "RHD2164"},
		{RHD2164B, 32, "RHD2164-B"},
		{NoChip, 0, "none"},
	} {
		if got := tc.id.NumChannels(); got != tc.n {
			t.Errorf("%v: invalid channels: got=%d, want=%d", tc.id, got, tc.n)
		}
		if got := tc.id.String(); got != tc.name {
			t.Errorf("invalid name: got=%q, want=%q", got, tc.name)
		}
	}
}
