// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"encoding/binary"
	"testing"
)

func TestLayout(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  int
		want int
	}{
		{"size-1", Layout{1}.Size(), 104},
		{"size-16", Layout{16}.Size(), 1184},
		{"timestamp", Layout{2}.Timestamp(), 8},
		{"aux-0-0", Layout{2}.Aux(0, 0), 12},
		{"aux-2-1", Layout{2}.Aux(2, 1), 22},
		{"amp-0-0", Layout{2}.Amp(0, 0), 24},
		{"amp-31-1", Layout{2}.Amp(31, 1), 150},
		{"filler", Layout{2}.Filler(), 152},
		{"adc-0", Layout{2}.ADC(0), 156},
		{"adc-7", Layout{2}.ADC(7), 170},
		{"ttl-in", Layout{2}.TTLIn(), 172},
		{"ttl-out", Layout{2}.TTLOut(), 174},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("invalid offset: got=%d, want=%d", tc.got, tc.want)
			}
		})
	}

	// the last field ends the frame.
	for n := 1; n <= 16; n++ {
		l := Layout{n}
		if got, want := l.TTLOut()+2, l.Size(); got != want {
			t.Fatalf("invalid layout for %d streams: got=%d, want=%d", n, got, want)
		}
		if got, want := l.Amp(NumAmps-1, n-1)+2, l.Filler(); got != want {
			t.Fatalf("invalid amplifier block for %d streams: got=%d, want=%d", n, got, want)
		}
	}
}

func TestCheckHeader(t *testing.T) {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, Magic)
	if !CheckHeader(p) {
		t.Fatalf("valid header rejected")
	}
	if CheckHeader(p[:7]) {
		t.Fatalf("short header accepted")
	}
	p[3] ^= 0xff
	if CheckHeader(p) {
		t.Fatalf("corrupted header accepted")
	}
}

func TestGeneration(t *testing.T) {
	for _, tc := range []struct {
		gen     Generation
		name    string
		streams int
		block   int
		cont    bool
	}{
		{USB2, "USB2", 8, 60, false},
		{USB3, "USB3", 16, 256, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got, want := tc.gen.String(), tc.name; got != want {
				t.Fatalf("invalid name: got=%q, want=%q", got, want)
			}
			if got, want := tc.gen.MaxStreams(), tc.streams; got != want {
				t.Fatalf("invalid max streams: got=%d, want=%d", got, want)
			}
			if got, want := tc.gen.SamplesPerBlock(), tc.block; got != want {
				t.Fatalf("invalid block size: got=%d, want=%d", got, want)
			}
			if got, want := tc.gen.Continuous(), tc.cont; got != want {
				t.Fatalf("invalid continuous mode: got=%v, want=%v", got, want)
			}
		})
	}
	if got, want := Generation(5).String(), "Generation(5)"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}
}

func TestPosition(t *testing.T) {
	for pos, want := range []string{"A1", "A2", "B1", "B2", "C1", "C2", "D1", "D2"} {
		if got := Position(pos); got != want {
			t.Fatalf("invalid position %d: got=%q, want=%q", pos, got, want)
		}
	}
}

func TestHighpassCoeff(t *testing.T) {
	for _, tc := range []struct {
		fc, fs float64
		want   uint32
	}{
		{250, 30000, 3343},
		{300, 20000, 5894},
		{0, 30000, 1},
		{1e6, 30000, 65535},
	} {
		if got := HighpassCoeff(tc.fc, tc.fs); got != tc.want {
			t.Fatalf("invalid coefficient for fc=%v, fs=%v: got=%d, want=%d", tc.fc, tc.fs, got, tc.want)
		}
	}
}
