// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga_test

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/internal/sim"
	"github.com/go-lpc/rhythm/rhd"
)

func newBoard(t *testing.T, gen fpga.Generation) (*fpga.Board, *sim.Device) {
	t.Helper()
	dev := sim.New(gen)
	brd := fpga.NewBoard(dev, log.New(io.Discard, "", 0))
	brd.Upload("rhd2000.bit")
	brd.Initialize()
	if err := brd.Err(); err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}
	return brd, dev
}

func TestBoardInitialize(t *testing.T) {
	for _, gen := range []fpga.Generation{fpga.USB2, fpga.USB3} {
		t.Run(gen.String(), func(t *testing.T) {
			brd, dev := newBoard(t, gen)
			defer brd.Close()

			if got, want := dev.Bitfile(), "rhd2000.bit"; got != want {
				t.Fatalf("invalid bitfile: got=%q, want=%q", got, want)
			}
			if got, want := brd.RateIndex(), rhd.CalibrationRate; got != want {
				t.Fatalf("invalid rate: got=%d, want=%d", got, want)
			}
			if got, want := brd.NumEnabledStreams(), 1; got != want {
				t.Fatalf("invalid number of enabled streams: got=%d, want=%d", got, want)
			}
			for i := 0; i < gen.MaxStreams(); i++ {
				if got, want := brd.DataSource(i), i%8; got != want {
					t.Fatalf("invalid source of stream %d: got=%d, want=%d", i, got, want)
				}
			}
			if got, want := dev.WireIn(fpga.WireInDacManual), uint32(32768); got != want {
				t.Fatalf("invalid manual DAC: got=%d, want=%d", got, want)
			}
			if brd.IsRunning() {
				t.Fatalf("sequencer running after initialization")
			}
			id, vers := brd.Version()
			if id != 600 || vers != 1 {
				t.Fatalf("invalid version: id=%d, version=%d", id, vers)
			}
		})
	}
}

func TestBoardUploadError(t *testing.T) {
	brd := fpga.NewBoard(sim.New(fpga.USB2), log.New(io.Discard, "", 0))
	brd.Upload("rhd2000.txt")
	err := brd.Err()
	if !errors.Is(err, fpga.ErrFirmwareMissing) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, fpga.ErrFirmwareMissing)
	}
	if err := brd.Err(); err != nil {
		t.Fatalf("error not cleared: %+v", err)
	}
}

func TestBoardCommands(t *testing.T) {
	brd, dev := newBoard(t, fpga.USB2)
	defer brd.Close()

	cmds := []rhd.Command{0x1234, 0x8000, 0xffff, 0x0001}
	brd.UploadCommandList(cmds, fpga.AuxCmd3, 2)
	for i, want := range cmds {
		if got := dev.Command(fpga.AuxCmd3, 2, i); got != want {
			t.Fatalf("invalid command %d: got=0x%x, want=0x%x", i, got, want)
		}
	}

	brd.SelectAuxCommandBank(1, fpga.AuxCmd3, 5)
	if got, want := dev.WireIn(fpga.WireInAuxCmdBank3)>>4&0xf, uint32(5); got != want {
		t.Fatalf("invalid bank: got=%d, want=%d", got, want)
	}
	brd.SelectAuxCommandLength(fpga.AuxCmd3, 1, len(cmds)-1)
	if got, want := dev.WireIn(fpga.WireInAuxCmdLength3), uint32(3); got != want {
		t.Fatalf("invalid length: got=%d, want=%d", got, want)
	}
	if got, want := dev.WireIn(fpga.WireInAuxCmdLoop3), uint32(1); got != want {
		t.Fatalf("invalid loop: got=%d, want=%d", got, want)
	}
	if err := brd.Err(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	for _, tc := range []struct {
		name string
		fct  func()
	}{
		{"upload-bank", func() { brd.UploadCommandList(cmds, fpga.AuxCmd1, rhd.MaxBank+1) }},
		{"select-bank", func() { brd.SelectAuxCommandBank(0, fpga.AuxCmd1, -1) }},
		{"length", func() { brd.SelectAuxCommandLength(fpga.AuxCmd1, 0, 1024) }},
		{"stream", func() { brd.SetDataSource(8, 0) }},
		{"source", func() { brd.SetDataSource(0, 16) }},
		{"port", func() { brd.SetCableDelay(4, 0) }},
		{"dac", func() { brd.EnableDac(8, true) }},
		{"settle", func() { brd.SetExternalFastSettleChannel(16) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.fct()
			if err := brd.Err(); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestBoardUSB3Lengths(t *testing.T) {
	brd, dev := newBoard(t, fpga.USB3)
	defer brd.Close()

	brd.SelectAuxCommandLength(fpga.AuxCmd2, 3, 127)
	if got, want := dev.WireIn(fpga.WireInAuxCmdLength)>>10&0x3ff, uint32(127); got != want {
		t.Fatalf("invalid length: got=%d, want=%d", got, want)
	}
	if got, want := dev.WireIn(fpga.WireInAuxCmdLoop)>>10&0x3ff, uint32(3); got != want {
		t.Fatalf("invalid loop: got=%d, want=%d", got, want)
	}

	brd.SetDataSource(13, 11)
	if got, want := dev.WireIn(fpga.WireInDataStreamSel4)>>4&0xf, uint32(11); got != want {
		t.Fatalf("invalid source: got=%d, want=%d", got, want)
	}
	if err := brd.Err(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestBoardCableDelay(t *testing.T) {
	brd, dev := newBoard(t, fpga.USB2)
	defer brd.Close()

	brd.SetCableDelay(2, 7)
	brd.SetCableDelay(3, 42)
	brd.SetCableDelay(0, -1)
	if got, want := dev.WireIn(fpga.WireInMisoDelay), uint32(0xf700); got != want {
		t.Fatalf("invalid delays: got=0x%x, want=0x%x", got, want)
	}
}

func TestBoardRun(t *testing.T) {
	for _, gen := range []fpga.Generation{fpga.USB2, fpga.USB3} {
		t.Run(gen.String(), func(t *testing.T) {
			brd, _ := newBoard(t, gen)
			defer brd.Close()

			brd.EnableDataStream(1, true)
			n := gen.SamplesPerBlock()
			brd.SetContinuousRunMode(false)
			brd.SetMaxTimeStep(uint32(n))
			brd.Run()
			brd.WaitIdle(time.Second)
			if err := brd.Err(); err != nil {
				t.Fatalf("could not run board: %+v", err)
			}

			layout := fpga.Layout{Streams: 2}
			if got, want := brd.NumWordsInFifo(), uint32(n*layout.Size()/2); got != want {
				t.Fatalf("invalid FIFO content: got=%d, want=%d", got, want)
			}

			buf := make([]byte, n*layout.Size())
			brd.Read(buf)
			if err := brd.Err(); err != nil {
				t.Fatalf("could not read frames: %+v", err)
			}
			for i := 0; i < n; i++ {
				frame := buf[i*layout.Size():]
				if !fpga.CheckHeader(frame) {
					t.Fatalf("invalid header for frame %d", i)
				}
			}

			brd.Run()
			brd.WaitIdle(time.Second)
			brd.Flush()
			if got := brd.NumWordsInFifo(); got != 0 {
				t.Fatalf("FIFO not flushed: %d words", got)
			}

			// short reads are reported.
			brd.Read(make([]byte, 10))
			if err := brd.Err(); err == nil {
				t.Fatalf("expected a short read error")
			}
		})
	}
}

func TestBoardLEDs(t *testing.T) {
	brd, dev := newBoard(t, fpga.USB2)
	defer brd.Close()

	brd.SetLEDs([8]bool{true, false, true})
	if got, want := dev.WireIn(fpga.WireInLedDisplay), uint32(0x05); got != want {
		t.Fatalf("invalid LEDs: got=0x%x, want=0x%x", got, want)
	}

	brd.EnableBoardLEDs(true)
	trigs := dev.Triggers()
	last := trigs[len(trigs)-1]
	if last.Ep != fpga.TrigInOpenEphys || last.Bit != 0 || last.Value != 1 {
		t.Fatalf("invalid LED enable trigger: %+v", last)
	}

	dev.SetTTLIn(0xbeef)
	if got, want := brd.TTLIn(), uint16(0xbeef); got != want {
		t.Fatalf("invalid TTL in: got=0x%x, want=0x%x", got, want)
	}
}

type failing struct {
	*sim.Device
	err error
}

func (f failing) UpdateWireIns() error { return f.err }

func TestBoardStickyError(t *testing.T) {
	want := errors.New("link down")
	dev := failing{Device: sim.New(fpga.USB2), err: want}
	brd := fpga.NewBoard(dev, log.New(io.Discard, "", 0))

	brd.SetLEDs([8]bool{true})
	brd.SetCableDelay(0, 3)
	brd.EnableBoardLEDs(true)

	err := brd.Err()
	if !errors.Is(err, want) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, want)
	}
	if trigs := dev.Triggers(); len(trigs) != 0 {
		t.Fatalf("triggers activated after an error: %+v", trigs)
	}
}
