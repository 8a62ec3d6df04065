// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/internal/sim"
	"github.com/go-lpc/rhythm/rhd"
	"pgregory.net/rapid"
)

func TestSweepDelay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var (
			lo = rapid.IntRange(0, rhd.MaxDelay).Draw(t, "lo")
			hi = rapid.IntRange(lo, rhd.MaxDelay).Draw(t, "hi")
			sw = newSweep()
		)
		for d := lo; d <= hi; d++ {
			sw.add(d, rhd.RHD2132)
		}
		want := lo
		if hi-lo+1 > 2 {
			want = lo + 1
		}
		if got := sw.delay(); got != want {
			t.Fatalf("invalid delay for window [%d, %d]: got=%d, want=%d", lo, hi, got, want)
		}
		if got, want := sw.chip, rhd.RHD2132; got != want {
			t.Fatalf("invalid chip: got=%v, want=%v", got, want)
		}
	})
}

func TestSweepDelaySparse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var (
			mask = rapid.IntRange(0, 1<<16-1).Draw(t, "mask")
			sw   = newSweep()
			good []int
		)
		for d := 0; d <= rhd.MaxDelay; d++ {
			if mask&(1<<uint(d)) != 0 {
				sw.add(d, rhd.RHD2216)
				good = append(good, d)
			}
		}
		var want int
		switch n := len(good); {
		case n == 0:
			want = 0
		case n <= 2:
			want = good[0]
		default:
			want = good[1]
		}
		if got := sw.delay(); got != want {
			t.Fatalf("invalid delay for good=%v: got=%d, want=%d", good, got, want)
		}
		if len(good) == 0 && sw.chip != rhd.NoChip {
			t.Fatalf("chip found without good delay: %v", sw.chip)
		}
	})
}

type alertRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (a *alertRecorder) Alert(subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *alertRecorder) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

func newTestDevice(t *testing.T, gen fpga.Generation, opts []Option, simopts ...sim.Option) (*Device, *sim.Device) {
	t.Helper()
	board := sim.New(gen, simopts...)
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	dev := New(board, opts...)
	err := dev.Initialize(context.Background())
	if err != nil {
		t.Fatalf("could not initialize device: %+v", err)
	}
	return dev, board
}

func TestScan(t *testing.T) {
	dev, board := newTestDevice(t, fpga.USB2, nil,
		sim.WithChip(0, rhd.RHD2132, 2, 6),
		sim.WithChip(1, rhd.RHD2216, 4, 5),
		sim.WithChip(4, rhd.RHD2164, 1, 9),
	)
	defer dev.Close()

	res, err := dev.Scan(context.Background())
	if err != nil {
		t.Fatalf("could not scan headstages: %+v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("invalid scan result: %+v", err)
	}

	if got, want := res.Delays, [NumPositions]int{3, 4, 0, 0, 2, 0, 0, 0}; got != want {
		t.Fatalf("invalid delays: got=%v, want=%v", got, want)
	}
	if got, want := res.PortDelays, []int{4, 0, 2, 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid port delays: got=%v, want=%v", got, want)
	}
	if got, want := res.Bandwidth, BandwidthOK; got != want {
		t.Fatalf("invalid bandwidth status: got=%d, want=%d", got, want)
	}

	var names []string
	for _, hs := range res.Headstages {
		names = append(names, hs.Name()+":"+hs.Chip.String())
	}
	if got, want := names, []string{"A1:RHD2132", "A2:RHD2216", "C1:RHD2164"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid headstages: got=%v, want=%v", got, want)
	}

	var sources []int
	for _, ds := range dev.Streams() {
		sources = append(sources, ds.Source)
	}
	if got, want := sources, []int{0, 1, 4, 12}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid sources: got=%v, want=%v", got, want)
	}
	if got, want := board.WireIn(fpga.WireInDataStreamEn)&0xff, uint32(0x0f); got != want {
		t.Fatalf("invalid enabled streams: got=0x%x, want=0x%x", got, want)
	}

	// 32+16+64 electrodes, 3 aux inputs per headstage.
	if got, want := dev.NumChannels(), 112+9; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}

	if got, want := int(board.WireIn(fpga.WireInMisoDelay)&0xf), 4; got != want {
		t.Fatalf("invalid port A delay: got=%d, want=%d", got, want)
	}
	if got, want := dev.Settings().CableLengths[0], rhd.LengthFromDelay(4, 30000); got != want {
		t.Fatalf("invalid port A cable length: got=%v, want=%v", got, want)
	}
	if got, want := dev.LastScan().PortDelays, res.PortDelays; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid last scan: got=%v, want=%v", got, want)
	}
}

func TestScanCapacity(t *testing.T) {
	alerts := new(alertRecorder)
	dev, _ := newTestDevice(t, fpga.USB2, []Option{WithAlerter(alerts, 0)},
		sim.WithChip(0, rhd.RHD2164, 0, 15),
		sim.WithChip(1, rhd.RHD2164, 0, 15),
		sim.WithChip(2, rhd.RHD2164, 0, 15),
		sim.WithChip(3, rhd.RHD2164, 0, 15),
		sim.WithChip(5, rhd.RHD2216, 0, 15),
	)
	defer dev.Close()

	res, err := dev.Scan(context.Background())
	if err != nil {
		t.Fatalf("could not scan headstages: %+v", err)
	}
	if !errors.Is(res.Err(), ErrCapacity) {
		t.Fatalf("invalid scan error: got=%+v, want=%+v", res.Err(), ErrCapacity)
	}
	if got, want := res.Bandwidth, BandwidthOverUSB2With2216; got != want {
		t.Fatalf("invalid bandwidth status: got=%d, want=%d", got, want)
	}
	if got, want := len(res.Rejected), 1; got != want {
		t.Fatalf("invalid number of rejected headstages: got=%d, want=%d", got, want)
	}
	if got, want := res.Rejected[0].Name(), "C2"; got != want {
		t.Fatalf("invalid rejected headstage: got=%q, want=%q", got, want)
	}
	if got, want := len(dev.Streams()), 8; got != want {
		t.Fatalf("invalid number of streams: got=%d, want=%d", got, want)
	}
	if got, want := alerts.list(), []string{"headstages rejected"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid alerts: got=%q, want=%q", got, want)
	}

	// the rejected headstage stays disabled when re-enabled.
	err = dev.EnableHeadstage(5, true)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrCapacity)
	}
	if dev.Headstages()[5].Enabled {
		t.Fatalf("rejected headstage enabled")
	}
}

func TestScanUSB3(t *testing.T) {
	dev, _ := newTestDevice(t, fpga.USB3, nil,
		sim.WithChip(0, rhd.RHD2164, 3, 8),
		sim.WithChip(1, rhd.RHD2164, 3, 8),
		sim.WithChip(2, rhd.RHD2164, 3, 8),
		sim.WithChip(3, rhd.RHD2164, 3, 8),
		sim.WithChip(5, rhd.RHD2216, 5, 8),
		sim.WithChip(7, rhd.RHD2132, 5, 6),
	)
	defer dev.Close()

	res, err := dev.Scan(context.Background())
	if err != nil {
		t.Fatalf("could not scan headstages: %+v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("invalid scan result: %+v", err)
	}
	if got, want := len(dev.Streams()), 10; got != want {
		t.Fatalf("invalid number of streams: got=%d, want=%d", got, want)
	}
	if got, want := res.PortDelays, []int{4, 4, 6, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid port delays: got=%v, want=%v", got, want)
	}
}

func TestScanNoDevice(t *testing.T) {
	dev := New(nil)
	_, err := dev.Scan(context.Background())
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrDeviceNotFound)
	}
}

func TestScanInterrupted(t *testing.T) {
	buf := NewBuffer(1 << 14)
	dev, _ := newTestDevice(t, fpga.USB2, []Option{WithSink(buf)},
		sim.WithChip(0, rhd.RHD2132, 0, 15),
	)
	defer dev.Close()

	_, err := dev.Scan(context.Background())
	if err != nil {
		t.Fatalf("could not scan: %+v", err)
	}
	_, err = dev.SetSampleRate(14)
	if err != nil {
		t.Fatalf("could not set sample rate: %+v", err)
	}
	nchans := dev.NumChannels()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dev.Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, context.Canceled)
	}

	if got, want := dev.Settings().SampleRate, 14; got != want {
		t.Fatalf("invalid sample rate index: got=%d, want=%d", got, want)
	}
	if got, want := dev.brd.RateIndex(), 14; got != want {
		t.Fatalf("invalid board rate index: got=%d, want=%d", got, want)
	}
	if got, want := dev.brd.NumEnabledStreams(), len(dev.Streams()); got != want || got != 1 {
		t.Fatalf("invalid enabled streams: got=%d, want=%d", got, want)
	}
	if got, want := dev.NumChannels(), nchans; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}

	err = dev.Start(context.Background())
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	var blk Block
	rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer rcancel()
	err = buf.Read(rctx, &blk, 0)
	if err != nil {
		t.Fatalf("could not read samples: %+v", err)
	}
	err = dev.Stop()
	if err != nil {
		t.Fatalf("could not stop: %+v", err)
	}
	if frames, framing := dev.Stats(); frames == 0 || framing != 0 {
		t.Fatalf("invalid stats: frames=%d, framing=%d", frames, framing)
	}
}
