// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rhythm-daq acquires samples from a Rhythm board and stores the
// decoded blocks into a file.
//
// Example:
//
//	$> rhythm-daq -sim A1:RHD2164,B1:RHD2132 -dur 10s -o out.dat
//	$> rhythm-daq -usb3 -cfg settings.yaml -raw capture.raw -o out.dat
package main // import "github.com/go-lpc/rhythm/cmd/rhythm-daq"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-lpc/rhythm"
	"github.com/go-lpc/rhythm/daq"
	"github.com/go-lpc/rhythm/internal/alert"
	"github.com/go-lpc/rhythm/internal/board"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

type config struct {
	board   board.Flags
	bitfile string
	cfg     string // settings file
	oname   string // output file of decoded blocks
	raw     string // output file of raw frames
	dur     time.Duration
	alert   bool

	pmon bool
	freq time.Duration
}

func main() {
	log.SetPrefix("rhythm-daq: ")
	log.SetFlags(0)

	var cfg config
	cfg.board.Register(flag.CommandLine)
	flag.StringVar(&cfg.bitfile, "bitfile", "", "path to the FPGA bitfile")
	flag.StringVar(&cfg.cfg, "cfg", "", "path to a YAML settings file")
	flag.StringVar(&cfg.oname, "o", "rhythm.dat", "path to the output file")
	flag.StringVar(&cfg.raw, "raw", "", "path to a raw frames capture file")
	flag.DurationVar(&cfg.dur, "dur", 0, "duration of the acquisition (0: until interrupted)")
	flag.BoolVar(&cfg.alert, "alert", false, "send mail/SMS alerts on acquisition incidents")
	flag.BoolVar(&cfg.pmon, "pmon", false, "enable pmon monitoring")
	flag.DurationVar(&cfg.freq, "freq", 1*time.Second, "pmon frequency")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, cfg)
	if err != nil {
		log.Fatalf("could not run acquisition: %+v", err)
	}
}

func run(ctx context.Context, cfg config) error {
	if v, _ := rhythm.Version(); v != "" {
		log.Printf("rhythm %s", v)
	}

	if cfg.pmon {
		kill, err := monitor(cfg.oname+".pmon", cfg.freq)
		if err != nil {
			return err
		}
		defer kill()
	}

	set := daq.DefaultSettings()
	if cfg.cfg != "" {
		v, err := daq.LoadSettings(cfg.cfg)
		if err != nil {
			return fmt.Errorf("could not load settings: %w", err)
		}
		set = v
	}

	tr, err := cfg.board.Open()
	if err != nil {
		return fmt.Errorf("could not open board: %w", err)
	}

	var (
		buf  = daq.NewBuffer(1 << 16)
		opts = []daq.Option{
			daq.WithLogger(log.Default()),
			daq.WithSettings(set),
			daq.WithSink(buf),
		}
	)
	if cfg.bitfile != "" {
		opts = append(opts, daq.WithBitfile(cfg.bitfile))
	}
	if cfg.alert {
		tag := "[rhythm-daq]"
		opts = append(opts, daq.WithAlerter(alert.Multi{
			alert.NewMailer(tag), alert.NewSMS(tag),
		}, 0))
	}
	if cfg.raw != "" {
		f, err := os.Create(cfg.raw)
		if err != nil {
			_ = tr.Close()
			return fmt.Errorf("could not create raw capture file: %w", err)
		}
		defer f.Close()
		opts = append(opts, daq.WithRawRecorder(f))
	}

	dev, err := daq.Open(ctx, tr, opts...)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("could not open device: %w", err)
	}
	defer dev.Close()

	scan := dev.LastScan()
	for _, hs := range scan.Headstages {
		log.Printf("headstage: %v", hs)
	}
	if err := scan.Err(); err != nil {
		log.Printf("scan: %+v", err)
	}
	if dev.NumChannels() == 0 {
		return fmt.Errorf("no channel to acquire")
	}

	o, err := os.Create(cfg.oname)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer o.Close()

	err = acquire(ctx, dev, buf, o, cfg.dur)
	if err != nil {
		return err
	}

	err = o.Close()
	if err != nil {
		return fmt.Errorf("could not close output file %q: %w", cfg.oname, err)
	}

	frames, framing := dev.Stats()
	log.Printf("frames: %d, framing errors: %d, dropped: %d", frames, framing, buf.Dropped())
	return nil
}

// acquire runs an acquisition until ctx is done, dur has elapsed or the
// board stops streaming. Decoded blocks are written to w.
func acquire(ctx context.Context, dev *daq.Device, buf *daq.Buffer, w io.Writer, dur time.Duration) error {
	err := dev.Start(ctx)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}
	log.Printf("acquiring %d channels...", dev.NumChannels())

	var (
		grp  errgroup.Group
		done = make(chan struct{})
	)

	grp.Go(func() error {
		defer close(done)
		var timeout <-chan time.Time
		if dur > 0 {
			tck := time.NewTimer(dur)
			defer tck.Stop()
			timeout = tck.C
		}
		select {
		case <-ctx.Done():
		case <-timeout:
		case <-dev.Done():
		}
		err := dev.Stop()
		switch {
		case errors.Is(err, io.EOF):
			log.Printf("end of replayed capture")
			return nil
		case err != nil:
			return fmt.Errorf("could not stop acquisition: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-done
			cancel()
		}()
		return write(ctx, w, buf)
	})

	return grp.Wait()
}

// write writes the blocks read from buf to w until ctx is done.
func write(ctx context.Context, w io.Writer, buf *daq.Buffer) error {
	const max = 4096
	var blk daq.Block
	for {
		err := buf.Read(ctx, &blk, max)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("could not read samples: %w", err)
		}
		raw, err := blk.MarshalBinary()
		if err != nil {
			return fmt.Errorf("could not encode samples: %w", err)
		}
		_, err = w.Write(raw)
		if err != nil {
			return fmt.Errorf("could not write samples: %w", err)
		}
	}
}

func monitor(fname string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring: %w", err)
	}
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		log.Printf("run pmon %q...", filepath.Base(fname))
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
