// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/rhythm/conddb"
	"github.com/go-lpc/rhythm/fpga"
	"github.com/google/uuid"
)

// Recorder stores the scans and runs of a server.
// It is implemented by *conddb.DB.
type Recorder interface {
	InsertScan(ctx context.Context, scan conddb.Scan) error
	InsertRun(ctx context.Context, run conddb.Run) error
}

// Server exposes a Device as a tdaq process.
//
// Decoded samples are published on the output handler Samples, one
// encoded Block per frame.
type Server struct {
	open func() (fpga.Transport, error)
	opts []Option
	db   Recorder // optional

	dev  *Device
	buf  *Buffer
	data chan []byte
	max  int // maximum number of frames per published block

	scan uuid.UUID
	run  conddb.Run
}

// NewServer creates a tdaq server for the board opened by open.
// Scans and runs are recorded in db when it is not nil.
func NewServer(open func() (fpga.Transport, error), db Recorder, opts ...Option) *Server {
	const (
		nframes = 1 << 16
		nblocks = 64
	)
	return &Server{
		open: open,
		opts: opts,
		db:   db,
		buf:  NewBuffer(nframes),
		data: make(chan []byte, nblocks),
		max:  nframes / 16,
	}
}

// Device returns the device driven by the server, if any.
func (srv *Server) Device() *Device { return srv.dev }

func (srv *Server) init(ctx context.Context) error {
	if srv.dev == nil {
		t, err := srv.open()
		if err != nil {
			return fmt.Errorf("daq: could not open board: %w", err)
		}
		opts := append(append([]Option(nil), srv.opts...), WithSink(srv.buf))
		srv.dev = New(t, opts...)
	}
	return srv.dev.Initialize(ctx)
}

func (srv *Server) config(ctx context.Context, rate int) error {
	if srv.dev == nil {
		return ErrDeviceNotFound
	}
	if rate >= 0 {
		_, err := srv.dev.SetSampleRate(rate)
		if err != nil {
			return fmt.Errorf("daq: could not set sample rate: %w", err)
		}
	}

	res, err := srv.dev.Scan(ctx)
	if err != nil {
		return fmt.Errorf("daq: could not scan headstages: %w", err)
	}
	srv.scan = uuid.New()

	if srv.db == nil {
		return nil
	}
	scan := conddb.Scan{
		ID:           srv.scan,
		Time:         time.Now().UTC(),
		Board:        srv.dev.cfg.board.String(),
		SampleRate:   srv.dev.brd.Rate().Hz,
		PortDelays:   res.PortDelays,
		CableLengths: res.CableLengths,
	}
	for _, hs := range res.Headstages {
		scan.Headstages = append(scan.Headstages, conddb.Headstage{
			Position: hs.Position,
			Name:     hs.Name(),
			Chip:     hs.Chip.String(),
			Channels: hs.NumChannels,
			Delay:    res.Delays[hs.Position],
		})
	}
	err = srv.db.InsertScan(ctx, scan)
	if err != nil {
		return fmt.Errorf("daq: could not record scan: %w", err)
	}
	return nil
}

func (srv *Server) start(ctx context.Context) error {
	if srv.dev == nil {
		return ErrDeviceNotFound
	}
	err := srv.dev.Start(ctx)
	if err != nil {
		return err
	}

	bw := srv.dev.Bandwidth()
	frames, framing := srv.dev.Stats()
	srv.run = conddb.Run{
		ID:         uuid.New(),
		Scan:       srv.scan,
		Start:      time.Now().UTC(),
		SampleRate: srv.dev.brd.Rate().Hz,
		Upper:      bw.Upper,
		Lower:      bw.Lower,
		Channels:   srv.dev.NumChannels(),
		Frames:     -frames,
		Framing:    -framing,
	}
	if srv.dev.settings.DSP {
		srv.run.DSP = bw.DSP
	}
	return nil
}

func (srv *Server) stop(ctx context.Context) error {
	if srv.dev == nil {
		return nil
	}
	if srv.dev.State() != Running {
		return nil
	}
	err := srv.dev.Stop()
	frames, framing := srv.dev.Stats()
	srv.run.Stop = time.Now().UTC()
	srv.run.Frames += frames
	srv.run.Framing += framing
	if err != nil {
		return err
	}

	if srv.db == nil {
		return nil
	}
	err = srv.db.InsertRun(ctx, srv.run)
	if err != nil {
		return fmt.Errorf("daq: could not record run: %w", err)
	}
	return nil
}

func (srv *Server) reset(ctx context.Context) error {
	if srv.dev == nil {
		return nil
	}
	err := srv.stop(ctx)
	if err != nil {
		return err
	}
	return srv.dev.Initialize(ctx)
}

func (srv *Server) quit(ctx context.Context) error {
	if srv.dev == nil {
		return nil
	}
	err := srv.stop(ctx)
	if err != nil {
		srv.dev.logErr(err)
	}
	err = srv.dev.Close()
	srv.dev = nil
	return err
}

// pump publishes the buffered frames until ctx is done.
func (srv *Server) pump(ctx context.Context) error {
	var blk Block
	for {
		err := srv.buf.Read(ctx, &blk, srv.max)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		raw, err := blk.MarshalBinary()
		if err != nil {
			return fmt.Errorf("daq: could not encode block: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case srv.data <- raw:
		}
	}
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	rate := -1
	if len(req.Body) >= 4 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		rate = int(dec.ReadU32())
	}
	err := srv.config(ctx.Ctx, rate)
	if err != nil {
		ctx.Msg.Errorf("could not configure board: %+v", err)
		return fmt.Errorf("could not configure board: %w", err)
	}
	res := srv.dev.LastScan()
	ctx.Msg.Infof("found %d headstage(s), %d channel(s)", len(res.Headstages), srv.dev.NumChannels())
	if err := res.Err(); err != nil {
		ctx.Msg.Errorf("scan: %+v", err)
	}
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.init(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not initialize board: %+v", err)
		return fmt.Errorf("could not initialize board: %w", err)
	}
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := srv.reset(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not reset board: %+v", err)
		return fmt.Errorf("could not reset board: %w", err)
	}
	return nil
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := srv.start(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return fmt.Errorf("could not start acquisition: %w", err)
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	err := srv.stop(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not stop acquisition: %+v", err)
		return fmt.Errorf("could not stop acquisition: %w", err)
	}
	ctx.Msg.Infof("run %v: %d frame(s), %d framing error(s)", srv.run.ID, srv.run.Frames, srv.run.Framing)
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	err := srv.quit(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not close board: %+v", err)
		return fmt.Errorf("could not close board: %w", err)
	}
	return nil
}

// Samples is the tdaq output handler publishing the decoded samples.
func (srv *Server) Samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

// Run is the tdaq run handler moving decoded samples to the output.
func (srv *Server) Run(ctx tdaq.Context) error {
	return srv.pump(ctx.Ctx)
}
