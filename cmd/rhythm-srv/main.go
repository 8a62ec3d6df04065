// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rhythm-srv starts a TDAQ server driving a Rhythm board.
//
// Decoded samples are published on the "/samples" output.
// The /config command accepts an optional u32 sample rate index.
package main // import "github.com/go-lpc/rhythm/cmd/rhythm-srv"

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/rhythm/conddb"
	"github.com/go-lpc/rhythm/daq"
	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/internal/alert"
	"github.com/go-lpc/rhythm/internal/board"
)

func main() {
	var (
		brd     board.Flags
		bitfile = flag.String("bitfile", "", "path to the FPGA bitfile")
		setfile = flag.String("settings", "", "path to a YAML settings file")
		dbname  = flag.String("db", "", "name of the condition database (empty: no recording)")
		alerts  = flag.Bool("alert", false, "send mail/SMS alerts on acquisition incidents")
	)
	brd.Register(flag.CommandLine)

	cmd := flags.New()

	opts := []daq.Option{
		daq.WithLogger(log.New(os.Stdout, "rhythm-srv: ", 0)),
	}
	if *bitfile != "" {
		opts = append(opts, daq.WithBitfile(*bitfile))
	}
	if *setfile != "" {
		set, err := daq.LoadSettings(*setfile)
		if err != nil {
			log.Panicf("could not load settings: %+v", err)
		}
		opts = append(opts, daq.WithSettings(set))
	}
	if *alerts {
		tag := "[rhythm-srv]"
		opts = append(opts, daq.WithAlerter(alert.Multi{
			alert.NewMailer(tag), alert.NewSMS(tag),
		}, 0))
	}

	var rec daq.Recorder
	if *dbname != "" {
		db, err := conddb.Open(*dbname)
		if err != nil {
			log.Panicf("could not open condition db: %+v", err)
		}
		defer db.Close()
		rec = db
	}

	dev := daq.NewServer(func() (fpga.Transport, error) {
		return brd.Open()
	}, rec, opts...)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.Samples)

	srv.RunHandle(dev.Run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
