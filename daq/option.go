// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"io"
	"log"
)

type config struct {
	board    BoardType
	msg      *log.Logger
	sink     Sink
	raw      io.Writer
	bitfile  string
	settings Settings
	alerter  Alerter
	meas     *Measurement

	// number of consecutive framing errors triggering an alert.
	alertFraming int
}

func newConfig() config {
	return config{
		board:        AcquisitionBoard,
		settings:     DefaultSettings(),
		alertFraming: 10,
	}
}

// Option configures a Device.
type Option func(*config)

// WithBoard sets the hardware variant.
func WithBoard(b BoardType) Option {
	return func(cfg *config) {
		cfg.board = b
	}
}

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithSink sets the consumer of decoded blocks.
func WithSink(sink Sink) Option {
	return func(cfg *config) {
		cfg.sink = sink
	}
}

// WithRawRecorder records every block read from the board, before
// decoding.
func WithRawRecorder(w io.Writer) Option {
	return func(cfg *config) {
		cfg.raw = w
	}
}

// WithBitfile sets the firmware image uploaded by Initialize.
func WithBitfile(fname string) Option {
	return func(cfg *config) {
		cfg.bitfile = fname
	}
}

// WithSettings sets the initial acquisition settings.
func WithSettings(set Settings) Option {
	return func(cfg *config) {
		cfg.settings = set
	}
}

// WithAlerter sets the notifier of acquisition incidents.
// An alert is sent after n consecutive framing errors and when a scan
// rejects headstages.
func WithAlerter(a Alerter, n int) Option {
	return func(cfg *config) {
		cfg.alerter = a
		if n > 0 {
			cfg.alertFraming = n
		}
	}
}

// WithMeasurement sets the guard of the impedance-measurement task
// sharing the board.
func WithMeasurement(m *Measurement) Option {
	return func(cfg *config) {
		cfg.meas = m
	}
}
