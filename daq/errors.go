// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"errors"

	"github.com/go-lpc/rhythm/fpga"
)

var (
	ErrDeviceNotFound  = fpga.ErrDeviceNotFound
	ErrDriverMissing   = fpga.ErrDriverMissing
	ErrFirmwareMissing = fpga.ErrFirmwareMissing

	ErrFraming    = errors.New("daq: invalid frame header")
	ErrCapacity   = errors.New("daq: not enough data streams")
	ErrBandwidth  = errors.New("daq: USB bandwidth exceeded")
	ErrRunning    = errors.New("daq: acquisition running")
	ErrNoChannels = errors.New("daq: no channel enabled")
)
