// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhd

import (
	"math"
)

const (
	speedOfLight = 299792458.0 // m/s
	cableSpeed   = 0.555 * speedOfLight
	xcvrDelay    = 10.0e-9 // LVDS transceiver round-trip delay (s)
	settleTime   = 6.7e-9  // minimum MISO settle time (s)

	// MaxDelay is the largest MISO sampling delay accepted by the firmware.
	MaxDelay = 15

	metersPerFoot = 0.3048
)

// FeetToMeters converts a cable length expressed in feet.
func FeetToMeters(ft float64) float64 { return ft * metersPerFoot }

// tstep returns the MISO sampling step for a board sampling at fs Hz.
func tstep(fs float64) float64 {
	return 1 / (2800 * fs)
}

// DelayFromLength returns the MISO sampling delay compensating a cable of
// the given length (in meters) at the sample rate fs.
func DelayFromLength(meters, fs float64) int {
	roundTrip := 2*meters/cableSpeed + xcvrDelay + settleTime
	delay := int(math.Floor(roundTrip/tstep(fs) + 1 + 0.5))
	if delay < 1 {
		delay = 1
	}
	return delay
}

// LengthFromDelay estimates the cable length (in meters) corresponding to
// a MISO sampling delay at the sample rate fs.
func LengthFromDelay(delay int, fs float64) float64 {
	l := cableSpeed * (float64(delay-1)*tstep(fs) - (xcvrDelay + settleTime)) / 2
	if l < 0 {
		l = 0
	}
	return l
}
