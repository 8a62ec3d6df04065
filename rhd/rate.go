// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhd

import (
	"fmt"
	"sort"
)

// Rate describes one sample rate supported by the Rhythm firmware.
type Rate struct {
	Hz     float64 // sample rate
	Blocks int     // USB data blocks read per acquisition pass
	M, D   int     // DCM multiplier and divider of the data clock
}

// rates is indexed by the sample-rate index used in settings files.
var rates = [...]Rate{
	{Hz: 1000, Blocks: 1, M: 7, D: 125},
	{Hz: 1250, Blocks: 1, M: 7, D: 100},
	{Hz: 1500, Blocks: 1, M: 21, D: 250},
	{Hz: 2000, Blocks: 1, M: 14, D: 125},
	{Hz: 2500, Blocks: 1, M: 35, D: 250},
	{Hz: 3000, Blocks: 2, M: 21, D: 125},
	{Hz: 10000.0 / 3.0, Blocks: 2, M: 14, D: 75},
	{Hz: 4000, Blocks: 2, M: 28, D: 125},
	{Hz: 5000, Blocks: 3, M: 7, D: 25},
	{Hz: 6250, Blocks: 3, M: 7, D: 20},
	{Hz: 8000, Blocks: 4, M: 112, D: 250},
	{Hz: 10000, Blocks: 6, M: 14, D: 25},
	{Hz: 12500, Blocks: 7, M: 7, D: 10},
	{Hz: 15000, Blocks: 8, M: 21, D: 25},
	{Hz: 20000, Blocks: 12, M: 28, D: 25},
	{Hz: 25000, Blocks: 14, M: 35, D: 25},
	{Hz: 30000, Blocks: 16, M: 42, D: 25},
}

const (
	// DefaultRate is the index used for unknown sample-rate indices (10 kHz).
	DefaultRate = 11
	// CalibrationRate is the index of the rate used while scanning (30 kHz).
	CalibrationRate = 16
)

// NumRates returns the number of supported sample rates.
func NumRates() int { return len(rates) }

// RateAt returns the rate with index i, falling back to 10 kHz when i is
// out of range.
func RateAt(i int) Rate {
	if i < 0 || i >= len(rates) {
		return rates[DefaultRate]
	}
	return rates[i]
}

// RateIndex returns the index of the supported rate closest to hz.
func RateIndex(hz float64) int {
	i := sort.Search(len(rates), func(i int) bool { return rates[i].Hz >= hz })
	switch {
	case i == len(rates):
		return len(rates) - 1
	case i == 0:
		return 0
	}
	if hz-rates[i-1].Hz < rates[i].Hz-hz {
		return i - 1
	}
	return i
}

// PLL returns the value of the data-frequency PLL wire-in.
func (r Rate) PLL() uint32 {
	return uint32(256*r.M + r.D)
}

func (r Rate) String() string {
	return fmt.Sprintf("%.2f Hz", r.Hz)
}
