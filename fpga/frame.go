// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

import (
	"encoding/binary"
)

// Magic is the header word starting every frame.
const Magic uint64 = 0xc691199927021942

const (
	NumAux  = 3  // auxiliary command slots per stream
	NumAmps = 32 // amplifier channels per stream
	NumADCs = 8  // board ADC channels
)

// Layout describes the position of the fields of a frame carrying data
// for a given number of streams. All offsets are in bytes from the start
// of the frame.
//
//	header     8
//	timestamp  4
//	aux        2 x 3 x n   (slot-major)
//	amplifier  2 x 32 x n  (channel-major)
//	filler     2 x n
//	adc        2 x 8
//	ttl-in     2
//	ttl-out    2
type Layout struct {
	Streams int
}

// Size returns the size of a frame.
func (l Layout) Size() int { return 32 + 72*l.Streams }

// Timestamp is the offset of the timestamp.
func (Layout) Timestamp() int { return 8 }

// Aux returns the offset of the result of auxiliary slot for stream.
func (l Layout) Aux(slot, stream int) int {
	return 12 + 2*(slot*l.Streams+stream)
}

// Amp returns the offset of amplifier channel ch of stream.
func (l Layout) Amp(ch, stream int) int {
	return 12 + 6*l.Streams + 2*(ch*l.Streams+stream)
}

// Filler returns the offset of the filler words.
func (l Layout) Filler() int { return 12 + 70*l.Streams }

// ADC returns the offset of board ADC channel i.
func (l Layout) ADC(i int) int { return 12 + 72*l.Streams + 2*i }

// TTLIn returns the offset of the digital input word.
func (l Layout) TTLIn() int { return 28 + 72*l.Streams }

// TTLOut returns the offset of the digital output word.
func (l Layout) TTLOut() int { return 30 + 72*l.Streams }

// CheckHeader reports whether p starts with the frame header.
func CheckHeader(p []byte) bool {
	return len(p) >= 8 && binary.LittleEndian.Uint64(p) == Magic
}
