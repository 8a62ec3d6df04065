// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/rhd"
)

// Scales of the decoded samples.
const (
	ElectrodeScale = 0.195   // µV/LSB
	AuxScale       = 37.4e-6 // V/LSB
)

// decoder converts raw frames into sample blocks.
type decoder struct {
	layout  fpga.Layout
	streams []DataStream
	board   BoardType
	aux     bool
	adc     bool
	ranges  [fpga.NumADCs]int

	latch [][fpga.NumAux]float32 // aux values being sampled, per stream
	pub   [][fpga.NumAux]float32 // last complete aux values, per stream

	nchans int
}

func newDecoder(streams []DataStream, board BoardType, aux, adc bool, ranges [fpga.NumADCs]int) *decoder {
	dec := &decoder{
		layout:  fpga.Layout{Streams: len(streams)},
		streams: streams,
		board:   board,
		aux:     aux,
		adc:     adc,
		ranges:  ranges,
		latch:   make([][fpga.NumAux]float32, len(streams)),
		pub:     make([][fpga.NumAux]float32, len(streams)),
	}
	for _, ds := range streams {
		dec.nchans += ds.Channels
		if aux && ds.Chip != rhd.RHD2164B {
			dec.nchans += fpga.NumAux
		}
	}
	if adc {
		dec.nchans += fpga.NumADCs
	}
	return dec
}

func (dec *decoder) adcValue(i int, v uint16) float32 {
	switch {
	case dec.board == IntanRHDUSB:
		return float32(50.354e-6 * float64(v))
	case dec.ranges[i] == 1:
		return float32(305.17578e-6 * float64(v))
	default:
		return float32(152.58789e-6*float64(v) - 5 - 0.4096)
	}
}

// decode appends the frames of raw to blk. Decoding stops at the first
// frame with an invalid header: the frames decoded so far are kept.
func (dec *decoder) decode(blk *Block, raw []byte) error {
	var (
		size = dec.layout.Size()
		n    = len(raw) / size
		u16  = binary.LittleEndian.Uint16
	)
	blk.reset(dec.nchans)

	for i := 0; i < n; i++ {
		frame := raw[i*size : (i+1)*size]
		if !fpga.CheckHeader(frame) {
			return fmt.Errorf("daq: frame %d/%d: %w", i, n, ErrFraming)
		}

		blk.Timestamps = append(blk.Timestamps, int64(binary.LittleEndian.Uint32(frame[dec.layout.Timestamp():])))

		for k, ds := range dec.streams {
			off := ds.offset()
			for ch := 0; ch < ds.Channels; ch++ {
				v := u16(frame[dec.layout.Amp(ch+off, k):])
				blk.Samples = append(blk.Samples, float32(ElectrodeScale*(float64(v)-32768)))
			}
		}

		if dec.aux {
			// AuxCmd2 results: inputs 1 to 3 in 3 successive frames,
			// published on the 4th one.
			phase := (i + 3) % 4
			for k, ds := range dec.streams {
				if ds.Chip == rhd.RHD2164B {
					continue
				}
				if phase < 3 {
					v := u16(frame[dec.layout.Aux(int(fpga.AuxCmd2), k):])
					dec.latch[k][phase] = float32(AuxScale * (float64(v) - 32768))
				} else {
					dec.pub[k] = dec.latch[k]
				}
			}
			for k, ds := range dec.streams {
				if ds.Chip == rhd.RHD2164B {
					continue
				}
				blk.Samples = append(blk.Samples, dec.pub[k][:]...)
			}
		}

		if dec.adc {
			for j := 0; j < fpga.NumADCs; j++ {
				blk.Samples = append(blk.Samples, dec.adcValue(j, u16(frame[dec.layout.ADC(j):])))
			}
		}

		blk.Events = append(blk.Events, binary.LittleEndian.Uint32(frame[dec.layout.TTLIn():]))
	}
	return nil
}
