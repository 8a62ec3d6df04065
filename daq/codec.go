// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"encoding/binary"
	"fmt"
	"math"
)

const blockHeaderSize = 8

// MarshalBinary encodes the block in little-endian order:
//
//	u32 channels, u32 frames, then per frame:
//	i64 timestamp, u32 events, channels × f32 samples.
func (blk *Block) MarshalBinary() ([]byte, error) {
	var (
		n    = blk.Len()
		size = 12 + 4*blk.NumChannels
		buf  = make([]byte, blockHeaderSize+n*size)
		le   = binary.LittleEndian
	)
	le.PutUint32(buf[0:], uint32(blk.NumChannels))
	le.PutUint32(buf[4:], uint32(n))

	p := buf[blockHeaderSize:]
	for i := 0; i < n; i++ {
		le.PutUint64(p[0:], uint64(blk.Timestamps[i]))
		le.PutUint32(p[8:], blk.Events[i])
		p = p[12:]
		for _, v := range blk.Frame(i) {
			le.PutUint32(p, math.Float32bits(v))
			p = p[4:]
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a block encoded with MarshalBinary.
func (blk *Block) UnmarshalBinary(p []byte) error {
	if len(p) < blockHeaderSize {
		return fmt.Errorf("daq: block header too short (%d bytes)", len(p))
	}
	var (
		le     = binary.LittleEndian
		nchans = int(le.Uint32(p[0:]))
		n      = int(le.Uint32(p[4:]))
		size   = 12 + 4*nchans
	)
	p = p[blockHeaderSize:]
	if len(p) != n*size {
		return fmt.Errorf("daq: invalid block payload (got=%d bytes, want=%d)", len(p), n*size)
	}

	blk.reset(nchans)
	for i := 0; i < n; i++ {
		blk.Timestamps = append(blk.Timestamps, int64(le.Uint64(p[0:])))
		blk.Events = append(blk.Events, le.Uint32(p[8:]))
		p = p[12:]
		for ch := 0; ch < nchans; ch++ {
			blk.Samples = append(blk.Samples, math.Float32frombits(le.Uint32(p)))
			p = p[4:]
		}
	}
	return nil
}
