// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"sync"
)

// Buffer is a ring buffer of decoded frames. It implements Sink.
//
// Frames are written and read whole: a reader never observes part of a
// frame. When the buffer is full, the oldest frames are dropped.
type Buffer struct {
	mu    sync.Mutex
	ready chan struct{}

	nchans  int
	cap     int // capacity in frames
	samples []float32
	ts      []int64
	evts    []uint32

	beg, n  int
	dropped int64
}

// NewBuffer returns a buffer holding up to n frames.
func NewBuffer(n int) *Buffer {
	if n <= 0 {
		n = 1
	}
	return &Buffer{
		cap:   n,
		ready: make(chan struct{}, 1),
		ts:    make([]int64, n),
		evts:  make([]uint32, n),
	}
}

// Resize drops the content of the buffer and sets its channel count.
func (buf *Buffer) Resize(nchans int) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.nchans = nchans
	buf.samples = make([]float32, nchans*buf.cap)
	buf.beg = 0
	buf.n = 0
}

// NumChannels returns the number of channels per frame.
func (buf *Buffer) NumChannels() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.nchans
}

// Write appends the frames of blk.
func (buf *Buffer) Write(blk *Block) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if blk.NumChannels != buf.nchans {
		buf.nchans = blk.NumChannels
		buf.samples = make([]float32, buf.nchans*buf.cap)
		buf.beg = 0
		buf.n = 0
	}

	for i := 0; i < blk.Len(); i++ {
		if buf.n == buf.cap {
			buf.beg = (buf.beg + 1) % buf.cap
			buf.n--
			buf.dropped++
		}
		j := (buf.beg + buf.n) % buf.cap
		copy(buf.samples[j*buf.nchans:(j+1)*buf.nchans], blk.Frame(i))
		buf.ts[j] = blk.Timestamps[i]
		buf.evts[j] = blk.Events[i]
		buf.n++
	}

	if blk.Len() > 0 {
		select {
		case buf.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// Clear drops the content of the buffer.
func (buf *Buffer) Clear() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.beg = 0
	buf.n = 0
}

// Len returns the number of buffered frames.
func (buf *Buffer) Len() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.n
}

// Dropped returns the number of frames dropped because the buffer was full.
func (buf *Buffer) Dropped() int64 {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.dropped
}

// Read moves up to max buffered frames into blk, waiting for data until
// ctx is done.
func (buf *Buffer) Read(ctx context.Context, blk *Block, max int) error {
	for {
		if buf.drain(blk, max) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-buf.ready:
		}
	}
}

func (buf *Buffer) drain(blk *Block, max int) bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	blk.reset(buf.nchans)
	if buf.n == 0 {
		return false
	}
	n := buf.n
	if max > 0 && n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		j := (buf.beg + i) % buf.cap
		blk.Samples = append(blk.Samples, buf.samples[j*buf.nchans:(j+1)*buf.nchans]...)
		blk.Timestamps = append(blk.Timestamps, buf.ts[j])
		blk.Events = append(blk.Events, buf.evts[j])
	}
	buf.beg = (buf.beg + n) % buf.cap
	buf.n -= n
	return true
}

var _ Sink = (*Buffer)(nil)
