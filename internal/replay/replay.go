// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package replay serves raw frame captures through the fpga.Transport
// interface.
//
// A Transport wraps another transport answering the register protocol
// (the simulator, or a board connected with the same headstages) and
// substitutes the captured frames to the data pipe during continuous
// acquisitions.
package replay // import "github.com/go-lpc/rhythm/internal/replay"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"sync"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/internal/mmap"
)

// Transport replays a raw capture.
type Transport struct {
	fpga.Transport

	mu   sync.Mutex
	r    *mmap.Reader
	off  int64
	size int // frame size of the capture
	loop bool

	pending [2]uint32 // ResetRun, DataStreamEn
	wires   [2]uint32
	running bool
}

// Option configures a replay transport.
type Option func(*Transport)

// WithLoop rewinds the capture when it is exhausted.
func WithLoop(v bool) Option {
	return func(t *Transport) { t.loop = v }
}

// Open opens the capture fname, answering registers with t.
func Open(fname string, t fpga.Transport, opts ...Option) (*Transport, error) {
	r, err := mmap.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("replay: could not open capture: %w", err)
	}

	size, err := frameSize(r)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("replay: invalid capture %q: %w", fname, err)
	}

	tr := &Transport{
		Transport: t,
		r:         r,
		size:      size,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr, nil
}

// frameSize infers the frame size of a capture from the distance between
// its first two frame headers.
func frameSize(r *mmap.Reader) (int, error) {
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], fpga.Magic)

	head := make([]byte, 8)
	_, err := r.ReadAt(head, 0)
	if err != nil {
		return 0, fmt.Errorf("could not read first header: %w", err)
	}
	if !fpga.CheckHeader(head) {
		return 0, fmt.Errorf("capture does not start with a frame header")
	}

	max := fpga.Layout{Streams: fpga.USB3.MaxStreams()}.Size()
	for n := 1; n <= fpga.USB3.MaxStreams(); n++ {
		size := fpga.Layout{Streams: n}.Size()
		if size+8 > r.Len() {
			break
		}
		_, err = r.ReadAt(head, int64(size))
		if err != nil {
			return 0, err
		}
		if bytes.Equal(head, magic[:]) {
			if r.Len()%size != 0 {
				return 0, fmt.Errorf("capture size %d is not a multiple of the frame size %d", r.Len(), size)
			}
			return size, nil
		}
	}

	// a single frame.
	min := (fpga.Layout{Streams: 1}).Size()
	if n := r.Len(); n >= min && n <= max && (n-32)%72 == 0 {
		return n, nil
	}
	return 0, fmt.Errorf("could not find a second frame header")
}

// FrameSize returns the size of the captured frames.
func (t *Transport) FrameSize() int { return t.size }

// Frames returns the number of captured frames.
func (t *Transport) Frames() int { return t.r.Len() / t.size }

func index(ep fpga.Endpoint) int {
	switch ep {
	case fpga.WireInResetRun:
		return 0
	case fpga.WireInDataStreamEn:
		return 1
	}
	return -1
}

func (t *Transport) SetWireInValue(ep fpga.Endpoint, v, mask uint32) {
	t.mu.Lock()
	if i := index(ep); i >= 0 {
		t.pending[i] = t.pending[i]&^mask | v&mask
	}
	t.mu.Unlock()
	t.Transport.SetWireInValue(ep, v, mask)
}

func (t *Transport) UpdateWireIns() error {
	t.mu.Lock()
	t.wires = t.pending
	if !t.continuous() {
		t.running = false
	}
	t.mu.Unlock()
	return t.Transport.UpdateWireIns()
}

func (t *Transport) continuous() bool {
	return t.wires[0]&0x2 != 0
}

func (t *Transport) ActivateTriggerIn(ep fpga.Endpoint, bit int) error {
	t.mu.Lock()
	if ep == fpga.TrigInSpiStart && t.continuous() {
		defer t.mu.Unlock()
		size := fpga.Layout{Streams: bits.OnesCount32(t.wires[1] & 0xffff)}.Size()
		if size != t.size {
			return fmt.Errorf("replay: capture frames of %d bytes, acquisition frames of %d bytes", t.size, size)
		}
		t.running = true
		return nil
	}
	t.mu.Unlock()
	return t.Transport.ActivateTriggerIn(ep, bit)
}

func (t *Transport) WireOutValue(ep fpga.Endpoint) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return t.Transport.WireOutValue(ep)
	}

	// an exhausted capture reports a full FIFO: the next read fails
	// with io.EOF.
	words := uint32(t.remaining() / 2)
	if words == 0 {
		words = 1 << 24
	}
	switch {
	case ep == fpga.WireOutSpiRunning:
		return 1
	case t.Generation() == fpga.USB3 && ep == fpga.WireOutNumWords:
		return words
	case t.Generation() == fpga.USB2 && ep == fpga.WireOutNumWordsLsb:
		return words & 0xffff
	case t.Generation() == fpga.USB2 && ep == fpga.WireOutNumWordsMsb:
		return words >> 16
	}
	return t.Transport.WireOutValue(ep)
}

func (t *Transport) remaining() int64 {
	n := int64(t.r.Len()) - t.off
	if n == 0 && t.loop {
		t.off = 0
		n = int64(t.r.Len())
	}
	return n
}

func (t *Transport) ReadFromPipeOut(ep fpga.Endpoint, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return t.Transport.ReadFromPipeOut(ep, p)
	}
	if ep != fpga.PipeOutData {
		return 0, fmt.Errorf("replay: invalid pipe endpoint 0x%x", ep)
	}

	n := 0
	for n < len(p) {
		if t.remaining() == 0 {
			break
		}
		m, err := t.r.ReadAt(p[n:], t.off)
		t.off += int64(m)
		n += m
		if err != nil && err != io.EOF {
			return n, fmt.Errorf("replay: could not read capture: %w", err)
		}
	}
	switch {
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	case n < len(p):
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// Close closes the capture and the wrapped transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	err1 := t.r.Close()
	err2 := t.Transport.Close()
	if err1 != nil {
		return fmt.Errorf("replay: could not close capture: %w", err1)
	}
	return err2
}

var _ fpga.Transport = (*Transport)(nil)
