// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package usb implements fpga.Transport for Rhythm boards connected
// through libusb.
//
// Wire-ins are buffered on the host and sent as a single block of 32
// words by UpdateWireIns. Wire-outs are latched as a single block of 32
// words by UpdateWireOuts. Triggers are single vendor requests, and the
// data pipe is a bulk IN endpoint.
package usb // import "github.com/go-lpc/rhythm/usb"

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/gotmc/libusb"
)

// VendorID is the USB vendor of the FPGA modules.
const VendorID = 0x151f

// Default product identifiers of the FPGA modules.
const (
	ProductUSB2 = 0x0024
	ProductUSB3 = 0x0030
)

// vendor requests.
const (
	reqConfigure = 0xb0
	reqWireIns   = 0xb1
	reqWireOuts  = 0xb2
	reqTrigger   = 0xb3
)

const (
	epPipeIn  = 0x86
	epPipeOut = 0x02

	numWires  = 32
	chunkSize = 16 * 1024
)

// link is the raw USB access used by Transport.
type link interface {
	control(in bool, req byte, value, index uint16, data []byte) (int, error)
	bulkIn(p []byte) (int, error)
	bulkOut(p []byte) (int, error)
	close() error
}

// Option configures a USB transport.
type Option func(*config)

type config struct {
	product uint16
	timeout int // milliseconds
}

// WithProduct selects the USB product identifier of the board.
func WithProduct(pid uint16) Option {
	return func(cfg *config) { cfg.product = pid }
}

// WithTimeout sets the timeout (ms) of USB transfers.
func WithTimeout(ms int) Option {
	return func(cfg *config) { cfg.timeout = ms }
}

// Transport is a Rhythm board connected through libusb.
type Transport struct {
	mu  sync.Mutex
	gen fpga.Generation
	usb link

	pending [numWires]uint32
	outs    [numWires]uint32
}

// Open opens the first board of generation gen.
//
// It returns an error wrapping fpga.ErrDriverMissing when libusb cannot
// be initialized, and fpga.ErrDeviceNotFound when no board is connected.
func Open(gen fpga.Generation, opts ...Option) (*Transport, error) {
	cfg := config{
		product: ProductUSB2,
		timeout: 1000,
	}
	if gen == fpga.USB3 {
		cfg.product = ProductUSB3
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, err := libusb.NewContext()
	if err != nil {
		return nil, fmt.Errorf("usb: could not create libusb context: %v: %w", err, fpga.ErrDriverMissing)
	}

	_, dh, err := ctx.OpenDeviceWithVendorProduct(VendorID, cfg.product)
	if err != nil || dh == nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("usb: could not open board %04x:%04x: %v: %w",
			VendorID, cfg.product, err, fpga.ErrDeviceNotFound,
		)
	}

	err = dh.ClaimInterface(0)
	if err != nil {
		_ = dh.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("usb: could not claim interface: %w", err)
	}

	return newTransport(gen, &device{
		ctx:     ctx,
		dh:      dh,
		timeout: cfg.timeout,
	}), nil
}

func newTransport(gen fpga.Generation, usb link) *Transport {
	return &Transport{gen: gen, usb: usb}
}

func (t *Transport) Generation() fpga.Generation { return t.gen }

// ConfigureFPGA uploads the bitfile to the FPGA.
func (t *Transport) ConfigureFPGA(bitfile string) error {
	raw, err := os.ReadFile(bitfile)
	if err != nil {
		return fmt.Errorf("usb: could not read bitfile: %v: %w", err, fpga.ErrFirmwareMissing)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(raw)))
	_, err = t.usb.control(false, reqConfigure, 0, 0, size[:])
	if err != nil {
		return fmt.Errorf("usb: could not start configuration: %w", err)
	}

	for beg := 0; beg < len(raw); beg += chunkSize {
		end := beg + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		n, err := t.usb.bulkOut(raw[beg:end])
		if err != nil {
			return fmt.Errorf("usb: could not send bitfile: %w", err)
		}
		if n != end-beg {
			return fmt.Errorf("usb: short bitfile write (got=%d, want=%d)", n, end-beg)
		}
	}

	var status [1]byte
	_, err = t.usb.control(true, reqConfigure, 1, 0, status[:])
	if err != nil {
		return fmt.Errorf("usb: could not end configuration: %w", err)
	}
	if status[0] != 0 {
		return fmt.Errorf("usb: FPGA rejected bitfile %q (status=%d)", bitfile, status[0])
	}
	return nil
}

func (t *Transport) SetWireInValue(ep fpga.Endpoint, v, mask uint32) {
	if int(ep) >= numWires {
		return
	}
	t.mu.Lock()
	t.pending[ep] = t.pending[ep]&^mask | v&mask
	t.mu.Unlock()
}

func (t *Transport) UpdateWireIns() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf [4 * numWires]byte
	for i, v := range t.pending {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	_, err := t.usb.control(false, reqWireIns, 0, 0, buf[:])
	if err != nil {
		return fmt.Errorf("usb: could not send wire-ins: %w", err)
	}
	return nil
}

func (t *Transport) UpdateWireOuts() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf [4 * numWires]byte
	n, err := t.usb.control(true, reqWireOuts, 0, 0, buf[:])
	if err != nil {
		return fmt.Errorf("usb: could not read wire-outs: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("usb: short wire-out read (got=%d, want=%d)", n, len(buf))
	}
	for i := range t.outs {
		t.outs[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return nil
}

// WireOutValue returns the latched value of the wire-out endpoint
// (0x20-0x3f).
func (t *Transport) WireOutValue(ep fpga.Endpoint) uint32 {
	i := int(ep) - numWires
	if i < 0 || i >= numWires {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outs[i]
}

func (t *Transport) ActivateTriggerIn(ep fpga.Endpoint, bit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.usb.control(false, reqTrigger, uint16(ep), uint16(bit), nil)
	if err != nil {
		return fmt.Errorf("usb: could not activate trigger 0x%x/%d: %w", ep, bit, err)
	}
	return nil
}

func (t *Transport) ReadFromPipeOut(ep fpga.Endpoint, p []byte) (int, error) {
	if ep != fpga.PipeOutData {
		return 0, fmt.Errorf("usb: invalid pipe endpoint 0x%x", ep)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for n < len(p) {
		end := n + chunkSize
		if end > len(p) {
			end = len(p)
		}
		m, err := t.usb.bulkIn(p[n:end])
		n += m
		if err != nil {
			return n, fmt.Errorf("usb: could not read data pipe: %w", err)
		}
		if m == 0 {
			break
		}
	}
	return n, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usb.close()
}

// device is a libusb handle to a board.
type device struct {
	ctx     *libusb.Context
	dh      *libusb.DeviceHandle
	timeout int
}

func (dev *device) control(in bool, req byte, value, index uint16, data []byte) (int, error) {
	dir := libusb.HostToDevice
	if in {
		dir = libusb.DeviceToHost
	}
	rtype := libusb.BitmapRequestType(dir, libusb.Vendor, libusb.DeviceRecipient)
	return dev.dh.ControlTransfer(rtype, req, value, index, data, len(data), dev.timeout)
}

func (dev *device) bulkIn(p []byte) (int, error) {
	return dev.dh.BulkTransfer(epPipeIn, p, len(p), dev.timeout)
}

func (dev *device) bulkOut(p []byte) (int, error) {
	return dev.dh.BulkTransfer(epPipeOut, p, len(p), dev.timeout)
}

func (dev *device) close() error {
	err1 := dev.dh.ReleaseInterface(0)
	err2 := dev.dh.Close()
	err3 := dev.ctx.Close()
	switch {
	case err1 != nil:
		return fmt.Errorf("usb: could not release interface: %w", err1)
	case err2 != nil:
		return fmt.Errorf("usb: could not close device: %w", err2)
	case err3 != nil:
		return fmt.Errorf("usb: could not close libusb context: %w", err3)
	}
	return nil
}

var (
	_ fpga.Transport = (*Transport)(nil)
	_ link           = (*device)(nil)
)
