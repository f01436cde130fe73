// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package usblink opens FTDI-style USB devices and provides the raw
// transport the JTAG adapters run on: bulk OUT/IN transfers plus the FTDI
// vendor control requests.
//
// FTDI vendor request reference:
// https://www.intra2net.com/en/developer/libftdi/documentation/ftdi_8h_source.html
package usblink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// FTDI vendor requests on endpoint 0.
const (
	reqReset           = 0x00
	reqSetLatencyTimer = 0x09
	reqSetBitMode      = 0x0B

	resetSIO     = 0
	resetPurgeRX = 1
	resetPurgeTX = 2
)

// Bit modes for SetBitMode.
const (
	BitModeReset   = 0x00
	BitModeBitbang = 0x01
	BitModeMPSSE   = 0x02
)

const (
	// Bulk OUT chunk size; matches the FTDI driver buffer.
	writeChunk = 4096

	// DefaultWriteTimeout bounds a single bulk OUT transfer.
	DefaultWriteTimeout = 2 * time.Second

	// DrainTimeout paces the best-effort reads that empty the IN queue.
	DrainTimeout = 50 * time.Millisecond
)

var (
	ErrDeviceNotFound   = errors.New("usblink: device not found")
	ErrEndpointsMissing = errors.New("usblink: bulk endpoints missing")
	ErrTimeout          = errors.New("usblink: transfer timed out")
)

// TransferError reports a failed bulk or control transfer.
type TransferError struct {
	Direction string // "in", "out" or "control"
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("usblink: %s transfer failed: %v", e.Direction, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Device is an open USB device with one claimed interface and a located
// bulk endpoint pair. It is stateless with respect to JTAG.
type Device struct {
	usb  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint

	vid, pid uint16
	// FTDI port number carried in the control wIndex: 1-based channel on
	// the FT2232H family, 0 on the FT245 era parts.
	index uint16

	log          logrus.FieldLogger
	writeTimeout time.Duration
}

// Open opens the first device matching vid/pid, claims interface 0 and
// finds its bulk endpoints. index is the FTDI port number used in control
// requests.
func Open(ctx context.Context, vid, pid uint16, index uint16, log logrus.FieldLogger) (*Device, error) {
	usb := gousb.NewContext()
	d, err := open(ctx, usb, vid, pid, index, log)
	if err != nil {
		usb.Close()
		return nil, err
	}
	d.usb = usb
	return d, nil
}

func open(ctx context.Context, usb *gousb.Context, vid, pid uint16, index uint16, log logrus.FieldLogger) (*Device, error) {
	dev, err := usb.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, &TransferError{Direction: "control", Err: err}
	}
	if dev == nil {
		return nil, ErrDeviceNotFound
	}
	// The kernel ftdi_sio driver grabs these devices on Linux.
	_ = dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("usblink: claiming config 1: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		_ = cfg.Close()
		_ = dev.Close()
		return nil, fmt.Errorf("usblink: claiming interface 0: %w", err)
	}

	d := &Device{
		dev: dev, cfg: cfg, intf: intf,
		vid: vid, pid: pid, index: index,
		log:          log,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && d.in == nil {
			if d.in, err = intf.InEndpoint(ep.Number); err != nil {
				d.Close()
				return nil, &TransferError{Direction: "in", Err: err}
			}
		}
		if ep.Direction == gousb.EndpointDirectionOut && d.out == nil {
			if d.out, err = intf.OutEndpoint(ep.Number); err != nil {
				d.Close()
				return nil, &TransferError{Direction: "out", Err: err}
			}
		}
	}
	if d.in == nil || d.out == nil {
		d.Close()
		return nil, ErrEndpointsMissing
	}
	log.Debugf("opened %04x:%04x, bulk out EP%d in EP%d", vid, pid, d.out.Desc.Number, d.in.Desc.Number)
	return d, nil
}

// VID returns the vendor id the device was opened with.
func (d *Device) VID() uint16 { return d.vid }

// PID returns the product id the device was opened with.
func (d *Device) PID() uint16 { return d.pid }

func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		_ = d.cfg.Close()
		d.cfg = nil
	}
	var err error
	if d.dev != nil {
		err = d.dev.Close()
		d.dev = nil
	}
	if d.usb != nil {
		_ = d.usb.Close()
		d.usb = nil
	}
	return err
}

func (d *Device) control(request uint8, value uint16) error {
	rt := uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)
	if _, err := d.dev.Control(rt, request, value, d.index, nil); err != nil {
		return &TransferError{Direction: "control", Err: err}
	}
	return nil
}

// Reset performs the FTDI full reset.
func (d *Device) Reset(ctx context.Context) error {
	return d.control(reqReset, resetSIO)
}

// PurgeRX discards the device-side receive buffer.
func (d *Device) PurgeRX(ctx context.Context) error {
	return d.control(reqReset, resetPurgeRX)
}

// PurgeTX discards the device-side transmit buffer.
func (d *Device) PurgeTX(ctx context.Context) error {
	return d.control(reqReset, resetPurgeTX)
}

// SetLatencyTimer sets the IN packetisation latency in milliseconds.
func (d *Device) SetLatencyTimer(ctx context.Context, ms uint8) error {
	return d.control(reqSetLatencyTimer, uint16(ms))
}

// SetBitMode selects the pin mode; mask picks which DBus pins are outputs.
func (d *Device) SetBitMode(ctx context.Context, mask, mode uint8) error {
	return d.control(reqSetBitMode, uint16(mode)<<8|uint16(mask))
}

// Write pushes b out the bulk OUT endpoint, chunked, blocking until all of
// it is accepted or the per-chunk timeout hits.
func (d *Device) Write(ctx context.Context, b []byte) error {
	for off := 0; off < len(b); {
		chunk := len(b) - off
		if chunk > writeChunk {
			chunk = writeChunk
		}
		wctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
		n, err := d.out.WriteContext(wctx, b[off:off+chunk])
		cancel()
		if err != nil {
			if wctx.Err() != nil && ctx.Err() == nil {
				return ErrTimeout
			}
			return &TransferError{Direction: "out", Err: err}
		}
		off += n
	}
	return nil
}

// Read performs one bulk IN transfer of up to max payload bytes and strips
// the 2 modem/line-status bytes the FTDI prepends to every packet. A
// timeout with nothing received returns an empty slice, not an error.
func (d *Device) Read(ctx context.Context, max int, timeout time.Duration) ([]byte, error) {
	ps := d.in.Desc.MaxPacketSize
	raw := make([]byte, rawSize(max, ps))
	rctx, cancel := context.WithTimeout(ctx, timeout)
	n, err := d.in.ReadContext(rctx, raw)
	cancel()
	if err != nil && n == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rctx.Err() != nil {
			return nil, nil
		}
		return nil, &TransferError{Direction: "in", Err: err}
	}
	return stripStatus(raw[:n], ps), nil
}

// Drain empties the IN queue on a best-effort basis.
func (d *Device) Drain(ctx context.Context) error {
	for i := 0; i < 16; i++ {
		b, err := d.Read(ctx, 4096, DrainTimeout)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return nil
		}
		d.log.Debugf("drained %d stale bytes", len(b))
	}
	return nil
}

// rawSize returns the transfer size needed to carry max payload bytes once
// the per-packet status header is added.
func rawSize(max, packetSize int) int {
	if packetSize <= 2 {
		return max
	}
	packets := (max + packetSize - 3) / (packetSize - 2)
	if packets < 1 {
		packets = 1
	}
	return packets * packetSize
}

// stripStatus removes the leading 2 status bytes of each packet in a raw
// IN transfer, including packets that carry no payload.
func stripStatus(raw []byte, packetSize int) []byte {
	if packetSize <= 2 {
		return raw
	}
	var out []byte
	for off := 0; off < len(raw); off += packetSize {
		end := off + packetSize
		if end > len(raw) {
			end = len(raw)
		}
		if end-off <= 2 {
			continue
		}
		out = append(out, raw[off+2:end]...)
	}
	return out
}
