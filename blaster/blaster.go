// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package blaster drives the Altera USB-Blaster family: an FT245 behind
// custom firmware, programmed two bytes per TCK edge in bit-bang mode with
// a 63-byte byte-shift fast path.
//
// Wire protocol as reverse engineered in the usb_blaster OpenOCD driver:
// https://github.com/openocd-org/openocd/blob/master/src/jtag/drivers/usb_blaster/usb_blaster.c
package blaster

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/jtaglab/jtagprog/jtag"
	"github.com/jtaglab/jtagprog/usblink"
)

// USB identity of the USB-Blaster.
const (
	VID = 0x09FB
	PID = 0x6001
)

// Bit-bang byte layout. The base value keeps the chip-select lines high.
const (
	lineBase = 0x2C
	lineTCK  = 0x01
	lineTMS  = 0x02
	lineTDI  = 0x10
	lineRead = 0x40
)

// Byte-shift mode: command 0x80|N, then N data bytes, N in 1..63.
const (
	byteShift    = 0x80
	byteShiftMax = 63
)

const (
	// TMS=1 cycles clocked at init to force the TAP into Test-Logic-Reset
	// no matter what state a previous run left it in.
	initFlushCycles = 2000

	// Writes beyond this trigger a best-effort drain so the FT245 does
	// not back up.
	burstDrain = 4096

	// The fixed TCK rate of the dongle firmware.
	fixedClock = 6 * physic.MegaHertz
)

// link is the slice of usblink.Device the blaster needs.
type link interface {
	Reset(ctx context.Context) error
	PurgeRX(ctx context.Context) error
	PurgeTX(ctx context.Context) error
	SetLatencyTimer(ctx context.Context, ms uint8) error
	Write(ctx context.Context, b []byte) error
	Read(ctx context.Context, max int, timeout time.Duration) ([]byte, error)
	Drain(ctx context.Context) error
	Close() error
}

// Blaster is the legacy bit-bang adapter.
type Blaster struct {
	link link
	log  logrus.FieldLogger

	// tmsLow records that the last byte put on the wire left TMS=0, which
	// byte-shift mode then holds for the whole burst.
	tmsLow bool
}

var _ jtag.Adapter = (*Blaster)(nil)

// Open finds a USB-Blaster and initializes it.
func Open(ctx context.Context, log logrus.FieldLogger) (*Blaster, error) {
	dev, err := usblink.Open(ctx, VID, PID, 0, log)
	if err != nil {
		return nil, err
	}
	b, err := New(ctx, dev, log)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return b, nil
}

// New initializes a blaster over an already-open link.
func New(ctx context.Context, l link, log logrus.FieldLogger) (*Blaster, error) {
	b := &Blaster{link: l, log: log}
	if err := b.init(ctx); err != nil {
		return nil, &jtag.AdapterError{Stage: "blaster init", Err: err}
	}
	return b, nil
}

func (b *Blaster) init(ctx context.Context) error {
	// A NAKed reset is survivable; the firmware is often fine regardless.
	if err := b.link.Reset(ctx); err != nil {
		b.log.Warnf("blaster: device reset not acknowledged: %v", err)
	}
	if err := b.link.PurgeRX(ctx); err != nil {
		return err
	}
	if err := b.link.PurgeTX(ctx); err != nil {
		return err
	}
	if err := b.link.SetLatencyTimer(ctx, 2); err != nil {
		return err
	}
	if err := b.link.Drain(ctx); err != nil {
		return err
	}
	// Hammer TMS=1 long enough that the TAP is in Test-Logic-Reset even if
	// a previous session died mid-shift.
	buf := make([]byte, 0, initFlushCycles*2)
	for i := 0; i < initFlushCycles; i++ {
		buf = appendEdge(buf, false, true, false)
	}
	b.tmsLow = false
	return b.link.Write(ctx, buf)
}

// appendEdge appends the setup and clock bytes for one TCK edge.
func appendEdge(buf []byte, tdi, tms, read bool) []byte {
	setup := byte(lineBase)
	if tms {
		setup |= lineTMS
	}
	if tdi {
		setup |= lineTDI
	}
	clock := setup | lineTCK
	if read {
		clock |= lineRead
	}
	return append(buf, setup, clock)
}

func bitAt(b []byte, i int) bool {
	if i/8 >= len(b) {
		return false
	}
	return b[i/8]>>(uint(i)%8)&1 != 0
}

// byteAt extracts 8 bits starting at bit offset i.
func byteAt(b []byte, i int) byte {
	if i%8 == 0 {
		return b[i/8]
	}
	v := b[i/8] >> (uint(i) % 8)
	if i/8+1 < len(b) {
		v |= b[i/8+1] << (8 - uint(i)%8)
	}
	return v
}

// appendByteShift appends byte-shift commands for the given whole bytes,
// inserting an anchor byte first if the TMS line may still be high.
func (b *Blaster) appendByteShift(buf, data []byte) []byte {
	if !b.tmsLow {
		buf = append(buf, lineBase)
		b.tmsLow = true
	}
	for len(data) > 0 {
		n := len(data)
		if n > byteShiftMax {
			n = byteShiftMax
		}
		buf = append(buf, byteShift|byte(n))
		buf = append(buf, data[:n]...)
		data = data[n:]
	}
	return buf
}

// Shift implements jtag.Adapter.
//
// Write-only shifts ride the byte-shift fast path for every run of 8 or
// more TMS=0 bits; everything else, and always the final bit, goes out in
// bit-bang mode. Capture is only trusted up to 8 bits: the FT245 read path
// drops data on bulk reads, so larger capture requests are declined.
func (b *Blaster) Shift(ctx context.Context, tdi, tms []byte, n int, capture bool) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if capture {
		if n > 8 {
			return nil, jtag.ErrCaptureUnsupported
		}
		return b.shiftRead(ctx, tdi, tms, n)
	}
	var buf []byte
	for i := 0; i < n; {
		if !bitAt(tms, i) {
			// Run of TMS=0 bits, reserving the final bit for bit-bang.
			run := 0
			for i+run < n-1 && !bitAt(tms, i+run) {
				run++
			}
			if nb := run / 8; nb > 0 {
				body := make([]byte, nb)
				for j := range body {
					body[j] = byteAt(tdi, i+j*8)
				}
				buf = b.appendByteShift(buf, body)
				i += nb * 8
				continue
			}
		}
		tmsBit := bitAt(tms, i)
		buf = appendEdge(buf, bitAt(tdi, i), tmsBit, false)
		b.tmsLow = !tmsBit
		i++
	}
	if err := b.link.Write(ctx, buf); err != nil {
		return nil, &jtag.AdapterError{Stage: "bit-bang shift", Err: err}
	}
	if len(buf) >= burstDrain {
		// Pace the firmware; it has no flow control to speak of.
		_, _ = b.link.Read(ctx, 64, usblink.DrainTimeout)
	}
	return nil, nil
}

// shiftRead bit-bangs up to 8 edges with the read-enable bit set and
// collects one response byte per edge, TDO in bit 0.
func (b *Blaster) shiftRead(ctx context.Context, tdi, tms []byte, n int) ([]byte, error) {
	var buf []byte
	for i := 0; i < n; i++ {
		tmsBit := bitAt(tms, i)
		buf = appendEdge(buf, bitAt(tdi, i), tmsBit, true)
		b.tmsLow = !tmsBit
	}
	if err := b.link.Write(ctx, buf); err != nil {
		return nil, &jtag.AdapterError{Stage: "bit-bang read shift", Err: err}
	}
	got := make([]byte, 0, n)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n {
		if time.Now().After(deadline) {
			return nil, &jtag.AdapterError{Stage: "bit-bang read shift", Err: usblink.ErrTimeout}
		}
		chunk, err := b.link.Read(ctx, n-len(got), usblink.DrainTimeout)
		if err != nil {
			return nil, &jtag.AdapterError{Stage: "bit-bang read shift", Err: err}
		}
		got = append(got, chunk...)
	}
	out := make([]byte, 1)
	for i := 0; i < n; i++ {
		if got[i]&1 != 0 {
			out[0] |= 1 << uint(i)
		}
	}
	return out, nil
}

// ShiftBytes implements jtag.Adapter. The byte-shift burst carries every
// byte; the final bit is then replayed in bit-bang mode with TMS=1 so the
// exit edge is under bit-bang control.
func (b *Blaster) ShiftBytes(ctx context.Context, tdi []byte, n int) error {
	if n != len(tdi)*8 {
		return fmt.Errorf("blaster: ShiftBytes wants whole bytes, got %d bits for %d bytes", n, len(tdi))
	}
	if len(tdi) == 0 {
		return nil
	}
	buf := []byte{lineBase}
	b.tmsLow = true
	for off := 0; off < len(tdi); off += byteShiftMax {
		end := off + byteShiftMax
		if end > len(tdi) {
			end = len(tdi)
		}
		buf = append(buf, byteShift|byte(end-off))
		buf = append(buf, tdi[off:end]...)
	}
	lastBit := tdi[len(tdi)-1]&0x80 != 0
	buf = appendEdge(buf, lastBit, true, false)
	b.tmsLow = false
	if err := b.link.Write(ctx, buf); err != nil {
		return &jtag.AdapterError{Stage: "byte shift", Err: err}
	}
	if len(buf) >= burstDrain {
		_, _ = b.link.Read(ctx, 64, usblink.DrainTimeout)
	}
	return nil
}

// ToggleClock implements jtag.Adapter: an anchor byte pins TMS and TDI
// low, then zero bytes are byte-shifted. The count rounds up to a whole
// byte, which is harmless in a stable state.
func (b *Blaster) ToggleClock(ctx context.Context, cycles int) error {
	if cycles <= 0 {
		return nil
	}
	buf := []byte{lineBase}
	b.tmsLow = true
	zeros := make([]byte, (cycles+7)/8)
	for off := 0; off < len(zeros); off += byteShiftMax {
		end := off + byteShiftMax
		if end > len(zeros) {
			end = len(zeros)
		}
		buf = append(buf, byteShift|byte(end-off))
		buf = append(buf, zeros[off:end]...)
	}
	if err := b.link.Write(ctx, buf); err != nil {
		return &jtag.AdapterError{Stage: "toggle clock", Err: err}
	}
	if len(buf) >= burstDrain {
		_, _ = b.link.Read(ctx, 64, usblink.DrainTimeout)
	}
	return nil
}

// Flush implements jtag.Adapter. Writes go straight to the wire.
func (b *Blaster) Flush(ctx context.Context) error {
	return nil
}

// SetClock implements jtag.Adapter. The dongle firmware clocks TCK at a
// fixed rate.
func (b *Blaster) SetClock(ctx context.Context, f physic.Frequency) (physic.Frequency, error) {
	if f != 0 && f < fixedClock {
		b.log.Warnf("blaster: requested %s but TCK is fixed at %s", f, fixedClock)
	}
	return fixedClock, nil
}

// SetTRST implements jtag.Adapter. The cable has no TRST line.
func (b *Blaster) SetTRST(ctx context.Context, mode jtag.TRSTMode) error {
	b.log.Debugf("blaster: TRST %s ignored (no TRST line)", mode)
	return nil
}

func (b *Blaster) Close() error {
	return b.link.Close()
}
