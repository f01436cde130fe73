// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package jtag

import (
	"context"
	"errors"

	"periph.io/x/conn/v3/physic"
)

// TRSTMode is the requested drive for the optional TRST hardware line.
type TRSTMode int

const (
	TRSTOn TRSTMode = iota
	TRSTOff
	TRSTZ
	TRSTAbsent
)

func (m TRSTMode) String() string {
	switch m {
	case TRSTOn:
		return "ON"
	case TRSTOff:
		return "OFF"
	case TRSTZ:
		return "Z"
	case TRSTAbsent:
		return "ABSENT"
	}
	return "TRST(?)"
}

// ErrCaptureUnsupported is returned by an adapter that cannot sample TDO
// reliably for the requested transfer size.
var ErrCaptureUnsupported = errors.New("jtag: TDO capture not supported for this transfer")

// AdapterError wraps a wire-level failure with the adapter stage it
// happened in.
type AdapterError struct {
	Stage string
	Err   error
}

func (e *AdapterError) Error() string {
	return "jtag: " + e.Stage + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Adapter converts bit-level shift requests into the wire protocol of a
// particular JTAG cable. It holds no TAP state of its own: the TMS and TDI
// bits it transmits come verbatim from the caller.
//
// tdi and tms are packed LSB-first. On TCK edge i the adapter presents
// tdi[i/8]>>(i%8)&1 and the matching tms bit; the last bit's TMS value is
// transmitted too, so the TAP transitions after the final rising edge.
type Adapter interface {
	// Shift clocks n TCK edges with per-bit TDI and TMS. When capture is
	// set the returned slice holds n bits of TDO, packed LSB-first; an
	// adapter that cannot sample reliably at this size returns
	// ErrCaptureUnsupported.
	Shift(ctx context.Context, tdi, tms []byte, n int, capture bool) ([]byte, error)

	// ShiftBytes is the write-only fast path for whole-byte payloads: TMS
	// is held low on every bit except the last, which exits the shift
	// state. n must be 8*len(tdi).
	ShiftBytes(ctx context.Context, tdi []byte, n int) error

	// ToggleClock emits cycles TCK edges with TMS=0 and TDI=0.
	ToggleClock(ctx context.Context, cycles int) error

	// Flush pushes any buffered command bytes to the hardware.
	Flush(ctx context.Context) error

	// SetClock requests a TCK frequency and returns the frequency actually
	// programmed. Adapters with a fixed clock return that clock.
	SetClock(ctx context.Context, f physic.Frequency) (physic.Frequency, error)

	// SetTRST drives the optional TRST line. Cables without the line
	// record the request and return nil.
	SetTRST(ctx context.Context, mode TRSTMode) error

	Close() error
}
