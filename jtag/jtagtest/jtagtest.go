// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package jtagtest provides a scripted in-memory adapter for testing
// code that drives the TAP engine.
package jtagtest

import (
	"context"

	"periph.io/x/conn/v3/physic"

	"github.com/jtaglab/jtagprog/jtag"
)

// Op records one adapter call.
type Op struct {
	Kind    string // "shift", "shiftbytes", "toggle", "trst"
	N       int    // bits or cycles
	TDI     []byte
	TMS     []byte
	Capture bool
	TRST    jtag.TRSTMode
}

// TMSBits unpacks the recorded TMS stream of a shift.
func (o Op) TMSBits() []bool {
	out := make([]bool, o.N)
	for i := range out {
		out[i] = o.TMS[i/8]>>(uint(i)%8)&1 != 0
	}
	return out
}

// Fake implements jtag.Adapter against a simulated TAP. It tracks the
// state the transmitted TMS bits put the device in, counts TCK edges and
// records every call for inspection.
type Fake struct {
	State jtag.State
	Ops   []Op
	Edges int

	// MaxCapture, when non-zero, declines captures above that many bits
	// the way the legacy cable does.
	MaxCapture int

	// CaptureFunc supplies TDO data for capturing shifts. The default is
	// all zeros. The returned slice is clamped to the bit count.
	CaptureFunc func(f *Fake, op Op) []byte
}

var _ jtag.Adapter = (*Fake)(nil)

// New returns a fake whose simulated TAP starts in Test-Logic-Reset.
func New() *Fake {
	return &Fake{State: jtag.Reset}
}

func bitAt(b []byte, i int) bool {
	if i/8 >= len(b) {
		return false
	}
	return b[i/8]>>(uint(i)%8)&1 != 0
}

func (f *Fake) Shift(ctx context.Context, tdi, tms []byte, n int, capture bool) ([]byte, error) {
	if capture && f.MaxCapture > 0 && n > f.MaxCapture {
		return nil, jtag.ErrCaptureUnsupported
	}
	op := Op{Kind: "shift", N: n, TDI: append([]byte(nil), tdi...), TMS: append([]byte(nil), tms...), Capture: capture}
	f.Ops = append(f.Ops, op)
	f.Edges += n
	for i := 0; i < n; i++ {
		f.State = jtag.Next(f.State, bitAt(tms, i))
	}
	if !capture {
		return nil, nil
	}
	out := make([]byte, (n+7)/8)
	if f.CaptureFunc != nil {
		copy(out, f.CaptureFunc(f, op))
		if r := n % 8; r != 0 {
			out[len(out)-1] &= byte(1<<uint(r)) - 1
		}
	}
	return out, nil
}

func (f *Fake) ShiftBytes(ctx context.Context, tdi []byte, n int) error {
	tms := make([]byte, len(tdi))
	if len(tms) > 0 {
		tms[len(tms)-1] = 0x80
	}
	f.Ops = append(f.Ops, Op{Kind: "shiftbytes", N: n, TDI: append([]byte(nil), tdi...), TMS: tms})
	f.Edges += n
	for i := 0; i < n; i++ {
		f.State = jtag.Next(f.State, i == n-1)
	}
	return nil
}

func (f *Fake) ToggleClock(ctx context.Context, cycles int) error {
	f.Ops = append(f.Ops, Op{Kind: "toggle", N: cycles})
	f.Edges += cycles
	for i := 0; i < cycles && i < 4; i++ {
		f.State = jtag.Next(f.State, false)
	}
	return nil
}

func (f *Fake) Flush(ctx context.Context) error {
	return nil
}

func (f *Fake) SetClock(ctx context.Context, fr physic.Frequency) (physic.Frequency, error) {
	return fr, nil
}

func (f *Fake) SetTRST(ctx context.Context, mode jtag.TRSTMode) error {
	f.Ops = append(f.Ops, Op{Kind: "trst", TRST: mode})
	return nil
}

func (f *Fake) Close() error {
	return nil
}

// ShiftOps filters the recorded operations down to shifts.
func (f *Fake) ShiftOps() []Op {
	var out []Op
	for _, op := range f.Ops {
		if op.Kind == "shift" || op.Kind == "shiftbytes" {
			out = append(out, op)
		}
	}
	return out
}
