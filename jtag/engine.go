// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package jtag

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Engine drives a single TAP through an Adapter. It mirrors the state the
// real device's controller is in; the mirror is only trustworthy once
// Reset has run.
type Engine struct {
	ad  Adapter
	log logrus.FieldLogger

	state State
}

// NewEngine wraps an adapter. Call Reset before the first scan so the
// tracked state and the device agree.
func NewEngine(ad Adapter, log logrus.FieldLogger) *Engine {
	return &Engine{ad: ad, log: log, state: Reset}
}

// Adapter returns the wire adapter the engine drives.
func (e *Engine) Adapter() Adapter {
	return e.ad
}

// State returns the tracked TAP state.
func (e *Engine) State() State {
	return e.state
}

// apply advances the tracked state over a transmitted TMS sequence.
func (e *Engine) apply(tms []bool) {
	for _, b := range tms {
		e.state = Next(e.state, b)
	}
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// MoveTo walks the TAP to target over the shortest TMS path, holding TDI
// low. It is a no-op when already there.
func (e *Engine) MoveTo(ctx context.Context, target State) error {
	path := Path(e.state, target)
	if len(path) == 0 {
		return nil
	}
	tms := packBits(path)
	tdi := make([]byte, len(tms))
	if _, err := e.ad.Shift(ctx, tdi, tms, len(path), false); err != nil {
		return err
	}
	e.apply(path)
	return nil
}

// Reset forces the TAP into Test-Logic-Reset with a long TMS=1 burst, then
// steps into Run-Test/Idle. Five TMS=1 cycles are the architectural
// minimum; a much longer burst also recovers a device left mid-shift.
func (e *Engine) Reset(ctx context.Context) error {
	const ones = 100
	seq := make([]bool, ones+1)
	for i := 0; i < ones; i++ {
		seq[i] = true
	}
	tms := packBits(seq)
	tdi := make([]byte, len(tms))
	if _, err := e.ad.Shift(ctx, tdi, tms, len(seq), false); err != nil {
		return err
	}
	e.state = Idle
	e.log.Debugf("TAP reset, %d TMS=1 cycles", ones)
	return nil
}

// ScanOpts shapes a ShiftIR/ShiftDR operation. Header and Trailer are
// fixed bit strings shifted before and after the payload while staying in
// the shift state. End is the state to finish in; when End is the shift
// state itself the scan does not exit, so a later scan can append more
// bits to the same register.
type ScanOpts struct {
	Header  Vector
	Trailer Vector
	End     State
	Capture bool
}

// ShiftIR shifts data into the instruction register.
func (e *Engine) ShiftIR(ctx context.Context, data Vector, o ScanOpts) (Vector, error) {
	return e.scan(ctx, IRShift, data, o)
}

// ShiftDR shifts data into the data register.
func (e *Engine) ShiftDR(ctx context.Context, data Vector, o ScanOpts) (Vector, error) {
	return e.scan(ctx, DRShift, data, o)
}

func (e *Engine) scan(ctx context.Context, shift State, data Vector, o ScanOpts) (Vector, error) {
	if data.Bits == 0 {
		return Vector{}, fmt.Errorf("jtag: zero-length scan")
	}
	if err := e.MoveTo(ctx, shift); err != nil {
		return Vector{}, err
	}
	exit := o.End != shift

	if !o.Header.Empty() {
		zeros := make([]byte, len(o.Header.Data))
		if _, err := e.ad.Shift(ctx, o.Header.Data, zeros, o.Header.Bits, false); err != nil {
			return Vector{}, err
		}
		// All header TMS bits are zero: still in the shift state.
	}

	// The payload's last bit carries the exit TMS edge unless a trailer
	// follows it.
	tms := make([]byte, (data.Bits+7)/8)
	exitOnPayload := exit && o.Trailer.Empty()
	if exitOnPayload {
		last := data.Bits - 1
		tms[last/8] |= 1 << (uint(last) % 8)
	}
	tdo, err := e.ad.Shift(ctx, data.Data, tms, data.Bits, o.Capture)
	if err != nil {
		return Vector{}, err
	}
	if exitOnPayload {
		e.state = Next(e.state, true)
	}

	if !o.Trailer.Empty() {
		ttms := make([]byte, len(o.Trailer.Data))
		if exit {
			last := o.Trailer.Bits - 1
			ttms[last/8] |= 1 << (uint(last) % 8)
		}
		if _, err := e.ad.Shift(ctx, o.Trailer.Data, ttms, o.Trailer.Bits, false); err != nil {
			return Vector{}, err
		}
		if exit {
			e.state = Next(e.state, true)
		}
	}

	if err := e.MoveTo(ctx, o.End); err != nil {
		return Vector{}, err
	}
	var out Vector
	if o.Capture {
		out = VectorFromBytes(tdo, data.Bits)
	}
	return out, nil
}

// StreamDR shifts whole payload bytes into the data register through the
// adapter's fast path, exiting on the final bit. A TAP that is not already
// in DRShift (from a prior scan with End == DRShift) is moved there first.
func (e *Engine) StreamDR(ctx context.Context, payload []byte, end State) error {
	if e.state != DRShift {
		if err := e.MoveTo(ctx, DRShift); err != nil {
			return err
		}
	}
	if err := e.ad.ShiftBytes(ctx, payload, len(payload)*8); err != nil {
		return err
	}
	e.state = Next(DRShift, true) // DRExit1
	return e.MoveTo(ctx, end)
}

// RunTest parks the TAP in runState and toggles TCK for the requested
// cycle count, then moves to endState.
func (e *Engine) RunTest(ctx context.Context, cycles int, runState, endState State) error {
	if err := e.MoveTo(ctx, runState); err != nil {
		return err
	}
	if cycles > 0 {
		if err := e.ad.ToggleClock(ctx, cycles); err != nil {
			return err
		}
		// With TMS held low every state settles into a loop within a few
		// edges (Reset drifts to Idle, the rest are fixpoints).
		for i := 0; i < cycles && i < 4; i++ {
			e.state = Next(e.state, false)
		}
	}
	if endState != runState {
		return e.MoveTo(ctx, endState)
	}
	return nil
}
