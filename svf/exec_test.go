// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package svf_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtaglab/jtagprog/jtag"
	"github.com/jtaglab/jtagprog/jtag/jtagtest"
	"github.com/jtaglab/jtagprog/svf"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newSession(t *testing.T, opt svf.Options) (*svf.Session, *jtagtest.Fake) {
	t.Helper()
	fake := jtagtest.New()
	eng := jtag.NewEngine(fake, quietLog())
	require.NoError(t, eng.Reset(context.Background()))
	fake.Ops = nil
	return svf.NewSession(eng, quietLog(), opt), fake
}

func run(t *testing.T, s *svf.Session, text string) error {
	t.Helper()
	prog, err := svf.ParseString(text)
	require.NoError(t, err)
	return s.Run(context.Background(), prog)
}

func TestEndStateHonored(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, `
ENDDR DRPAUSE;
SDR 8 TDI (A5);
`))
	assert.Equal(t, jtag.DRPause, fake.State)
}

func TestDefaultEndStateIsIdle(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, "SIR 6 TDI (3F);"))
	assert.Equal(t, jtag.Idle, fake.State)
}

func TestHeaderTrailerBitsOnWire(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, `
HIR 4 TDI (0F);
TIR 2 TDI (03);
SIR 6 TDI (2A);
`))
	total := 0
	for _, op := range fake.ShiftOps() {
		total += op.N
	}
	// Entry from IDLE to IRSHIFT is 4 TMS edges, exit to IDLE is 2, the
	// scan itself 4+6+2.
	assert.Equal(t, 4+4+6+2+2, total)
}

func TestClearedHeaderNotApplied(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, `
HDR 8 TDI (FF);
HDR 0;
SDR 8 TDI (00);
`))
	total := 0
	for _, op := range fake.ShiftOps() {
		total += op.N
	}
	// 3 in, 8 payload, 2 out; no header bits.
	assert.Equal(t, 3+8+2, total)
}

func TestTDOVerifyMatch(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	fake.CaptureFunc = func(f *jtagtest.Fake, op jtagtest.Op) []byte {
		return []byte{0x31} // bits 0,4,5
	}
	require.NoError(t, run(t, s, "SIR 6 TDI (00) TDO (01) MASK (0F);"))
}

func TestTDOVerifyMismatch(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	fake.CaptureFunc = func(f *jtagtest.Fake, op jtagtest.Op) []byte {
		return []byte{0x02}
	}
	err := run(t, s, "SIR 6 TDI (00) TDO (01);")
	require.Error(t, err)
	var mismatch *svf.TDOMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.ByteIndex)
	assert.Equal(t, byte(0x02), mismatch.Got)
	assert.Equal(t, byte(0x01), mismatch.Expected)
}

func TestTDOMaskedMismatchPasses(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	fake.CaptureFunc = func(f *jtagtest.Fake, op jtagtest.Op) []byte {
		return []byte{0x02}
	}
	// Bits 0 and 1 disagree but the mask only cares about bits 4..5.
	require.NoError(t, run(t, s, "SIR 6 TDI (00) TDO (01) MASK (30);"))
}

func TestCaptureDeclineSkipsVerify(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	fake.MaxCapture = 8
	// 16-bit verified scan on a cable that cannot read that much: runs
	// unverified instead of failing.
	require.NoError(t, run(t, s, "SDR 16 TDI (0000) TDO (FFFF);"))
	assert.Equal(t, jtag.Idle, fake.State)
}

func TestSkipVerifyOption(t *testing.T) {
	s, fake := newSession(t, svf.Options{SkipVerify: true})
	fake.CaptureFunc = func(f *jtagtest.Fake, op jtagtest.Op) []byte {
		return []byte{0xFF}
	}
	require.NoError(t, run(t, s, "SIR 6 TDI (00) TDO (01) MASK (3F);"))
	for _, op := range fake.ShiftOps() {
		assert.False(t, op.Capture, "no capture expected with verification off")
	}
}

func TestStickyTDI(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, `
SDR 8 TDI (A5);
SDR 8;
`))
	ops := fake.ShiftOps()
	var payloads [][]byte
	for _, op := range ops {
		if op.N == 8 {
			payloads = append(payloads, op.TDI)
		}
	}
	require.Len(t, payloads, 2)
	assert.Equal(t, payloads[0], payloads[1])
}

func TestStickyTDIResetOnLengthChange(t *testing.T) {
	s, _ := newSession(t, svf.Options{})
	err := run(t, s, `
SDR 8 TDI (A5);
SDR 16;
`)
	require.Error(t, err)
}

func TestStatePathMovesToFinal(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, "STATE DRPAUSE;"))
	assert.Equal(t, jtag.DRPause, fake.State)
}

func TestRunTestCycles(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, "RUNTEST 500 TCK;"))
	var toggled int
	for _, op := range fake.Ops {
		if op.Kind == "toggle" {
			toggled += op.N
		}
	}
	assert.Equal(t, 500, toggled)
	assert.Equal(t, jtag.Idle, fake.State)
}

func TestRunTestTimeUsesClock(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	// 2 ms at the 1 MHz default is 2000 cycles.
	require.NoError(t, run(t, s, "RUNTEST 2.0E-3 SEC;"))
	var toggled int
	for _, op := range fake.Ops {
		if op.Kind == "toggle" {
			toggled += op.N
		}
	}
	assert.Equal(t, 2000, toggled)
}

func TestTRSTForwarded(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, "TRST OFF;"))
	require.Len(t, fake.Ops, 1)
	assert.Equal(t, "trst", fake.Ops[0].Kind)
	assert.Equal(t, jtag.TRSTOff, fake.Ops[0].TRST)
}

func TestUnknownCommandSkipped(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	require.NoError(t, run(t, s, "FROBNICATE 1;\nSTATE IDLE;"))
	assert.Equal(t, jtag.Idle, fake.State)
}

func TestProgressReported(t *testing.T) {
	var seen []int
	s, _ := newSession(t, svf.Options{Progress: func(done, total int) {
		require.Equal(t, 3, total)
		seen = append(seen, done)
	}})
	require.NoError(t, run(t, s, "STATE IDLE;\nSIR 6 TDI (00);\nSTATE RESET;"))
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestErrorCarriesCommandIndex(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	fake.CaptureFunc = func(f *jtagtest.Fake, op jtagtest.Op) []byte {
		return []byte{0xFF}
	}
	err := run(t, s, "STATE IDLE;\nSIR 6 TDI (00) TDO (00) MASK (3F);")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command 2 of 2")
}

func TestCancellationResetsTAP(t *testing.T) {
	s, fake := newSession(t, svf.Options{})
	prog, err := svf.ParseString("STATE IDLE;")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx, prog)
	require.True(t, errors.Is(err, context.Canceled))
	// Teardown parks the TAP via a reset burst.
	assert.Equal(t, jtag.Idle, fake.State)
	require.NotEmpty(t, fake.Ops)
}
