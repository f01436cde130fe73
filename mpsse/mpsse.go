// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mpsse drives FTDI Hi-Speed parts (FT2232H, FT4232H, FT232H) in
// MPSSE mode as a JTAG cable.
//
// MPSSE basics:
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_135_MPSSE_Basics.pdf
//
// Command set:
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf
package mpsse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/jtaglab/jtagprog/jtag"
	"github.com/jtaglab/jtagprog/usblink"
)

// USB identities the MPSSE adapter probes.
var ProductIDs = []uint16{0x6010, 0x6011, 0x6014}

// VID is the FTDI vendor id.
const VID = 0x0403

// Data shift flag bits; a command opcode is their composition.
const (
	dataOut     = 0x10 // drive TDI
	dataIn      = 0x20 // sample TDO
	dataOutFall = 0x01 // change TDI on the falling edge
	dataInFall  = 0x04 // sample TDO on the falling edge
	dataLSBF    = 0x08 // LSB first
	dataBit     = 0x02 // bit mode, [1,8] bits, instead of byte mode
)

// Composed opcodes used on the JTAG wire: write changes TDI on the
// falling edge, read samples TDO on the rising edge.
const (
	opWriteBytes = dataOut | dataOutFall | dataLSBF           // 0x19
	opRWBytes    = dataOut | dataOutFall | dataIn | dataLSBF  // 0x39
	opWriteBits  = opWriteBytes | dataBit                     // 0x1B
	opRWBits     = opRWBytes | dataBit                        // 0x3B
)

// TMS commands: up to 7 TMS bits per command, TDI held static at bit 7 of
// the data byte.
const (
	opTMSWrite = 0x4B
	opTMSRW    = 0x6B
)

// Housekeeping opcodes.
const (
	opSetBitsLow    = 0x80
	opSetBitsHigh   = 0x82
	opLoopbackOff   = 0x85
	opTCKDivisor    = 0x86
	opSendImmediate = 0x87
	opDisableDiv5   = 0x8A
	opDisable3Phase = 0x8D
	opClockBits     = 0x8E // clock out [1,8] pulses, no data
	opClockBytes    = 0x8F // clock out N*8 pulses, no data
	opNoAdaptive    = 0x97
	opBadCommand    = 0xAA // always invalid; the chip echoes 0xFA <cmd>
)

const (
	// Command bytes accumulate up to this size before being forced out.
	bufferSize = 4096

	// Initial TCK divisor: 30 MHz / (5+1) = 5 MHz.
	initialDivisor = 0x0005

	baseClock = 30 * physic.MegaHertz

	readTimeout = 200 * time.Millisecond
)

// Initial GPIO state: TCK/TDI/TMS driven, TMS high, the usual Digilent
// enable lines asserted.
const (
	gpioLowValue  = 0xE8
	gpioLowDir    = 0xEB
	gpioHighValue = 0x00
	gpioHighDir   = 0x60
)

// link is the slice of usblink.Device the adapter needs.
type link interface {
	Reset(ctx context.Context) error
	PurgeRX(ctx context.Context) error
	PurgeTX(ctx context.Context) error
	SetLatencyTimer(ctx context.Context, ms uint8) error
	SetBitMode(ctx context.Context, mask, mode uint8) error
	Write(ctx context.Context, b []byte) error
	Read(ctx context.Context, max int, timeout time.Duration) ([]byte, error)
	Drain(ctx context.Context) error
	Close() error
}

// MPSSE is the FT2232H-family adapter.
type MPSSE struct {
	link link
	log  logrus.FieldLogger

	buf     []byte
	pending int // response bytes the buffered commands will produce
}

var _ jtag.Adapter = (*MPSSE)(nil)

// Open probes the known FTDI hi-speed products and initializes the first
// one found.
func Open(ctx context.Context, log logrus.FieldLogger) (*MPSSE, error) {
	for _, pid := range ProductIDs {
		dev, err := usblink.Open(ctx, VID, pid, 1, log)
		if errors.Is(err, usblink.ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := New(ctx, dev, log)
		if err != nil {
			_ = dev.Close()
			return nil, err
		}
		return m, nil
	}
	return nil, usblink.ErrDeviceNotFound
}

// New initializes MPSSE mode over an already-open link.
func New(ctx context.Context, l link, log logrus.FieldLogger) (*MPSSE, error) {
	m := &MPSSE{link: l, log: log}
	if err := m.init(ctx); err != nil {
		return nil, &jtag.AdapterError{Stage: "mpsse init", Err: err}
	}
	return m, nil
}

func (m *MPSSE) init(ctx context.Context) error {
	if err := m.link.Reset(ctx); err != nil {
		m.log.Warnf("mpsse: device reset not acknowledged: %v", err)
	}
	if err := m.link.PurgeRX(ctx); err != nil {
		return err
	}
	if err := m.link.PurgeTX(ctx); err != nil {
		return err
	}
	// Pin mask 0x0B: TCK, TDI and TMS are outputs, TDO an input.
	if err := m.link.SetBitMode(ctx, 0x0B, usblink.BitModeMPSSE); err != nil {
		return err
	}
	if err := m.link.SetLatencyTimer(ctx, 1); err != nil {
		return err
	}
	if err := m.link.Drain(ctx); err != nil {
		return err
	}
	if err := m.verify(ctx); err != nil {
		return err
	}
	m.buf = append(m.buf,
		opDisableDiv5, opNoAdaptive, opDisable3Phase, opLoopbackOff,
		opTCKDivisor, byte(initialDivisor), byte(initialDivisor>>8),
		opSetBitsLow, gpioLowValue, gpioLowDir,
		opSetBitsHigh, gpioHighValue, gpioHighDir,
	)
	return m.Flush(ctx)
}

// verify sends a known-bad opcode and expects the 0xFA error echo, which
// proves the MPSSE engine is actually listening.
func (m *MPSSE) verify(ctx context.Context) error {
	if err := m.link.Write(ctx, []byte{opBadCommand, opSendImmediate}); err != nil {
		return err
	}
	resp, err := m.readExact(ctx, 2)
	if err != nil {
		return err
	}
	if resp[0] != 0xFA || resp[1] != opBadCommand {
		return fmt.Errorf("mpsse: engine verification failed, got %#x %#x", resp[0], resp[1])
	}
	return nil
}

func (m *MPSSE) readExact(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n {
		if time.Now().After(deadline) {
			return nil, usblink.ErrTimeout
		}
		chunk, err := m.link.Read(ctx, n-len(out), readTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// emit appends command bytes, flushing first when the buffer would
// overflow.
func (m *MPSSE) emit(ctx context.Context, cmd ...byte) error {
	if len(m.buf)+len(cmd) > bufferSize {
		if err := m.flushWrite(ctx); err != nil {
			return err
		}
	}
	m.buf = append(m.buf, cmd...)
	return nil
}

// flushWrite pushes buffered commands without touching the read side.
func (m *MPSSE) flushWrite(ctx context.Context) error {
	if len(m.buf) == 0 {
		return nil
	}
	b := m.buf
	m.buf = m.buf[:0]
	return m.link.Write(ctx, b)
}

// Flush implements jtag.Adapter. If buffered commands will produce
// response bytes, a send-immediate is appended so the chip returns them at
// once. Flush itself reads nothing back; collect reads the responses.
func (m *MPSSE) Flush(ctx context.Context) error {
	if m.pending > 0 {
		m.buf = append(m.buf, opSendImmediate)
	}
	if err := m.flushWrite(ctx); err != nil {
		return err
	}
	return nil
}

// collect flushes and reads back exactly the pending response bytes.
func (m *MPSSE) collect(ctx context.Context) ([]byte, error) {
	n := m.pending
	if err := m.Flush(ctx); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m.pending = 0
	return m.readExact(ctx, n)
}

func bitAt(b []byte, i int) bool {
	if i/8 >= len(b) {
		return false
	}
	return b[i/8]>>(uint(i)%8)&1 != 0
}

// tmsVarying reports whether any TMS bit before the final one is set, in
// which case the transfer is TAP navigation rather than a data shift.
func tmsVarying(tms []byte, n int) bool {
	for i := 0; i < n-1; i++ {
		if bitAt(tms, i) {
			return true
		}
	}
	return false
}

// Shift implements jtag.Adapter.
//
// A data shift (TMS low except possibly the final exit bit) is split into
// a full-byte body, up to 7 residual bits, and the final bit folded into a
// TMS command with TDI carried in bit 7 of the data byte. Read-back
// framing: body bytes arrive intact, k residual bits arrive in the top k
// bits of their byte, the TMS-command bit arrives in bit 7.
//
// A navigation shift (TMS varying) goes out as TMS commands of up to 7
// bits each, with TDI held at the first TDI bit of each chunk.
func (m *MPSSE) Shift(ctx context.Context, tdi, tms []byte, n int, capture bool) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if tmsVarying(tms, n) {
		if err := m.navigate(ctx, tdi, tms, n); err != nil {
			return nil, err
		}
		if !capture {
			return nil, nil
		}
		// Navigation is never captured by the engine; humour the request.
		return make([]byte, (n+7)/8), nil
	}

	exit := bitAt(tms, n-1)
	body := n
	if exit {
		body = n - 1
	}
	nFull := body / 8
	k := body % 8

	// A byte-mode command moves at most 65536 bytes; large scans span
	// several.
	for off := 0; off < nFull; {
		nb := nFull - off
		if nb > 0x10000 {
			nb = 0x10000
		}
		op := byte(opWriteBytes)
		if capture {
			op = opRWBytes
		}
		cmd := make([]byte, 3, 3+nb)
		cmd[0] = op
		cmd[1] = byte(nb - 1)
		cmd[2] = byte((nb - 1) >> 8)
		cmd = append(cmd, tdi[off:off+nb]...)
		if err := m.emit(ctx, cmd...); err != nil {
			return nil, err
		}
		if capture {
			m.pending += nb
		}
		off += nb
	}
	if k > 0 {
		op := byte(opWriteBits)
		if capture {
			op = opRWBits
		}
		var data byte
		if nFull < len(tdi) {
			data = tdi[nFull] & (byte(1<<uint(k)) - 1)
		}
		if err := m.emit(ctx, op, byte(k-1), data); err != nil {
			return nil, err
		}
		if capture {
			m.pending++
		}
	}
	if exit {
		op := byte(opTMSWrite)
		if capture {
			op = opTMSRW
		}
		data := byte(0x01) // one TMS=1 bit
		if bitAt(tdi, n-1) {
			data |= 0x80
		}
		if err := m.emit(ctx, op, 0x00, data); err != nil {
			return nil, err
		}
		if capture {
			m.pending++
		}
	}
	if !capture {
		return nil, nil
	}

	resp, err := m.collect(ctx)
	if err != nil {
		return nil, &jtag.AdapterError{Stage: "mpsse read-back", Err: err}
	}
	want := nFull
	if k > 0 {
		want++
	}
	if exit {
		want++
	}
	if len(resp) != want {
		return nil, &jtag.AdapterError{Stage: "mpsse read-back",
			Err: fmt.Errorf("expected %d response bytes, got %d", want, len(resp))}
	}
	out := make([]byte, (n+7)/8)
	copy(out, resp[:nFull])
	pos := nFull
	if k > 0 {
		// k bits arrive left-packed from the top of the byte.
		v := resp[pos] >> (8 - uint(k))
		for i := 0; i < k; i++ {
			if v>>uint(i)&1 != 0 {
				out[(nFull*8+i)/8] |= 1 << (uint(nFull*8+i) % 8)
			}
		}
		pos++
	}
	if exit {
		if resp[pos]&0x80 != 0 {
			out[(n-1)/8] |= 1 << (uint(n-1) % 8)
		}
	}
	return out, nil
}

// navigate emits TMS-write commands for a transfer whose TMS bits vary.
func (m *MPSSE) navigate(ctx context.Context, tdi, tms []byte, n int) error {
	for i := 0; i < n; i += 7 {
		chunk := n - i
		if chunk > 7 {
			chunk = 7
		}
		var data byte
		for j := 0; j < chunk; j++ {
			if bitAt(tms, i+j) {
				data |= 1 << uint(j)
			}
		}
		if bitAt(tdi, i) {
			data |= 0x80
		}
		if err := m.emit(ctx, opTMSWrite, byte(chunk-1), data); err != nil {
			return err
		}
	}
	return nil
}

// ShiftBytes implements jtag.Adapter: a write-only whole-byte shift that
// exits on the final bit.
func (m *MPSSE) ShiftBytes(ctx context.Context, tdi []byte, n int) error {
	if n != len(tdi)*8 {
		return fmt.Errorf("mpsse: ShiftBytes wants whole bytes, got %d bits for %d bytes", n, len(tdi))
	}
	if n == 0 {
		return nil
	}
	tms := make([]byte, len(tdi))
	tms[len(tms)-1] = 0x80
	_, err := m.Shift(ctx, tdi, tms, n, false)
	return err
}

// ToggleClock implements jtag.Adapter: byte-granular pulses via 0x8F,
// remainder via 0x8E, no data moved.
func (m *MPSSE) ToggleClock(ctx context.Context, cycles int) error {
	for cycles >= 8 {
		n := cycles / 8
		if n > 0x10000 {
			n = 0x10000
		}
		if err := m.emit(ctx, opClockBytes, byte(n-1), byte((n-1)>>8)); err != nil {
			return err
		}
		cycles -= n * 8
	}
	if cycles > 0 {
		if err := m.emit(ctx, opClockBits, byte(cycles-1)); err != nil {
			return err
		}
	}
	return nil
}

// SetClock implements jtag.Adapter: programs the TCK divisor off the
// 30 MHz base and returns the rate actually achieved.
func (m *MPSSE) SetClock(ctx context.Context, f physic.Frequency) (physic.Frequency, error) {
	if f <= 0 {
		return 0, fmt.Errorf("mpsse: invalid clock %s", f)
	}
	div := int64(baseClock / f)
	if baseClock%f != 0 {
		div++
	}
	if div < 1 {
		div = 1
	}
	if div > 0x10000 {
		return 0, fmt.Errorf("mpsse: clock %s too slow; minimum is %s", f, baseClock/0x10000)
	}
	if err := m.emit(ctx, opTCKDivisor, byte(div-1), byte((div-1)>>8)); err != nil {
		return 0, err
	}
	if err := m.Flush(ctx); err != nil {
		return 0, err
	}
	actual := baseClock / physic.Frequency(div)
	m.log.Debugf("mpsse: TCK set to %s (divisor %d)", actual, div)
	return actual, nil
}

// SetTRST implements jtag.Adapter. Neither supported cable routes a TRST
// line, so the request is recorded only.
func (m *MPSSE) SetTRST(ctx context.Context, mode jtag.TRSTMode) error {
	m.log.Debugf("mpsse: TRST %s ignored (no TRST line)", mode)
	return nil
}

func (m *MPSSE) Close() error {
	_ = m.flushWrite(context.Background())
	return m.link.Close()
}
