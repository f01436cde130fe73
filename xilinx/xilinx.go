// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xilinx configures 7-series FPGAs over JTAG: it parses .bit
// containers and runs the JPROGRAM / CFG_IN / JSTART SRAM-load sequence.
//
// 7-series configuration user guide (UG470), ch. 6, "JTAG configuration":
// https://docs.amd.com/v/u/en-US/ug470_7Series_Config
package xilinx

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jtaglab/jtagprog/jtag"
)

// 7-series JTAG instruction register: 6 bits.
const irLength = 6

// Instruction opcodes.
const (
	insIDCODE   = 0x09
	insJPROGRAM = 0x0B
	insJSTART   = 0x0C
	insCFGIN    = 0x05
	insBYPASS   = 0x3F
)

// BYPASS capture bits: the 7-series TAP presents config status on the
// instruction capture path.
const (
	statusINITBit = 0 // INIT_B: memory clear complete
	statusDONEBit = 5 // DONE: startup finished
)

const (
	initPollTries    = 100
	initPollInterval = 10 * time.Millisecond

	// Idle clocks after JPROGRAM to cover configuration memory clear.
	clearClocks = 120000

	// Idle clocks after JSTART to run the startup sequence.
	startupClocks = 2000

	// Configuration payload bytes per DR shift.
	chunkSize = 4096
)

// knownParts maps IDCODEs (family+device bits, revision masked) to part
// names, for log output only; programming is device independent.
var knownParts = map[uint32]string{
	0x0362D093: "xc7a35t",
	0x0362C093: "xc7a50t",
	0x03631093: "xc7a75t",
	0x03632093: "xc7k70t",
	0x03636093: "xc7a100t",
	0x03647093: "xc7k160t",
	0x03651093: "xc7a200t",
	0x03671093: "xc7k325t",
	0x03747093: "xc7s50",
	0x0373B093: "xc7z020",
}

// idcodeRevMask drops the 4 revision bits when matching IDCODEs.
const idcodeRevMask = 0x0FFFFFFF

// Programmer loads SRAM configuration into a single 7-series device
// sitting alone on the chain.
type Programmer struct {
	eng *jtag.Engine
	log logrus.FieldLogger

	// Progress, when set, receives a monotonic 0..100 percentage.
	Progress func(percent int)
}

// NewProgrammer wraps an engine.
func NewProgrammer(eng *jtag.Engine, log logrus.FieldLogger) *Programmer {
	return &Programmer{eng: eng, log: log}
}

func (p *Programmer) progress(pct int) {
	if p.Progress != nil {
		p.Progress(pct)
	}
}

func (p *Programmer) shiftIR(ctx context.Context, ins uint64, end jtag.State, capture bool) (jtag.Vector, error) {
	return p.eng.ShiftIR(ctx, jtag.VectorUint(ins, irLength), jtag.ScanOpts{End: end, Capture: capture})
}

// ReadIDCODE resets the TAP and reads the 32-bit device identifier.
func (p *Programmer) ReadIDCODE(ctx context.Context) (uint32, error) {
	if err := p.eng.Reset(ctx); err != nil {
		return 0, err
	}
	if _, err := p.shiftIR(ctx, insIDCODE, jtag.Idle, false); err != nil {
		return 0, err
	}
	v, err := p.eng.ShiftDR(ctx, jtag.NewVector(32), jtag.ScanOpts{End: jtag.Idle, Capture: true})
	if err != nil {
		return 0, err
	}
	return uint32(v.Uint()), nil
}

// Program runs the full SRAM configuration sequence. Non-fatal oddities
// (INIT poll timeout, unknown IDCODE) are logged and ridden through; a
// clear DONE failure is fatal.
func (p *Programmer) Program(ctx context.Context, bf *BitFile) error {
	if len(bf.Data) == 0 {
		return &FormatError{Detail: "no configuration payload"}
	}
	if bf.Part != "" {
		p.log.Infof("bitstream: %s for %s (%s %s)", bf.Design, bf.Part, bf.Date, bf.Time)
	}
	p.progress(2)

	idcode, err := p.ReadIDCODE(ctx)
	if err != nil {
		return err
	}
	if part, ok := knownParts[idcode&idcodeRevMask]; ok {
		p.log.Infof("device IDCODE %#08x (%s)", idcode, part)
	} else {
		p.log.Warnf("device IDCODE %#08x not recognised; proceeding anyway", idcode)
	}
	p.progress(5)

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"reset", p.eng.Reset},
		{"JPROGRAM", func(ctx context.Context) error {
			_, err := p.shiftIR(ctx, insJPROGRAM, jtag.Idle, false)
			return err
		}},
		{"INIT poll", p.waitInit},
		{"memory clear", func(ctx context.Context) error {
			if err := p.eng.MoveTo(ctx, jtag.Idle); err != nil {
				return err
			}
			return p.eng.RunTest(ctx, clearClocks, jtag.Idle, jtag.Idle)
		}},
		{"CFG_IN", func(ctx context.Context) error {
			_, err := p.shiftIR(ctx, insCFGIN, jtag.Idle, false)
			return err
		}},
		{"configuration", func(ctx context.Context) error {
			return p.stream(ctx, bf.Data)
		}},
		{"idle", func(ctx context.Context) error {
			return p.eng.MoveTo(ctx, jtag.Idle)
		}},
		{"JSTART", func(ctx context.Context) error {
			_, err := p.shiftIR(ctx, insJSTART, jtag.IRUpdate, false)
			return err
		}},
		{"startup clocks", func(ctx context.Context) error {
			return p.eng.RunTest(ctx, startupClocks, jtag.Idle, jtag.Idle)
		}},
		{"reset", p.eng.Reset},
		{"DONE check", p.checkDone},
	}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			_ = p.eng.Reset(context.Background())
			return err
		}
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("xilinx: %s: %w", step.name, err)
		}
		// Configuration streaming owns the 20..90 band.
		if pct := 5 + (i+1)*15/len(steps); i < 5 {
			p.progress(pct)
		} else {
			p.progress(90 + (i-4)*10/(len(steps)-5))
		}
	}
	p.log.WithField("status", "ok").Info("configuration loaded, DONE asserted")
	p.progress(100)
	return nil
}

// waitInit polls INIT_B through BYPASS capture after JPROGRAM. A timeout
// is a warning, not an abort; the DONE check catches real failures.
func (p *Programmer) waitInit(ctx context.Context) error {
	for i := 0; i < initPollTries; i++ {
		v, err := p.shiftIR(ctx, insBYPASS, jtag.Idle, true)
		if err != nil {
			return err
		}
		if v.Bit(statusINITBit) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(initPollInterval):
		}
	}
	p.log.Warn("INIT_B did not rise after JPROGRAM; continuing")
	return nil
}

// stream shifts the bit-reversed payload through CFG_IN in chunks. Every
// chunk but the last stays in DRShift so the register sees one unbroken
// vector; the last exits through DRUpdate.
func (p *Programmer) stream(ctx context.Context, payload []byte) error {
	data := jtag.ReverseBits(payload)
	total := len(data)
	chunks := (total + chunkSize - 1) / chunkSize
	for i := 0; i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > total {
			hi = total
		}
		end := jtag.DRShift
		if i == chunks-1 {
			end = jtag.DRUpdate
		}
		chunk := jtag.VectorFromBytes(data[lo:hi], (hi-lo)*8)
		if _, err := p.eng.ShiftDR(ctx, chunk, jtag.ScanOpts{End: end}); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, chunks, err)
		}
		p.progress(20 + (i+1)*70/chunks)
	}
	return nil
}

// checkDone reads DONE via BYPASS capture.
func (p *Programmer) checkDone(ctx context.Context) error {
	v, err := p.shiftIR(ctx, insBYPASS, jtag.Idle, true)
	if err != nil {
		return err
	}
	if !v.Bit(statusDONEBit) {
		return fmt.Errorf("device did not assert DONE (capture %#02x)", v.Uint())
	}
	return nil
}
