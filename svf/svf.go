// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package svf parses Serial Vector Format command streams and replays
// them against a TAP engine.
//
// SVF reference:
// https://www.asset-intertech.com/wp-content/uploads/2021/03/svf_specification.pdf
package svf

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/physic"

	"github.com/jtaglab/jtagprog/jtag"
)

// Reg selects the instruction or data register path.
type Reg int

const (
	IR Reg = iota
	DR
)

func (r Reg) String() string {
	if r == IR {
		return "IR"
	}
	return "DR"
}

// Target distinguishes the scan-shaped commands: the payload scans SIR and
// SDR, and the header/trailer installers that wrap them.
type Target int

const (
	TargetScan Target = iota
	TargetHeader
	TargetTrailer
)

// Instruction is one parsed SVF command. The concrete types below form
// the closed set of variants.
type Instruction interface {
	// Line is the 1-based source line the command started on.
	Line() int
	// String renders the canonical serialised form, ';' included.
	String() string

	instruction()
}

type pos struct {
	line int
}

func (p pos) Line() int { return p.line }

func (pos) instruction() {}

// StateOp is a STATE command; the final path element is the target.
type StateOp struct {
	pos
	Path []jtag.State
}

func (o *StateOp) String() string {
	parts := make([]string, 0, len(o.Path)+1)
	parts = append(parts, "STATE")
	for _, s := range o.Path {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, " ") + ";"
}

// ScanOp is SIR/SDR or one of the HIR/TIR/HDR/TDR installers. Optional
// vectors are nil when the command omitted them.
type ScanOp struct {
	pos
	Reg    Reg
	Target Target
	Bits   int
	TDI    *jtag.Vector
	TDO    *jtag.Vector
	Mask   *jtag.Vector
	SMask  *jtag.Vector
}

// Keyword returns the SVF keyword for the op (SIR, HDR, ...).
func (o *ScanOp) Keyword() string {
	switch o.Target {
	case TargetHeader:
		return "H" + o.Reg.String()
	case TargetTrailer:
		return "T" + o.Reg.String()
	}
	return "S" + o.Reg.String()
}

func (o *ScanOp) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d", o.Keyword(), o.Bits)
	for _, p := range []struct {
		name string
		v    *jtag.Vector
	}{{"TDI", o.TDI}, {"TDO", o.TDO}, {"MASK", o.Mask}, {"SMASK", o.SMask}} {
		if p.v != nil {
			fmt.Fprintf(&sb, " %s (%s)", p.name, p.v.Hex())
		}
	}
	sb.WriteString(";")
	return sb.String()
}

// RunTestOp clocks TCK in a stable state. Cycles and Time may both be
// present; the executor honours whichever demands more clocks.
type RunTestOp struct {
	pos
	RunState    jtag.State
	HasRunState bool
	Cycles      int
	HasCycles   bool
	Time        float64 // seconds
	HasTime     bool
	MaxTime     float64 // seconds, advisory
	HasMaxTime  bool
	EndState    jtag.State
	HasEndState bool
}

func (o *RunTestOp) String() string {
	var sb strings.Builder
	sb.WriteString("RUNTEST")
	if o.HasRunState {
		fmt.Fprintf(&sb, " %s", o.RunState)
	}
	if o.HasCycles {
		fmt.Fprintf(&sb, " %d TCK", o.Cycles)
	}
	if o.HasTime {
		fmt.Fprintf(&sb, " %G SEC", o.Time)
	}
	if o.HasMaxTime {
		fmt.Fprintf(&sb, " MAXIMUM %G SEC", o.MaxTime)
	}
	if o.HasEndState {
		fmt.Fprintf(&sb, " ENDSTATE %s", o.EndState)
	}
	sb.WriteString(";")
	return sb.String()
}

// FrequencyOp sets the advisory TCK rate; Hz == 0 restores the default.
type FrequencyOp struct {
	pos
	Hz physic.Frequency
}

func (o *FrequencyOp) String() string {
	if o.Hz == 0 {
		return "FREQUENCY;"
	}
	return fmt.Sprintf("FREQUENCY %G HZ;", float64(o.Hz)/float64(physic.Hertz))
}

// TRSTOp drives the optional test-reset line.
type TRSTOp struct {
	pos
	Mode jtag.TRSTMode
}

func (o *TRSTOp) String() string {
	return "TRST " + o.Mode.String() + ";"
}

// EndStateOp is ENDIR or ENDDR.
type EndStateOp struct {
	pos
	Reg   Reg
	State jtag.State
}

func (o *EndStateOp) String() string {
	return "END" + o.Reg.String() + " " + o.State.String() + ";"
}

// UnknownOp is a command the parser did not recognise; the executor logs
// and skips it.
type UnknownOp struct {
	pos
	Keyword string
	Text    string
}

func (o *UnknownOp) String() string {
	return o.Text + ";"
}

// ParseError is a syntax or semantic error in the SVF text.
type ParseError struct {
	SourceLine int
	Detail     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("svf: line %d: %s", e.SourceLine, e.Detail)
}

// UnsupportedError marks a recognised command this implementation rejects
// rather than ignores.
type UnsupportedError struct {
	Command string
}

func (e *UnsupportedError) Error() string {
	return "svf: unsupported command " + e.Command
}

// TDOMismatchError reports a failed SIR/SDR capture comparison.
type TDOMismatchError struct {
	ByteIndex int
	Got       byte
	Expected  byte
	Mask      byte
}

func (e *TDOMismatchError) Error() string {
	return fmt.Sprintf("svf: TDO mismatch at byte %d: got %#02x, expected %#02x (mask %#02x)",
		e.ByteIndex, e.Got, e.Expected, e.Mask)
}
