// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package svf

import (
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"periph.io/x/conn/v3/physic"

	"github.com/jtaglab/jtagprog/jtag"
)

// The lexer sees one semicolon-terminated command at a time: comments are
// blanked and commands split before tokenising, so a paren hex block is
// free to span lines.
var svfLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Hex", Pattern: `\([0-9A-Fa-f \t\r\n]*\)`},
	{Name: "Number", Pattern: `\d+(\.\d+)?([eE][+-]?\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
})

type commandAST struct {
	State *stateAST   `  "STATE" @@`
	Sir   *scanAST    `| "SIR" @@`
	Sdr   *scanAST    `| "SDR" @@`
	Hir   *scanAST    `| "HIR" @@`
	Hdr   *scanAST    `| "HDR" @@`
	Tir   *scanAST    `| "TIR" @@`
	Tdr   *scanAST    `| "TDR" @@`
	Run   *runtestAST `| "RUNTEST" @@`
	Freq  *freqAST    `| "FREQUENCY" @@`
	Trst  *trstAST    `| "TRST" @@`
	Endir *endAST     `| "ENDIR" @@`
	Enddr *endAST     `| "ENDDR" @@`
}

type stateAST struct {
	Names []string `@Ident+`
}

type scanAST struct {
	Length float64     `@Number`
	Params []*paramAST `@@*`
}

type paramAST struct {
	Name string `@("TDI" | "TDO" | "MASK" | "SMASK")`
	Hex  string `@Hex`
}

type runtestAST struct {
	RunState *string     `@Ident?`
	Specs    []*clockAST `@@*`
	Max      *clockAST   `("MAXIMUM" @@)?`
	EndState *string     `("ENDSTATE" @Ident)?`
}

type clockAST struct {
	Count float64 `@Number`
	Unit  string  `@("TCK" | "SCK" | "SEC" | "MSEC" | "USEC")`
}

type freqAST struct {
	Value *float64 `(@Number`
	Unit  *string  ` @"HZ"?)?`
}

type trstAST struct {
	Mode string `@("ON" | "OFF" | "Z" | "ABSENT")`
}

type endAST struct {
	Name string `@Ident`
}

var commandParser = participle.MustBuild[commandAST](
	participle.Lexer(svfLexer),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(2),
)

// rejected are commands this implementation refuses instead of skipping:
// honouring them silently wrong would corrupt a programming run.
var rejected = map[string]bool{
	"PIO":    true,
	"PIOMAP": true,
}

// known speeds up the unknown-command check; anything else becomes an
// UnknownOp for the executor to log and skip.
var known = map[string]bool{
	"STATE": true, "SIR": true, "SDR": true, "HIR": true, "HDR": true,
	"TIR": true, "TDR": true, "RUNTEST": true, "FREQUENCY": true,
	"TRST": true, "ENDIR": true, "ENDDR": true,
}

// Parse reads an SVF stream into its command sequence.
func Parse(r io.Reader) ([]Instruction, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseString(string(raw))
}

// ParseString parses SVF text.
func ParseString(text string) ([]Instruction, error) {
	var out []Instruction
	for _, c := range splitCommands(stripComments(text)) {
		ins, err := parseCommand(c.text, c.line)
		if err != nil {
			return nil, err
		}
		if ins != nil {
			out = append(out, ins)
		}
	}
	return out, nil
}

// stripComments blanks '!' and '//' comments, preserving newlines so
// source line numbers survive.
func stripComments(text string) string {
	b := []byte(text)
	for i := 0; i < len(b); i++ {
		if b[i] == '!' || (b[i] == '/' && i+1 < len(b) && b[i+1] == '/') {
			for i < len(b) && b[i] != '\n' {
				b[i] = ' '
				i++
			}
		}
	}
	return string(b)
}

type chunk struct {
	text string
	line int
}

// splitCommands cuts the comment-free text at every ';', remembering the
// line each command starts on.
func splitCommands(text string) []chunk {
	var out []chunk
	line := 1
	start := 0
	startLine := 1
	started := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' {
			line++
		}
		switch {
		case c == ';':
			if started {
				out = append(out, chunk{text: text[start:i], line: startLine})
				started = false
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
		default:
			if !started {
				start = i
				startLine = line
				started = true
			}
		}
	}
	// Trailing garbage without a ';' is tolerated only if blank.
	if started && strings.TrimSpace(text[start:]) != "" {
		out = append(out, chunk{text: text[start:], line: startLine})
	}
	return out
}

func parseCommand(text string, line int) (Instruction, error) {
	keyword := strings.ToUpper(firstWord(text))
	if keyword == "" {
		return nil, nil
	}
	if rejected[keyword] {
		return nil, &ParseError{SourceLine: line, Detail: (&UnsupportedError{Command: keyword}).Error()}
	}
	if !known[keyword] {
		return &UnknownOp{pos: pos{line: line}, Keyword: keyword, Text: strings.Join(strings.Fields(text), " ")}, nil
	}
	ast, err := commandParser.ParseString("", text)
	if err != nil {
		return nil, &ParseError{SourceLine: line, Detail: err.Error()}
	}
	return astToInstruction(ast, line)
}

func firstWord(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == '('
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func astToInstruction(ast *commandAST, line int) (Instruction, error) {
	p := pos{line: line}
	switch {
	case ast.State != nil:
		path := make([]jtag.State, len(ast.State.Names))
		for i, n := range ast.State.Names {
			s, err := jtag.ParseState(n)
			if err != nil {
				return nil, &ParseError{SourceLine: line, Detail: err.Error()}
			}
			path[i] = s
		}
		return &StateOp{pos: p, Path: path}, nil
	case ast.Sir != nil:
		return scanOp(ast.Sir, IR, TargetScan, p)
	case ast.Sdr != nil:
		return scanOp(ast.Sdr, DR, TargetScan, p)
	case ast.Hir != nil:
		return scanOp(ast.Hir, IR, TargetHeader, p)
	case ast.Hdr != nil:
		return scanOp(ast.Hdr, DR, TargetHeader, p)
	case ast.Tir != nil:
		return scanOp(ast.Tir, IR, TargetTrailer, p)
	case ast.Tdr != nil:
		return scanOp(ast.Tdr, DR, TargetTrailer, p)
	case ast.Run != nil:
		return runTestOp(ast.Run, p)
	case ast.Freq != nil:
		op := &FrequencyOp{pos: p}
		if ast.Freq.Value != nil {
			op.Hz = physic.Frequency(*ast.Freq.Value * float64(physic.Hertz))
		}
		return op, nil
	case ast.Trst != nil:
		var mode jtag.TRSTMode
		switch strings.ToUpper(ast.Trst.Mode) {
		case "ON":
			mode = jtag.TRSTOn
		case "OFF":
			mode = jtag.TRSTOff
		case "Z":
			mode = jtag.TRSTZ
		default:
			mode = jtag.TRSTAbsent
		}
		return &TRSTOp{pos: p, Mode: mode}, nil
	case ast.Endir != nil:
		s, err := jtag.ParseState(ast.Endir.Name)
		if err != nil {
			return nil, &ParseError{SourceLine: line, Detail: err.Error()}
		}
		return &EndStateOp{pos: p, Reg: IR, State: s}, nil
	case ast.Enddr != nil:
		s, err := jtag.ParseState(ast.Enddr.Name)
		if err != nil {
			return nil, &ParseError{SourceLine: line, Detail: err.Error()}
		}
		return &EndStateOp{pos: p, Reg: DR, State: s}, nil
	}
	return nil, &ParseError{SourceLine: line, Detail: "empty command"}
}

func scanOp(ast *scanAST, reg Reg, target Target, p pos) (Instruction, error) {
	bits := int(ast.Length)
	if float64(bits) != ast.Length || bits < 0 {
		return nil, &ParseError{SourceLine: p.line, Detail: "scan length must be a non-negative integer"}
	}
	op := &ScanOp{pos: p, Reg: reg, Target: target, Bits: bits}
	for _, prm := range ast.Params {
		body := strings.Trim(prm.Hex, "()")
		v, err := jtag.ParseHex(body, bits)
		if err != nil {
			return nil, &ParseError{SourceLine: p.line, Detail: err.Error()}
		}
		switch strings.ToUpper(prm.Name) {
		case "TDI":
			op.TDI = &v
		case "TDO":
			op.TDO = &v
		case "MASK":
			op.Mask = &v
		case "SMASK":
			op.SMask = &v
		}
	}
	return op, nil
}

func runTestOp(ast *runtestAST, p pos) (Instruction, error) {
	op := &RunTestOp{pos: p}
	if ast.RunState != nil {
		s, err := jtag.ParseState(*ast.RunState)
		if err != nil {
			return nil, &ParseError{SourceLine: p.line, Detail: err.Error()}
		}
		op.RunState = s
		op.HasRunState = true
	}
	for _, spec := range ast.Specs {
		switch strings.ToUpper(spec.Unit) {
		case "TCK", "SCK":
			op.Cycles = int(spec.Count)
			op.HasCycles = true
		case "SEC":
			op.Time = spec.Count
			op.HasTime = true
		case "MSEC":
			op.Time = spec.Count / 1e3
			op.HasTime = true
		case "USEC":
			op.Time = spec.Count / 1e6
			op.HasTime = true
		}
	}
	if ast.Max != nil {
		op.MaxTime = ast.Max.Count
		switch strings.ToUpper(ast.Max.Unit) {
		case "MSEC":
			op.MaxTime /= 1e3
		case "USEC":
			op.MaxTime /= 1e6
		}
		op.HasMaxTime = true
	}
	if ast.EndState != nil {
		s, err := jtag.ParseState(*ast.EndState)
		if err != nil {
			return nil, &ParseError{SourceLine: p.line, Detail: err.Error()}
		}
		op.EndState = s
		op.HasEndState = true
	}
	if !op.HasCycles && !op.HasTime {
		return nil, &ParseError{SourceLine: p.line, Detail: "RUNTEST needs a TCK count or a time"}
	}
	return op, nil
}
