// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package jtag

import (
	"fmt"
	"strings"
)

// State is one of the 16 IEEE 1149.1 TAP controller states.
type State uint8

const (
	Reset State = iota
	Idle
	DRSelect
	DRCapture
	DRShift
	DRExit1
	DRPause
	DRExit2
	DRUpdate
	IRSelect
	IRCapture
	IRShift
	IRExit1
	IRPause
	IRExit2
	IRUpdate
	numStates = 16
)

var stateNames = [numStates]string{
	"RESET", "IDLE",
	"DRSELECT", "DRCAPTURE", "DRSHIFT", "DREXIT1", "DRPAUSE", "DREXIT2", "DRUPDATE",
	"IRSELECT", "IRCAPTURE", "IRSHIFT", "IREXIT1", "IRPAUSE", "IREXIT2", "IRUPDATE",
}

func (s State) String() string {
	if int(s) < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Stable reports whether the TAP can be held in s by a constant TMS
// level (the state has a self-loop).
func (s State) Stable() bool {
	switch s {
	case Reset, Idle, DRShift, DRPause, IRShift, IRPause:
		return true
	}
	return false
}

// stateAliases maps the SVF spellings onto states. Keys are upper-case.
var stateAliases = map[string]State{
	"RESET": Reset, "TEST_LOGIC_RESET": Reset, "TLR": Reset,
	"IDLE": Idle, "RUN_TEST_IDLE": Idle, "RTI": Idle,
	"DRSELECT": DRSelect, "SELECT_DR_SCAN": DRSelect,
	"DRCAPTURE": DRCapture, "CAPTURE_DR": DRCapture,
	"DRSHIFT": DRShift, "SHIFT_DR": DRShift,
	"DREXIT1": DRExit1, "EXIT1_DR": DRExit1,
	"DRPAUSE": DRPause, "PAUSE_DR": DRPause,
	"DREXIT2": DRExit2, "EXIT2_DR": DRExit2,
	"DRUPDATE": DRUpdate, "UPDATE_DR": DRUpdate,
	"IRSELECT": IRSelect, "SELECT_IR_SCAN": IRSelect,
	"IRCAPTURE": IRCapture, "CAPTURE_IR": IRCapture,
	"IRSHIFT": IRShift, "SHIFT_IR": IRShift,
	"IREXIT1": IRExit1, "EXIT1_IR": IRExit1,
	"IRPAUSE": IRPause, "PAUSE_IR": IRPause,
	"IREXIT2": IRExit2, "EXIT2_IR": IRExit2,
	"IRUPDATE": IRUpdate, "UPDATE_IR": IRUpdate,
}

// ParseState resolves a TAP state name. Both the short (DRSHIFT) and long
// (SHIFT_DR) SVF spellings are accepted, case-insensitively.
func ParseState(name string) (State, error) {
	if s, ok := stateAliases[strings.ToUpper(name)]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("jtag: unknown TAP state %q", name)
}

// transitions[s][tms] is the state after one TCK rising edge.
var transitions = [numStates][2]State{
	Reset:     {Idle, Reset},
	Idle:      {Idle, DRSelect},
	DRSelect:  {DRCapture, IRSelect},
	DRCapture: {DRShift, DRExit1},
	DRShift:   {DRShift, DRExit1},
	DRExit1:   {DRPause, DRUpdate},
	DRPause:   {DRPause, DRExit2},
	DRExit2:   {DRShift, DRUpdate},
	DRUpdate:  {Idle, DRSelect},
	IRSelect:  {IRCapture, Reset},
	IRCapture: {IRShift, IRExit1},
	IRShift:   {IRShift, IRExit1},
	IRExit1:   {IRPause, IRUpdate},
	IRPause:   {IRPause, IRExit2},
	IRExit2:   {IRShift, IRUpdate},
	IRUpdate:  {Idle, DRSelect},
}

// Next returns the TAP state after clocking TCK once with the given TMS.
func Next(s State, tms bool) State {
	if tms {
		return transitions[s][1]
	}
	return transitions[s][0]
}

// Path computes the shortest TMS sequence that takes the TAP from one state
// to another, by breadth-first search over the state diagram. Ties prefer
// TMS=0. The sequence is empty when from == to.
func Path(from, to State) []bool {
	if from == to {
		return nil
	}
	type node struct {
		state State
		tms   []bool
	}
	queue := []node{{state: from}}
	var visited uint16 = 1 << from
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, tms := range []bool{false, true} {
			next := Next(cur.state, tms)
			if visited&(1<<next) != 0 {
				continue
			}
			visited |= 1 << next
			path := make([]bool, len(cur.tms)+1)
			copy(path, cur.tms)
			path[len(cur.tms)] = tms
			if next == to {
				return path
			}
			queue = append(queue, node{state: next, tms: path})
		}
	}
	// The diagram is strongly connected, so this is unreachable.
	panic(fmt.Sprintf("jtag: no path from %s to %s", from, to))
}
