// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package jtag

import (
	"testing"
)

func TestPathResetToShiftDR(t *testing.T) {
	got := Path(Reset, DRShift)
	want := []bool{false, true, false, false}
	if len(got) != len(want) {
		t.Fatalf("Path = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Path = %v, want %v", got, want)
		}
	}
}

// distances computes shortest path lengths from every state with a plain
// BFS over the transition table, independent of Path's implementation.
func distances(from State) [numStates]int {
	var dist [numStates]int
	for i := range dist {
		dist[i] = -1
	}
	dist[from] = 0
	queue := []State{from}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, tms := range []bool{false, true} {
			n := Next(s, tms)
			if dist[n] == -1 {
				dist[n] = dist[s] + 1
				queue = append(queue, n)
			}
		}
	}
	return dist
}

func TestPathAllPairs(t *testing.T) {
	for from := State(0); from < numStates; from++ {
		dist := distances(from)
		for to := State(0); to < numStates; to++ {
			path := Path(from, to)
			if from == to {
				if len(path) != 0 {
					t.Errorf("Path(%s, %s) = %v, want empty", from, to, path)
				}
				continue
			}
			// Simulate the sequence and check the landing state.
			s := from
			for _, tms := range path {
				s = Next(s, tms)
			}
			if s != to {
				t.Errorf("Path(%s, %s) lands in %s", from, to, s)
			}
			if len(path) != dist[to] {
				t.Errorf("Path(%s, %s) length %d, shortest is %d", from, to, len(path), dist[to])
			}
		}
	}
}

func TestTransitionTableSpot(t *testing.T) {
	cases := []struct {
		from State
		tms  bool
		want State
	}{
		{Reset, true, Reset},
		{Reset, false, Idle},
		{Idle, true, DRSelect},
		{DRSelect, true, IRSelect},
		{IRSelect, true, Reset},
		{DRExit2, false, DRShift},
		{IRUpdate, false, Idle},
		{IRUpdate, true, DRSelect},
	}
	for _, c := range cases {
		if got := Next(c.from, c.tms); got != c.want {
			t.Errorf("Next(%s, %v) = %s, want %s", c.from, c.tms, got, c.want)
		}
	}
}

func TestParseState(t *testing.T) {
	cases := []struct {
		in   string
		want State
	}{
		{"IDLE", Idle},
		{"idle", Idle},
		{"RUN_TEST_IDLE", Idle},
		{"RESET", Reset},
		{"DRSHIFT", DRShift},
		{"Shift_DR", DRShift},
		{"IRPAUSE", IRPause},
		{"pause_ir", IRPause},
	}
	for _, c := range cases {
		got, err := ParseState(c.in)
		if err != nil {
			t.Errorf("ParseState(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseState(%q) = %s, want %s", c.in, got, c.want)
		}
	}
	if _, err := ParseState("NOWHERE"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestStable(t *testing.T) {
	for s := State(0); s < numStates; s++ {
		want := s == Reset || s == Idle || s == DRShift || s == DRPause || s == IRShift || s == IRPause
		if got := s.Stable(); got != want {
			t.Errorf("%s.Stable() = %v, want %v", s, got, want)
		}
	}
}
