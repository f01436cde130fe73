// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package jtag models the IEEE 1149.1 Test Access Port: packed bit
// vectors, the 16-state controller diagram, the cable adapter contract and
// the engine that plans TMS paths and runs IR/DR scans.
//
// The TAP state machine:
// https://www.xjtag.com/about-jtag/jtag-a-technical-overview/
package jtag
