// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package probe locates and opens a supported JTAG cable.
package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jtaglab/jtagprog/blaster"
	"github.com/jtaglab/jtagprog/jtag"
	"github.com/jtaglab/jtagprog/mpsse"
	"github.com/jtaglab/jtagprog/usblink"
)

// Cable selects the adapter family.
type Cable int

const (
	Auto Cable = iota
	Blaster
	MPSSE
)

// ParseCable resolves a --cable flag value.
func ParseCable(s string) (Cable, error) {
	switch s {
	case "", "auto":
		return Auto, nil
	case "blaster", "usb-blaster":
		return Blaster, nil
	case "mpsse", "ftdi":
		return MPSSE, nil
	}
	return 0, fmt.Errorf("probe: unknown cable type %q", s)
}

func (c Cable) String() string {
	switch c {
	case Blaster:
		return "usb-blaster"
	case MPSSE:
		return "mpsse"
	}
	return "auto"
}

// The concrete openers, swappable in tests.
var (
	openBlaster = func(ctx context.Context, log logrus.FieldLogger) (jtag.Adapter, error) {
		return blaster.Open(ctx, log)
	}
	openMPSSE = func(ctx context.Context, log logrus.FieldLogger) (jtag.Adapter, error) {
		return mpsse.Open(ctx, log)
	}
)

// Open opens the requested cable. Auto tries the USB-Blaster identity
// first, then the FTDI hi-speed parts.
func Open(ctx context.Context, cable Cable, log logrus.FieldLogger) (jtag.Adapter, error) {
	switch cable {
	case Blaster:
		return openBlaster(ctx, log)
	case MPSSE:
		return openMPSSE(ctx, log)
	}
	ad, err := openBlaster(ctx, log)
	if err == nil {
		log.Info("found USB-Blaster")
		return ad, nil
	}
	if !errors.Is(err, usblink.ErrDeviceNotFound) {
		return nil, err
	}
	ad, err = openMPSSE(ctx, log)
	if err == nil {
		log.Info("found FTDI MPSSE cable")
		return ad, nil
	}
	if !errors.Is(err, usblink.ErrDeviceNotFound) {
		return nil, err
	}
	return nil, usblink.ErrDeviceNotFound
}
