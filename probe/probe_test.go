// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package probe

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/jtaglab/jtagprog/jtag"
	"github.com/jtaglab/jtagprog/jtag/jtagtest"
	"github.com/jtaglab/jtagprog/usblink"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func swapOpeners(t *testing.T, blaster, mpsse func(context.Context, logrus.FieldLogger) (jtag.Adapter, error)) {
	t.Helper()
	ob, om := openBlaster, openMPSSE
	openBlaster, openMPSSE = blaster, mpsse
	t.Cleanup(func() {
		openBlaster, openMPSSE = ob, om
	})
}

func TestParseCable(t *testing.T) {
	for in, want := range map[string]Cable{
		"":            Auto,
		"auto":        Auto,
		"blaster":     Blaster,
		"usb-blaster": Blaster,
		"mpsse":       MPSSE,
		"ftdi":        MPSSE,
	} {
		got, err := ParseCable(in)
		if err != nil || got != want {
			t.Errorf("ParseCable(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseCable("parallel3"); err == nil {
		t.Error("expected error for unknown cable")
	}
}

func TestAutoFallsBackToMPSSE(t *testing.T) {
	want := jtagtest.New()
	swapOpeners(t,
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return nil, usblink.ErrDeviceNotFound
		},
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return want, nil
		},
	)
	got, err := Open(context.Background(), Auto, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if got != jtag.Adapter(want) {
		t.Fatal("wrong adapter returned")
	}
}

func TestAutoPrefersBlaster(t *testing.T) {
	want := jtagtest.New()
	swapOpeners(t,
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return want, nil
		},
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			t.Fatal("MPSSE opener must not run when the blaster is present")
			return nil, nil
		},
	)
	got, err := Open(context.Background(), Auto, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if got != jtag.Adapter(want) {
		t.Fatal("wrong adapter returned")
	}
}

func TestAutoSurfacesRealErrors(t *testing.T) {
	boom := errors.New("boom")
	swapOpeners(t,
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return nil, boom
		},
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return nil, usblink.ErrDeviceNotFound
		},
	)
	if _, err := Open(context.Background(), Auto, quietLog()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestNothingFound(t *testing.T) {
	swapOpeners(t,
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return nil, usblink.ErrDeviceNotFound
		},
		func(context.Context, logrus.FieldLogger) (jtag.Adapter, error) {
			return nil, usblink.ErrDeviceNotFound
		},
	)
	if _, err := Open(context.Background(), Auto, quietLog()); !errors.Is(err, usblink.ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}
