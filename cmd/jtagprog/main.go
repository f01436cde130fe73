// Copyright 2024 The JTAGProg Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// jtagprog programs FPGAs over JTAG from SVF files or Xilinx bitstreams,
// through an Altera USB-Blaster or an FTDI MPSSE cable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"periph.io/x/conn/v3/physic"

	"github.com/jtaglab/jtagprog/jtag"
	"github.com/jtaglab/jtagprog/probe"
	"github.com/jtaglab/jtagprog/svf"
	"github.com/jtaglab/jtagprog/xilinx"
)

var (
	flagCable    string
	flagFreq     string
	flagVerbose  bool
	flagNoVerify bool
)

func main() {
	root := &cobra.Command{
		Use:           "jtagprog",
		Short:         "program FPGAs over JTAG (USB-Blaster / FTDI MPSSE)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagCable, "cable", "auto", "cable type: auto, blaster or mpsse")
	root.PersistentFlags().StringVar(&flagFreq, "freq", "", "TCK frequency, e.g. 10MHz (MPSSE only)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	svfCmd := &cobra.Command{
		Use:   "svf <file.svf>",
		Short: "execute an SVF command stream",
		Args:  cobra.ExactArgs(1),
		RunE:  runSVF,
	}
	svfCmd.Flags().BoolVar(&flagNoVerify, "no-verify", false, "skip TDO comparisons")

	bitCmd := &cobra.Command{
		Use:   "bit <file.bit>",
		Short: "load a Xilinx 7-series bitstream into SRAM",
		Args:  cobra.ExactArgs(1),
		RunE:  runBit,
	}

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "find a cable and read the device IDCODE",
		Args:  cobra.NoArgs,
		RunE:  runDetect,
	}

	root.AddCommand(svfCmd, bitCmd, detectCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jtagprog:", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.Formatter = &prefixed.TextFormatter{FullTimestamp: true}
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func newSpinner(suffix string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// openEngine opens the cable, applies --freq and wraps the adapter in a
// TAP engine.
func openEngine(ctx context.Context, log *logrus.Logger) (*jtag.Engine, jtag.Adapter, error) {
	cable, err := probe.ParseCable(flagCable)
	if err != nil {
		return nil, nil, err
	}
	ad, err := probe.Open(ctx, cable, log)
	if err != nil {
		return nil, nil, err
	}
	if flagFreq != "" {
		var f physic.Frequency
		if err := f.Set(flagFreq); err != nil {
			_ = ad.Close()
			return nil, nil, fmt.Errorf("bad --freq: %w", err)
		}
		if actual, err := ad.SetClock(ctx, f); err != nil {
			log.Warnf("clock request failed: %v", err)
		} else {
			log.Infof("TCK at %s", actual)
		}
	}
	return jtag.NewEngine(ad, log), ad, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSVF(cmd *cobra.Command, args []string) error {
	log := newLogger()
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	prog, err := svf.Parse(f)
	if err != nil {
		return err
	}
	log.Infof("parsed %d SVF commands", len(prog))

	ctx, cancel := signalContext()
	defer cancel()
	eng, ad, err := openEngine(ctx, log)
	if err != nil {
		return err
	}
	defer ad.Close()
	if err := eng.Reset(ctx); err != nil {
		return err
	}

	spin, err := newSpinner("executing " + args[0])
	if err != nil {
		return err
	}
	_ = spin.Start()
	sess := svf.NewSession(eng, log, svf.Options{
		SkipVerify: flagNoVerify,
		Progress: func(done, total int) {
			spin.Message(fmt.Sprintf("%d%% (%d/%d)", done*100/total, done, total))
		},
	})
	if err := sess.Run(ctx, prog); err != nil {
		_ = spin.StopFail()
		return err
	}
	_ = spin.Stop()
	return nil
}

func runBit(cmd *cobra.Command, args []string) error {
	log := newLogger()
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	bf, err := xilinx.ReadBitFile(f)
	f.Close()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	eng, ad, err := openEngine(ctx, log)
	if err != nil {
		return err
	}
	defer ad.Close()

	spin, err := newSpinner("configuring " + args[0])
	if err != nil {
		return err
	}
	_ = spin.Start()
	prg := xilinx.NewProgrammer(eng, log)
	prg.Progress = func(pct int) {
		spin.Message(fmt.Sprintf("%d%%", pct))
	}
	if err := prg.Program(ctx, bf); err != nil {
		_ = spin.StopFail()
		return err
	}
	_ = spin.Stop()
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	log := newLogger()
	ctx, cancel := signalContext()
	defer cancel()
	eng, ad, err := openEngine(ctx, log)
	if err != nil {
		return err
	}
	defer ad.Close()

	prg := xilinx.NewProgrammer(eng, log)
	idcode, err := prg.ReadIDCODE(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("IDCODE: %#08x\n", idcode)
	return nil
}
