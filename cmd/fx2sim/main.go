// Command fx2sim runs the firmware control loop against a simulated
// controller and plays a scripted sequence of bus events into it.
//
// Usage:
//
//	fx2sim [options] <scenario.yaml>
//
// Options:
//
//	-v            enable debug logging
//	-json         log in JSON
//	-config path  firmware configuration YAML
//	-no-suspend   build without suspend handling
//	-no-renum     connect without forcing re-enumeration
//	-cpuprofile   write a CPU profile (built with -tags profile)
//	-memprofile   write a heap profile (built with -tags profile)
//
// The scenario lists the events to inject:
//
//	wakeup_enable: [wu]
//	steps:
//	  - op: reset
//	  - op: highspeed
//	  - op: setup              # SET_FEATURE(DEVICE_REMOTE_WAKEUP)
//	    data: "00 03 01 00 00 00 00 00"
//	  - op: suspend
//	  - op: resume
//	    pins: [wu]
//	  - op: wait
//	    duration: 1ms
//
// When the scenario ends the loop is stopped and the simulated register
// trace is printed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbfw/firmware"
	"github.com/ardnew/usbfw/firmware/hal/sim"
	"github.com/ardnew/usbfw/pkg"
	"github.com/ardnew/usbfw/pkg/prof"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentSim

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	configPath := flag.String("config", "", "firmware configuration YAML")
	noSuspend := flag.Bool("no-suspend", false, "build without suspend handling")
	noRenum := flag.Bool("no-renum", false, "connect without forcing re-enumeration")
	cpuProfile := flag.String("cpuprofile", "", "write a CPU profile (requires -tags profile)")
	memProfile := flag.String("memprofile", "", "write a heap profile (requires -tags profile)")
	flag.Parse()

	if flag.NArg() < 1 {
		pkg.LogError(component, "missing scenario argument",
			"usage", "fx2sim [options] <scenario.yaml>")
		os.Exit(1)
	}

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	cfg := firmware.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = firmware.LoadConfig(*configPath); err != nil {
			pkg.LogError(component, "failed to load config", "error", err)
			os.Exit(1)
		}
	}
	if *noSuspend {
		cfg.SuspendEnabled = false
	}
	if *noRenum {
		cfg.Renumerate = false
	}

	sc, err := LoadScenario(flag.Arg(0))
	if err != nil {
		pkg.LogError(component, "failed to load scenario", "error", err)
		os.Exit(1)
	}

	if (*cpuProfile != "" || *memProfile != "") && !prof.Enabled {
		pkg.LogWarn(component, "profiling not compiled in, rebuild with -tags profile")
	}
	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			pkg.LogError(component, "failed to start CPU profile", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, sc, cfg, os.Stdout)
	cancel()

	if perr := prof.StopCPU(); perr != nil {
		pkg.LogWarn(component, "failed to write CPU profile", "error", perr)
	}
	if *memProfile != "" {
		if perr := prof.Write(prof.ProfileHeap, *memProfile); perr != nil {
			pkg.LogWarn(component, "failed to write heap profile", "error", perr)
		}
	}

	if err != nil {
		pkg.LogError(component, "scenario failed", "error", err)
		os.Exit(1)
	}
}

// run boots a controller on a fresh simulator, plays sc and writes the
// resulting trace and counters to w.
func run(ctx context.Context, sc *Scenario, cfg firmware.Config, w io.Writer) error {
	wakeEn, err := parsePins(sc.WakeupEnable)
	if err != nil {
		return err
	}
	opts := []sim.Option{sim.WithBlockingSuspend(), sim.WithWakeupEnable(wakeEn)}
	if sc.Renumerated {
		opts = append(opts, sim.WithRenumerated())
	}
	s := sim.New(opts...)

	handler, err := newHandler(s)
	if err != nil {
		return err
	}
	app := handler.App(nil, runtime.Gosched)

	ctrl, err := firmware.New(s, app,
		firmware.WithConfig(cfg),
		firmware.WithClock(s),
		firmware.WithPowerObserver(func(from, to firmware.PowerState) {
			pkg.LogInfo(component, "power",
				"from", from.String(),
				"to", to.String())
		}))
	if err != nil {
		return err
	}
	if err := ctrl.Boot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ctrl.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// A loop blocked in low power only returns once the simulator is
		// closed.
		defer s.Close()
		defer cancel()
		in := &injector{sim: s, ctrl: ctrl, cfg: cfg}
		return in.play(gctx, sc)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for _, op := range s.Trace() {
		fmt.Fprintln(w, op.String())
	}
	st := ctrl.Stats()
	fmt.Fprintf(w, "iterations=%d setups=%d suspends=%d commits=%d remote_wakeups=%d resets=%d highspeed=%d retraps=%d\n",
		st.Iterations, st.SetupsHandled, st.Suspends, st.LowPowerCommit,
		st.RemoteWakeups, st.BusResets, st.HighSpeed, s.Retraps())
	product, err := productString(handler.Speed())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "device=%04x:%04x product=%q\n", vendorID, productID, product)
	fmt.Fprintf(w, "speed=%s config=%d remote_wakeup=%t power=%s\n",
		handler.Speed(), handler.Configuration(), handler.RemoteWakeupAllowed(),
		ctrl.PowerState())
	return nil
}
