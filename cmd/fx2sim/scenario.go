package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbfw/firmware"
	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/firmware/hal/sim"
	"github.com/ardnew/usbfw/pkg"
)

// Step operations.
const (
	opSetup     = "setup"
	opReset     = "reset"
	opHighSpeed = "highspeed"
	opSuspend   = "suspend"
	opResume    = "resume"
	opWait      = "wait"
)

// drainPoll is how often the injector checks that the dispatch loop has
// consumed an event.
const drainPoll = 100 * time.Microsecond

// Scenario is a scripted sequence of bus events.
type Scenario struct {
	// WakeupEnable lists the wake pins enabled in WAKEUPCS (wu, wu2).
	WakeupEnable []string `yaml:"wakeup_enable"`

	// Renumerated starts the controller as already renumerated.
	Renumerated bool `yaml:"renumerated"`

	Steps []Step `yaml:"steps"`
}

// Step is one bus event.
type Step struct {
	Op string `yaml:"op"`

	// Data is the SETUP packet in hex; Out is the OUT data stage.
	Data string `yaml:"data,omitempty"`
	Out  string `yaml:"out,omitempty"`

	// Pins asserted by a resume. Empty means a host-driven resume.
	Pins []string `yaml:"pins,omitempty"`

	Duration time.Duration `yaml:"duration,omitempty"`
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if _, err := parsePins(sc.WakeupEnable); err != nil {
		return nil, err
	}
	for i, step := range sc.Steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &sc, nil
}

// LoadScenario reads the scenario file at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	return ParseScenario(data)
}

func (s Step) validate() error {
	switch s.Op {
	case opSetup:
		packet, err := decodeHex(s.Data)
		if err != nil {
			return err
		}
		if len(packet) != sim.SetupDataSize {
			return fmt.Errorf("setup data %d bytes: %w", len(packet), pkg.ErrSetupPacketTooShort)
		}
		out, err := decodeHex(s.Out)
		if err != nil {
			return err
		}
		if len(out) > sim.MaxEP0Size {
			return fmt.Errorf("out data %d bytes: %w", len(out), pkg.ErrBufferTooSmall)
		}
	case opResume:
		if _, err := parsePins(s.Pins); err != nil {
			return err
		}
	case opWait:
		if s.Duration < 0 {
			return fmt.Errorf("negative wait %v: %w", s.Duration, pkg.ErrInvalidParameter)
		}
	case opReset, opHighSpeed, opSuspend:
	default:
		return fmt.Errorf("unknown op %q: %w", s.Op, pkg.ErrInvalidParameter)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex %q: %w", s, pkg.ErrInvalidParameter)
	}
	return b, nil
}

func parsePins(names []string) (hal.WakeupPin, error) {
	var pins hal.WakeupPin
	for _, name := range names {
		switch strings.ToLower(name) {
		case "wu":
			pins |= hal.WakeupPinWU
		case "wu2":
			pins |= hal.WakeupPinWU2
		default:
			return 0, fmt.Errorf("wake pin %q: %w", name, pkg.ErrInvalidParameter)
		}
	}
	return pins, nil
}

// injector plays a scenario against a running controller.
type injector struct {
	sim  *sim.Controller
	ctrl *firmware.Controller
	cfg  firmware.Config
}

func (in *injector) play(ctx context.Context, sc *Scenario) error {
	for i, step := range sc.Steps {
		pkg.LogDebug(component, "step", "index", i, "op", step.Op)
		if err := in.apply(ctx, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		if err := in.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// apply injects one step. Steps were validated when the scenario was
// parsed.
func (in *injector) apply(ctx context.Context, step Step) error {
	switch step.Op {
	case opSetup:
		packet, _ := decodeHex(step.Data)
		out, _ := decodeHex(step.Out)
		done := in.sim.EP0Acks() + in.sim.EP0Stalls()
		if err := in.sim.SendSetup(packet, out); err != nil {
			return err
		}
		if in.ctrl.PowerState() == firmware.PowerActive {
			return in.waitStatus(ctx, done)
		}
	case opReset:
		return in.sim.Fire(hal.SourceBusReset)
	case opHighSpeed:
		return in.sim.Fire(hal.SourceHighSpeed)
	case opSuspend:
		suspended := in.ctrl.PowerState() != firmware.PowerActive
		commits := in.sim.Commits()
		if err := in.sim.Fire(hal.SourceSuspend); err != nil {
			return err
		}
		if in.cfg.SuspendEnabled && !suspended {
			return in.waitCommit(ctx, commits)
		}
	case opResume:
		pins, _ := parsePins(step.Pins)
		if !in.sim.Wake(pins) {
			pkg.LogWarn(component, "resume ignored, controller not in low power",
				"power", in.ctrl.PowerState().String())
			return nil
		}
		return in.waitActive(ctx)
	case opWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.Duration):
		}
	}
	return nil
}

// drain waits until the dispatch loop has taken every event flag it will
// act on. A suspend request is left pending when suspend is disabled, and
// nothing drains while the controller is in low power.
func (in *injector) drain(ctx context.Context) error {
	for {
		if in.ctrl.PowerState() != firmware.PowerActive {
			return nil
		}
		setup, suspend := in.ctrl.Pending()
		if !setup && (!suspend || !in.cfg.SuspendEnabled) {
			return nil
		}
		if err := pause(ctx); err != nil {
			return err
		}
	}
}

// waitStatus waits for the control transfer to finish with an ack or a
// stall, the way a host waits before sending the next SETUP.
func (in *injector) waitStatus(ctx context.Context, before int) error {
	for in.sim.EP0Acks()+in.sim.EP0Stalls() == before {
		if err := pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitCommit waits for the controller to commit low power.
func (in *injector) waitCommit(ctx context.Context, before int) error {
	for in.sim.Commits() == before {
		if err := pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitActive waits for the power state machine to return to Active. A
// wake that does not satisfy the controller leaves it suspended, so the
// wait gives up once the controller has re-committed low power.
func (in *injector) waitActive(ctx context.Context) error {
	commits := in.sim.Commits()
	for {
		if in.ctrl.PowerState() == firmware.PowerActive {
			return nil
		}
		if in.sim.Commits() > commits && in.ctrl.PowerState() == firmware.PowerSuspendedWait {
			return nil
		}
		if err := pause(ctx); err != nil {
			return err
		}
	}
}

func pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(drainPoll):
		return nil
	}
}
