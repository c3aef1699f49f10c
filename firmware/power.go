package firmware

import (
	"fmt"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// PowerState is the state of the suspend/resume sequence.
type PowerState uint8

// Power states. Every suspend starts and ends in PowerActive.
const (
	PowerActive        PowerState = iota // Normal dispatch
	PowerSuspending                      // Clearing wake pins, committing low power
	PowerSuspendedWait                   // Woken by an unpermitted remote wakeup; re-committing
	PowerResuming                        // Awake; driving remote-wakeup signaling if asserted
)

// String returns a human-readable state name.
func (s PowerState) String() string {
	switch s {
	case PowerActive:
		return "Active"
	case PowerSuspending:
		return "Suspending"
	case PowerSuspendedWait:
		return "SuspendedWait"
	case PowerResuming:
		return "Resuming"
	default:
		return fmt.Sprintf("Unknown PowerState (%d)", s)
	}
}

// PowerState returns the current power state.
func (c *Controller) PowerState() PowerState {
	return PowerState(c.power.Load())
}

func (c *Controller) setPowerState(next PowerState) {
	prev := PowerState(c.power.Swap(uint32(next)))
	if prev == next {
		return
	}
	pkg.LogDebug(pkg.ComponentPower, "power state changed",
		"from", prev.String(),
		"to", next.String())
	if c.onPowerChange != nil {
		c.onPowerChange(prev, next)
	}
}

// suspend runs the power state machine to completion. It blocks the
// dispatch loop for as long as the controller is suspended.
func (c *Controller) suspend() {
	c.setPowerState(PowerSuspending)
	pkg.LogInfo(pkg.ComponentPower, "entering suspend")

	commits := 0
	for {
		c.hal.ClearWakeupPending(hal.WakeupPinsAll)
		c.hal.EnterLowPower()
		commits++
		c.stats.commits.Add(1)

		// A wake pin asserted without permission to signal resume is not a
		// real wake; suspend again. Low power is re-committed every pass.
		if c.app.RemoteWakeupAllowed() || !c.hal.RemoteWakeup() {
			break
		}
		c.setPowerState(PowerSuspendedWait)
	}

	c.setPowerState(PowerResuming)
	remote := c.hal.RemoteWakeup()
	pkg.LogInfo(pkg.ComponentPower, "waking up",
		"commits", commits,
		"remote", remote)

	if remote {
		c.signalResume()
	}

	c.setPowerState(PowerActive)
}

// signalResume drives remote-wakeup resume signaling for the configured
// width after the configured delay.
func (c *Controller) signalResume() {
	c.stats.remoteWakeups.Add(1)
	c.clock.Delay(c.cfg.ResumeDelay)
	c.hal.SetResumeSignal(true)
	c.clock.Delay(c.cfg.ResumeWidth)
	c.hal.SetResumeSignal(false)
}
