package firmware

import (
	"log/slog"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// vectors returns the interrupt service routines indexed by source.
func (c *Controller) vectors() [hal.NumSources]hal.ISR {
	return [hal.NumSources]hal.ISR{
		hal.SourceResume:    c.resumeISR,
		hal.SourceSetupData: c.setupDataISR,
		hal.SourceBusReset:  c.busResetISR,
		hal.SourceHighSpeed: c.highSpeedISR,
		hal.SourceSuspend:   c.suspendISR,
	}
}

// Vector returns the service routine for src, for HALs that install
// vectors themselves rather than through BindInterrupt.
func (c *Controller) Vector(src hal.Source) (hal.ISR, error) {
	if !src.Valid() {
		return nil, pkg.ErrInvalidSource
	}
	return c.vectors()[src], nil
}

// resumeISR only quiets the source so the CPU does not re-trap while the
// bus is still coming out of suspend.
func (c *Controller) resumeISR() {
	c.hal.AckInterrupt(hal.SourceResume)
}

// The source is acknowledged before the flag is raised: once the dispatch
// loop can observe the flag, the hardware request is already gone.
func (c *Controller) setupDataISR() {
	c.hal.AckInterrupt(hal.SourceSetupData)
	c.flags.RaiseSetup()
}

func (c *Controller) busResetISR() {
	c.stats.busResets.Add(1)
	c.speedChanged(false)
	c.hal.AckInterrupt(hal.SourceBusReset)
}

func (c *Controller) highSpeedISR() {
	c.stats.highSpeed.Add(1)
	c.speedChanged(true)
	c.hal.AckInterrupt(hal.SourceHighSpeed)
}

func (c *Controller) suspendISR() {
	c.hal.AckInterrupt(hal.SourceSuspend)
	c.flags.RaiseSuspend()
}

func (c *Controller) speedChanged(highSpeed bool) {
	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentInterrupt, "bus speed changed",
			"speed", hal.SpeedOf(highSpeed).String())
	}
	c.app.HandleSpeedChange(highSpeed)
}
