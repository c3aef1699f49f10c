package firmware

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// Controller is the resident control loop of the peripheral firmware. It
// owns the event flags, services the controller's interrupt vectors and
// runs the dispatch loop with its power state machine.
type Controller struct {
	hal   hal.ControllerHAL
	app   Application
	clock hal.Clock
	cfg   Config

	flags EventFlags
	power atomic.Uint32 // PowerState, written only by the dispatch loop

	onPowerChange func(old, new PowerState)

	// State
	booted  bool
	inited  bool // app.Init has run
	running bool
	mutex   sync.Mutex

	stats counters
}

// New creates a controller for the given hardware and application. The
// configuration starts from DefaultConfig and is adjusted by opts.
func New(h hal.ControllerHAL, app Application, opts ...Option) (*Controller, error) {
	if h == nil || app == nil {
		return nil, pkg.ErrInvalidParameter
	}

	c := &Controller{
		hal:   h,
		app:   app,
		clock: hal.SystemClock{},
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Boot brings the controller up: application init, interrupt vectors and
// enables, global interrupt enable, then either renumeration or a plain
// connect.
func (c *Controller) Boot() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.booted {
		return pkg.ErrAlreadyRunning
	}

	c.flags.Reset()
	if !c.inited {
		c.app.Init()
		c.inited = true
	}

	for src, isr := range c.vectors() {
		if err := c.hal.BindInterrupt(hal.Source(src), isr); err != nil {
			return err
		}
	}
	for src := hal.Source(0); src < hal.NumSources; src++ {
		if err := c.hal.EnableInterrupt(src); err != nil {
			return err
		}
	}
	c.hal.EnableGlobalInterrupts()

	if c.cfg.Renumerate {
		if !c.hal.Renumerated() {
			pkg.LogInfo(pkg.ComponentDispatch, "renumerating",
				"delay", c.cfg.RenumerateDelay)
			c.hal.Disconnect()
			c.clock.Delay(c.cfg.RenumerateDelay)
			c.hal.Connect()
		}
	} else {
		c.hal.Connect()
	}

	c.booted = true
	pkg.LogDebug(pkg.ComponentDispatch, "controller booted",
		"suspend", c.cfg.SuspendEnabled,
		"renumerate", c.cfg.Renumerate)
	return nil
}

// Run executes the dispatch loop until ctx is done. On hardware the loop
// never ends; ctx stands in for power loss or device reset and is only
// observed between iterations, never inside the power state machine.
func (c *Controller) Run(ctx context.Context) error {
	c.mutex.Lock()
	if !c.booted {
		c.mutex.Unlock()
		return pkg.ErrNotRunning
	}
	if c.running {
		c.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	c.running = true
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		c.running = false
		c.mutex.Unlock()
	}()

	pkg.LogDebug(pkg.ComponentDispatch, "dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			pkg.LogDebug(pkg.ComponentDispatch, "dispatch loop stopped",
				"iterations", c.stats.iterations.Load())
			return ctx.Err()
		default:
		}
		c.Poll()
	}
}

// Poll runs a single dispatch iteration: the application loop, then a
// pending SETUP packet, then a pending suspend. Run calls it repeatedly;
// callers that own their own main loop may call it directly.
func (c *Controller) Poll() {
	c.stats.iterations.Add(1)

	c.app.Loop()

	if c.flags.TakeSetup() {
		c.stats.setups.Add(1)
		c.app.HandleSetupData()
	}

	if c.cfg.SuspendEnabled && c.flags.TakeSuspend() {
		c.stats.suspends.Add(1)
		c.suspend()
	}
}

// Pending reports the event flags without draining them.
func (c *Controller) Pending() (setup, suspend bool) {
	return c.flags.SetupPending(), c.flags.SuspendPending()
}

// IsRunning returns true while Run is executing.
func (c *Controller) IsRunning() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.running
}

// Stats is a snapshot of controller activity counters.
type Stats struct {
	Iterations     uint64 // Dispatch iterations started
	SetupsHandled  uint64 // SETUP flags drained
	Suspends       uint64 // Suspend flags drained
	LowPowerCommit uint64 // Low-power commits, including re-commits
	RemoteWakeups  uint64 // Remote-wakeup signaling sequences driven
	BusResets      uint64 // Bus reset interrupts serviced
	HighSpeed      uint64 // High-speed interrupts serviced
}

type counters struct {
	iterations    atomic.Uint64
	setups        atomic.Uint64
	suspends      atomic.Uint64
	commits       atomic.Uint64
	remoteWakeups atomic.Uint64
	busResets     atomic.Uint64
	highSpeed     atomic.Uint64
}

// Stats returns a snapshot of the activity counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Iterations:     c.stats.iterations.Load(),
		SetupsHandled:  c.stats.setups.Load(),
		Suspends:       c.stats.suspends.Load(),
		LowPowerCommit: c.stats.commits.Load(),
		RemoteWakeups:  c.stats.remoteWakeups.Load(),
		BusResets:      c.stats.busResets.Load(),
		HighSpeed:      c.stats.highSpeed.Load(),
	}
}
