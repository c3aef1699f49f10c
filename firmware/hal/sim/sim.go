package sim

import (
	"sync"
	"time"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// SetupDataSize is the size of the SETUP packet buffer.
const SetupDataSize = 8

// MaxEP0Size is the size of the EP0 data buffer.
const MaxEP0Size = 64

// Controller is an in-memory model of a USB peripheral controller. It
// implements hal.ControllerHAL and hal.Clock, and the EP0 operations used
// by the setup-data handler.
//
// Interrupts are delivered synchronously on the goroutine that calls Fire,
// serialized so that no two handlers overlap, the way a single interrupt
// priority level behaves on hardware.
type Controller struct {
	// Register state
	vectors   [hal.NumSources]hal.ISR
	pending   uint8 // interrupt request bits
	enabled   uint8 // interrupt enable bits
	global    bool  // global interrupt enable
	wakePend  hal.WakeupPin
	wakeEn    hal.WakeupPin
	discon    bool
	renum     bool
	sigResume bool

	// Suspend model
	blocking bool
	schedule []hal.WakeupPin
	wakeCh   chan hal.WakeupPin
	closeCh  chan struct{}
	closed   bool
	sleeping bool // a blocking EnterLowPower is waiting for Wake
	commits  int

	// Virtual time and history
	now     time.Duration
	trace   []Op
	retraps int

	// EP0
	setupData  [SetupDataSize]byte
	ep0Out     []byte
	ep0In      [][]byte
	ep0Stalls  int
	ep0Acks    int
	ep0Stalled bool

	mutex sync.Mutex // protects the fields above
	irq   sync.Mutex // serializes interrupt context
}

// Option configures a Controller.
type Option func(*Controller)

// WithBlockingSuspend makes EnterLowPower block until Wake or Close is
// called instead of consuming the wake schedule.
func WithBlockingSuspend() Option {
	return func(c *Controller) { c.blocking = true }
}

// WithWakeupEnable sets the wake-pin enable bits.
func WithWakeupEnable(pins hal.WakeupPin) Option {
	return func(c *Controller) { c.wakeEn = pins }
}

// WithRenumerated starts the controller as if it had already renumerated
// in this session and is attached to the bus.
func WithRenumerated() Option {
	return func(c *Controller) {
		c.renum = true
		c.discon = false
	}
}

// New creates a simulated controller. It starts disconnected with all
// interrupts masked.
func New(opts ...Option) *Controller {
	c := &Controller{
		discon:  true,
		wakeCh:  make(chan hal.WakeupPin, 1),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ hal.ControllerHAL = (*Controller)(nil)
var _ hal.Clock = (*Controller)(nil)

// record appends an operation to the trace. The mutex must be held.
func (c *Controller) record(op Op) {
	op.At = c.now
	c.trace = append(c.trace, op)
}

// BindInterrupt installs isr on the vector for src.
func (c *Controller) BindInterrupt(src hal.Source, isr hal.ISR) error {
	if !src.Valid() || isr == nil {
		return pkg.ErrInvalidSource
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.vectors[src] = isr
	return nil
}

// EnableInterrupt unmasks src and delivers a request that was already
// pending.
func (c *Controller) EnableInterrupt(src hal.Source) error {
	if !src.Valid() {
		return pkg.ErrInvalidSource
	}
	c.mutex.Lock()
	c.enabled |= src.Mask()
	c.record(Op{Kind: OpEnable, Source: src})
	c.mutex.Unlock()

	c.deliverPending()
	return nil
}

// EnableGlobalInterrupts sets the global enable and delivers pending
// requests.
func (c *Controller) EnableGlobalInterrupts() {
	c.mutex.Lock()
	c.global = true
	c.record(Op{Kind: OpGlobalEnable})
	c.mutex.Unlock()

	c.deliverPending()
}

// AckInterrupt clears the request bit for src.
func (c *Controller) AckInterrupt(src hal.Source) {
	if !src.Valid() {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.pending &^= src.Mask()
	c.record(Op{Kind: OpAck, Source: src})
}

// Fire raises an interrupt request for src and, when it is deliverable,
// runs the bound handler before returning.
func (c *Controller) Fire(src hal.Source) error {
	if !src.Valid() {
		return pkg.ErrInvalidSource
	}
	c.mutex.Lock()
	c.pending |= src.Mask()
	c.record(Op{Kind: OpRequest, Source: src})
	isr, ok := c.deliverable(src)
	c.mutex.Unlock()

	if ok {
		c.service(src, isr)
	}
	return nil
}

// deliverable reports whether src can be serviced now. The mutex must be
// held.
func (c *Controller) deliverable(src hal.Source) (hal.ISR, bool) {
	isr := c.vectors[src]
	mask := src.Mask()
	return isr, c.global && isr != nil && c.enabled&mask != 0 && c.pending&mask != 0
}

// deliverPending services every deliverable pending request in vector
// order.
func (c *Controller) deliverPending() {
	for src := hal.Source(0); src < hal.NumSources; src++ {
		c.mutex.Lock()
		isr, ok := c.deliverable(src)
		c.mutex.Unlock()
		if ok {
			c.service(src, isr)
		}
	}
}

// service runs isr in interrupt context. A handler that returns without
// acknowledging a level-triggered source would re-trap forever on hardware;
// the model counts it and masks the request.
func (c *Controller) service(src hal.Source, isr hal.ISR) {
	c.irq.Lock()
	defer c.irq.Unlock()

	isr()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.pending&src.Mask() != 0 {
		c.retraps++
		c.pending &^= src.Mask()
		c.record(Op{Kind: OpRetrap, Source: src})
		pkg.LogWarn(pkg.ComponentSim, "interrupt returned without acknowledge",
			"source", src.String())
	}
}

// ClearWakeupPending clears the latched wakeup indication of pins.
func (c *Controller) ClearWakeupPending(pins hal.WakeupPin) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.wakePend &^= pins
	c.record(Op{Kind: OpClearWakeup, Pins: pins})
}

// EnterLowPower records the commit and returns once a wake event occurs.
// The wake latches its pins into the wakeup register and raises the resume
// interrupt.
func (c *Controller) EnterLowPower() {
	c.mutex.Lock()
	c.commits++
	c.record(Op{Kind: OpLowPower})
	blocking := c.blocking && !c.closed
	c.sleeping = blocking
	var pins hal.WakeupPin
	if !blocking && len(c.schedule) > 0 {
		pins = c.schedule[0]
		c.schedule = c.schedule[1:]
	}
	c.mutex.Unlock()

	if blocking {
		select {
		case pins = <-c.wakeCh:
		case <-c.closeCh:
		}
	}

	c.mutex.Lock()
	c.sleeping = false
	select {
	case <-c.wakeCh: // delivered after Close released the commit
	default:
	}
	c.wakePend |= pins
	c.record(Op{Kind: OpWake, Pins: pins})
	c.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "woke from low power",
		"pins", uint8(pins))
	c.Fire(hal.SourceResume)
}

// ScheduleWake queues the pins latched by successive non-blocking wakes.
// A zero entry, or an exhausted schedule, models a host-driven resume.
func (c *Controller) ScheduleWake(pins ...hal.WakeupPin) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.schedule = append(c.schedule, pins...)
}

// Wake releases a blocked EnterLowPower with the given pins asserted and
// reports whether it was delivered. It does not block. A wake with no
// commit waiting is dropped.
func (c *Controller) Wake(pins hal.WakeupPin) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.sleeping {
		return false
	}
	select {
	case c.wakeCh <- pins:
		c.sleeping = false
		return true
	default:
		return false
	}
}

// Close releases any blocked EnterLowPower and makes later ones return
// immediately.
func (c *Controller) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
}

// RemoteWakeup reports whether an enabled pin has a wakeup pending.
func (c *Controller) RemoteWakeup() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.wakePend&c.wakeEn != 0
}

// SetResumeSignal drives or releases resume signaling.
func (c *Controller) SetResumeSignal(on bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sigResume = on
	c.record(Op{Kind: OpResumeSignal, On: on})
}

// Renumerated reports whether renumeration has happened.
func (c *Controller) Renumerated() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.renum
}

// Disconnect sets DISCON and RENUM.
func (c *Controller) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.discon = true
	c.renum = true
	c.record(Op{Kind: OpDisconnect})
}

// Connect clears DISCON.
func (c *Controller) Connect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.discon = false
	c.record(Op{Kind: OpConnect})
}

// Delay advances virtual time by d without sleeping.
func (c *Controller) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.record(Op{Kind: OpDelay, Duration: d})
	c.now += d
}
