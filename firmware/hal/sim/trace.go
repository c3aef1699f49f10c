package sim

import (
	"fmt"
	"time"

	"github.com/ardnew/usbfw/firmware/hal"
)

// OpKind identifies a register-level operation in the trace.
type OpKind uint8

// Traced operations.
const (
	OpRequest      OpKind = iota // Interrupt request raised
	OpEnable                     // Interrupt source unmasked
	OpGlobalEnable               // Global interrupt enable set
	OpAck                        // Interrupt request acknowledged
	OpRetrap                     // Handler returned without acknowledging
	OpClearWakeup                // Wake pin pending bits cleared
	OpLowPower                   // Low-power mode committed
	OpWake                       // Execution resumed from low power
	OpResumeSignal               // Resume signaling driven or released
	OpDisconnect                 // DISCON and RENUM set
	OpConnect                    // DISCON cleared
	OpDelay                      // Virtual time advanced
	OpEP0Write                   // EP0 IN data stage
	OpEP0Read                    // EP0 OUT data stage
	OpEP0Stall                   // EP0 stalled
	OpEP0Ack                     // EP0 handshake completed
)

// String returns the operation name.
func (k OpKind) String() string {
	switch k {
	case OpRequest:
		return "request"
	case OpEnable:
		return "enable"
	case OpGlobalEnable:
		return "global-enable"
	case OpAck:
		return "ack"
	case OpRetrap:
		return "retrap"
	case OpClearWakeup:
		return "clear-wakeup"
	case OpLowPower:
		return "low-power"
	case OpWake:
		return "wake"
	case OpResumeSignal:
		return "resume-signal"
	case OpDisconnect:
		return "disconnect"
	case OpConnect:
		return "connect"
	case OpDelay:
		return "delay"
	case OpEP0Write:
		return "ep0-write"
	case OpEP0Read:
		return "ep0-read"
	case OpEP0Stall:
		return "ep0-stall"
	case OpEP0Ack:
		return "ep0-ack"
	default:
		return fmt.Sprintf("op(%d)", k)
	}
}

// Op is one traced operation, stamped with virtual time.
type Op struct {
	At       time.Duration
	Kind     OpKind
	Source   hal.Source    // OpRequest, OpEnable, OpAck, OpRetrap
	Pins     hal.WakeupPin // OpClearWakeup, OpWake
	On       bool          // OpResumeSignal
	Duration time.Duration // OpDelay
	Length   int           // OpEP0Write, OpEP0Read
}

// String formats the operation for trace listings.
func (o Op) String() string {
	switch o.Kind {
	case OpRequest, OpEnable, OpAck, OpRetrap:
		return fmt.Sprintf("%10v %s %s", o.At, o.Kind, o.Source)
	case OpClearWakeup, OpWake:
		return fmt.Sprintf("%10v %s pins=%#02x", o.At, o.Kind, uint8(o.Pins))
	case OpResumeSignal:
		return fmt.Sprintf("%10v %s on=%t", o.At, o.Kind, o.On)
	case OpDelay:
		return fmt.Sprintf("%10v %s %v", o.At, o.Kind, o.Duration)
	case OpEP0Write, OpEP0Read:
		return fmt.Sprintf("%10v %s len=%d", o.At, o.Kind, o.Length)
	default:
		return fmt.Sprintf("%10v %s", o.At, o.Kind)
	}
}

// Trace returns a copy of the operations recorded so far.
func (c *Controller) Trace() []Op {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]Op, len(c.trace))
	copy(out, c.trace)
	return out
}

// Ops returns the recorded operations of the given kinds, in order.
func (c *Controller) Ops(kinds ...OpKind) []Op {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var out []Op
	for _, op := range c.trace {
		for _, k := range kinds {
			if op.Kind == k {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

// ResetTrace discards the recorded operations.
func (c *Controller) ResetTrace() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.trace = c.trace[:0]
}

// Now returns the virtual time.
func (c *Controller) Now() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

// Commits returns the number of low-power commits.
func (c *Controller) Commits() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.commits
}

// Retraps returns the number of handlers that returned without
// acknowledging their source.
func (c *Controller) Retraps() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.retraps
}

// Pending reports whether src has an unacknowledged request.
func (c *Controller) Pending(src hal.Source) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pending&src.Mask() != 0
}

// Enabled reports whether src is unmasked.
func (c *Controller) Enabled(src hal.Source) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.enabled&src.Mask() != 0
}

// GlobalEnabled reports the global interrupt enable.
func (c *Controller) GlobalEnabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.global
}

// Connected reports whether DISCON is clear.
func (c *Controller) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return !c.discon
}

// ResumeSignal reports whether resume signaling is being driven.
func (c *Controller) ResumeSignal() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sigResume
}

// WakeupPending returns the latched wakeup bits.
func (c *Controller) WakeupPending() hal.WakeupPin {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.wakePend
}
