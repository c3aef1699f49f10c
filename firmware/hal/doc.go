// Package hal defines the Hardware Abstraction Layer between the usbfw
// firmware core and a USB peripheral controller.
//
// The core only ever touches a narrow set of registers: interrupt request
// and enable bits for five vectors, the wakeup control register, the
// suspend commit, and the connect/renumerate/resume-signal bits of the USB
// control register. [ControllerHAL] exposes exactly those.
//
// # Interrupt Contract
//
// The HAL invokes the [ISR] bound to a [Source] when that source requests
// service, the source is enabled and global interrupts are enabled. The ISR
// runs in interrupt context and calls [ControllerHAL.AckInterrupt] before
// returning. Level-triggered sources re-trap immediately otherwise.
//
// # Timing
//
// Resume signaling widths are expressed as [time.Duration] values passed
// to a [Clock], so correctness does not depend on instruction timing.
// [SystemClock] sleeps on the Go runtime timer; simulated controllers
// provide a virtual clock.
//
// # Implementing a HAL
//
//	type MyController struct {
//	    // register pointers
//	}
//
//	func (c *MyController) AckInterrupt(src hal.Source) {
//	    usbirq.Set(src.Mask()) // write-1-to-clear
//	}
//
//	// ... implement remaining ControllerHAL methods
//
// A simulated controller for tests lives in
// [github.com/ardnew/usbfw/firmware/hal/sim].
package hal
