// Package sim implements a simulated USB peripheral controller for testing
// the usbfw firmware core without hardware.
//
// The [Controller] models the registers the core touches: interrupt
// request and enable bits, the global interrupt enable, the wakeup control
// register (pending and enable bits for WU and WU2), and the DISCON, RENUM
// and SIGRESUME bits of the USB control register. It also holds the SETUP
// packet buffer and records EP0 data stages for the setup-data handler.
//
// # Interrupts
//
// [Controller.Fire] raises a request. When the source is enabled, bound and
// global interrupts are on, the handler runs before Fire returns. Handlers
// are serialized. A handler that returns with its request still pending is
// counted by [Controller.Retraps].
//
// # Suspend
//
// Each [Controller.EnterLowPower] consumes one entry of the wake schedule
// ([Controller.ScheduleWake]) and latches those pins as pending, then
// raises the resume interrupt. With [WithBlockingSuspend] it instead waits
// for [Controller.Wake] or [Controller.Close].
//
// # Time
//
// The controller is also a [hal.Clock]: [Controller.Delay] advances virtual
// time instantly, and every traced [Op] carries the virtual time at which
// it happened.
//
// # Usage
//
//	ctrl := sim.New(sim.WithWakeupEnable(hal.WakeupPinWU))
//	fw, _ := firmware.New(ctrl, app, firmware.WithClock(ctrl))
//	fw.Boot()
//
//	ctrl.Fire(hal.SourceSuspend)
//	ctrl.ScheduleWake(hal.WakeupPinWU)
//	fw.Poll()
//
//	for _, op := range ctrl.Trace() {
//	    fmt.Println(op)
//	}
package sim
