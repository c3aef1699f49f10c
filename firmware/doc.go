// Package firmware implements the resident control loop of a USB
// peripheral controller: interrupt handlers that raise event flags, a
// cooperative dispatch loop that drains them, and the suspend/resume power
// state machine with remote-wakeup signaling.
//
// # Architecture
//
//	hardware → ISRs → EventFlags → dispatch loop → power state machine
//	                                            ↘ Application.HandleSetupData
//
// Five interrupt vectors are serviced (see [hal.Source]). Resume only
// acknowledges its source. Setup-data and suspend acknowledge and raise a
// flag. Bus reset and high-speed call [Application.HandleSpeedChange]
// directly from interrupt context and then acknowledge.
//
// The dispatch loop ([Controller.Poll], repeated by [Controller.Run]) calls
// [Application.Loop], then drains the setup flag, then (when suspend
// support is configured) drains the suspend flag and runs the power state
// machine to completion.
//
// # Power States
//
//	Active → Suspending → [SuspendedWait ...] → Resuming → Active
//
// While suspended the controller re-commits low power for as long as a wake
// pin is asserted but the host has not granted remote wakeup. On exit, an
// asserted wake pin triggers resume signaling: [MinResumeDelay], signal on,
// [MinResumeWidth], signal off.
//
// # Example
//
//	ctrl, err := firmware.New(controller, app,
//	    firmware.WithSuspend(true),
//	    firmware.WithRenumerate(false))
//	if err != nil {
//	    return err
//	}
//	if err := ctrl.Boot(); err != nil {
//	    return err
//	}
//	return ctrl.Run(ctx)
//
// A simulated controller for testing is available in
// [github.com/ardnew/usbfw/firmware/hal/sim].
package firmware
