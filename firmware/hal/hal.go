package hal

import (
	"time"
)

// Speed represents the negotiated bus speed.
type Speed uint8

// Bus speeds reported by the reset and high-speed interrupts.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// SpeedOf maps the speed-change callback argument to a Speed.
func SpeedOf(highSpeed bool) Speed {
	if highSpeed {
		return SpeedHigh
	}
	return SpeedFull
}

// Source identifies one of the controller interrupt vectors serviced by the
// firmware core.
type Source uint8

// Interrupt sources.
const (
	SourceResume    Source = iota // Resume signaling detected while suspended
	SourceSetupData               // SETUP packet available in the setup buffer
	SourceBusReset                // Bus reset; speed falls back to full speed
	SourceHighSpeed               // High-speed handshake completed
	SourceSuspend                 // Bus idle, suspend requested

	NumSources = iota
)

// String returns the vector name.
func (s Source) String() string {
	switch s {
	case SourceResume:
		return "resume"
	case SourceSetupData:
		return "sudav"
	case SourceBusReset:
		return "usbreset"
	case SourceHighSpeed:
		return "hispeed"
	case SourceSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// Valid reports whether s names a known vector.
func (s Source) Valid() bool {
	return s < NumSources
}

// Mask returns the single-bit mask for s in an interrupt request register.
func (s Source) Mask() uint8 {
	return 1 << s
}

// WakeupPin is a mask of wake-capable pins whose pending bits live in the
// wakeup control register.
type WakeupPin uint8

// Wake-capable pins.
const (
	WakeupPinWU  WakeupPin = 1 << 0 // WAKEUP pin
	WakeupPinWU2 WakeupPin = 1 << 1 // Alternate WU2 pin

	WakeupPinsAll = WakeupPinWU | WakeupPinWU2
)

// ISR is an interrupt service routine bound to a Source. It runs in
// interrupt context: it must not block and must acknowledge its source
// before returning.
type ISR func()

// ControllerHAL abstracts the registers of the USB peripheral controller
// that the firmware core touches. Methods other than EnterLowPower must not
// block.
type ControllerHAL interface {
	// BindInterrupt installs isr on the vector for src. Binding happens
	// before interrupts are enabled.
	BindInterrupt(src Source, isr ISR) error

	// EnableInterrupt unmasks src.
	EnableInterrupt(src Source) error

	// EnableGlobalInterrupts sets the process-wide interrupt enable.
	EnableGlobalInterrupts()

	// AckInterrupt clears the request bit for src.
	AckInterrupt(src Source)

	// ClearWakeupPending clears the latched wakeup indication of pins.
	ClearWakeupPending(pins WakeupPin)

	// EnterLowPower commits the controller to suspend and stops the CPU
	// clock. It returns once a wake event has restarted execution. The
	// commit is latched before any interrupt can be serviced.
	EnterLowPower()

	// RemoteWakeup reports whether an enabled wake pin has a wakeup pending.
	RemoteWakeup() bool

	// SetResumeSignal drives (true) or releases (false) resume signaling
	// on the bus.
	SetResumeSignal(on bool)

	// Renumerated reports whether the controller already renumerated in
	// this session.
	Renumerated() bool

	// Disconnect detaches from the bus and arms renumeration.
	Disconnect()

	// Connect releases the disconnect so the host can see the device.
	Connect()
}

// Clock provides the delay primitive used for protocol-mandated signaling
// widths.
type Clock interface {
	// Delay blocks for at least d.
	Delay(d time.Duration)
}

// SystemClock implements Clock with the Go runtime timer.
type SystemClock struct{}

// Delay blocks for at least d.
func (SystemClock) Delay(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
