package firmware

import "sync/atomic"

// EventFlags is the only state shared between interrupt context and the
// dispatch loop. Each flag has a single writer (its interrupt handler,
// which only ever sets it) and a single reader (the dispatch loop, which
// is the only party that clears it).
type EventFlags struct {
	setup   atomic.Bool
	suspend atomic.Bool
}

// RaiseSetup marks a SETUP packet as pending.
func (f *EventFlags) RaiseSetup() { f.setup.Store(true) }

// RaiseSuspend marks a suspend request as pending.
func (f *EventFlags) RaiseSuspend() { f.suspend.Store(true) }

// TakeSetup clears the setup flag and reports whether it was set. The read
// and the clear are one atomic step, so a handler that re-raises the flag
// concurrently is never lost.
func (f *EventFlags) TakeSetup() bool { return f.setup.Swap(false) }

// TakeSuspend clears the suspend flag and reports whether it was set.
func (f *EventFlags) TakeSuspend() bool { return f.suspend.Swap(false) }

// SetupPending reports the setup flag without clearing it.
func (f *EventFlags) SetupPending() bool { return f.setup.Load() }

// SuspendPending reports the suspend flag without clearing it.
func (f *EventFlags) SuspendPending() bool { return f.suspend.Load() }

// Reset clears both flags. Only used at boot, before interrupts are enabled.
func (f *EventFlags) Reset() {
	f.setup.Store(false)
	f.suspend.Store(false)
}
