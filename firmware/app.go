package firmware

// Application is the board-specific collaborator driven by the controller.
//
// Loop and HandleSetupData run on the dispatch loop and must return
// promptly; scheduling is cooperative. HandleSpeedChange runs in interrupt
// context on every bus reset and high-speed handshake: it must be fast,
// must not block and must not toggle interrupt enables.
type Application interface {
	// Init configures descriptors and endpoints. Called once, before any
	// interrupt is enabled.
	Init()

	// Loop is called on every dispatch iteration.
	Loop()

	// HandleSetupData consumes and answers the pending SETUP packet.
	HandleSetupData()

	// HandleSpeedChange reports a bus reset (false) or a completed
	// high-speed handshake (true).
	HandleSpeedChange(highSpeed bool)

	// RemoteWakeupAllowed reports whether the host has granted the device
	// permission to signal resume on its own.
	RemoteWakeupAllowed() bool
}

// AppFuncs adapts plain functions to Application. Nil fields are no-ops;
// a nil RemoteWakeupFunc denies remote wakeup.
type AppFuncs struct {
	InitFunc         func()
	LoopFunc         func()
	SetupDataFunc    func()
	SpeedChangeFunc  func(highSpeed bool)
	RemoteWakeupFunc func() bool
}

var _ Application = AppFuncs{}

// Init calls InitFunc.
func (a AppFuncs) Init() {
	if a.InitFunc != nil {
		a.InitFunc()
	}
}

// Loop calls LoopFunc.
func (a AppFuncs) Loop() {
	if a.LoopFunc != nil {
		a.LoopFunc()
	}
}

// HandleSetupData calls SetupDataFunc.
func (a AppFuncs) HandleSetupData() {
	if a.SetupDataFunc != nil {
		a.SetupDataFunc()
	}
}

// HandleSpeedChange calls SpeedChangeFunc.
func (a AppFuncs) HandleSpeedChange(highSpeed bool) {
	if a.SpeedChangeFunc != nil {
		a.SpeedChangeFunc(highSpeed)
	}
}

// RemoteWakeupAllowed calls RemoteWakeupFunc.
func (a AppFuncs) RemoteWakeupAllowed() bool {
	if a.RemoteWakeupFunc != nil {
		return a.RemoteWakeupFunc()
	}
	return false
}
