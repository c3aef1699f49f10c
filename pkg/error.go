package pkg

import "errors"

// Firmware errors. The dispatch loop itself never fails; these are returned
// by construction, boot and the setup-data collaborator.
var (
	// ErrAlreadyRunning indicates the controller has already booted.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller has not booted.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidConfig indicates a configuration value violates a hardware
	// timing contract.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidSource indicates an unknown interrupt source.
	ErrInvalidSource = errors.New("invalid interrupt source")

	// ErrInvalidRequest indicates an invalid or unsupported control request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrStall indicates the control endpoint was stalled.
	ErrStall = errors.New("endpoint stalled")

	// ErrBusReset indicates a bus reset cancelled a request in progress.
	ErrBusReset = errors.New("bus reset")
)
