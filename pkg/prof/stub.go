//go:build !profile

package prof

// Profiling errors, never returned without the "profile" tag.
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
)

// Enabled reports whether profiling is compiled in.
const Enabled = false

// StartCPU is a no-op without the "profile" tag.
func StartCPU(string) error { return nil }

// StopCPU is a no-op without the "profile" tag.
func StopCPU() error { return nil }

// Write is a no-op without the "profile" tag.
func Write(Profile, string) error { return nil }
