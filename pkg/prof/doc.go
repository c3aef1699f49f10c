// Package prof captures runtime profiles of the simulator.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/fx2sim
//	fx2sim -cpuprofile cpu.prof -memprofile heap.prof scenario.yaml
//
// Without the tag every function is a no-op, so callers need no build
// constraints of their own. The dispatch loop spins between events, which
// makes the CPU profile the interesting one.
package prof
