package firmware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/firmware/hal/sim"
	"github.com/ardnew/usbfw/pkg"
)

// recorder is an Application that logs every callback in order.
type recorder struct {
	mutex  sync.Mutex
	events []string

	remoteWakeup bool

	// Optional hooks run inside the callbacks.
	onInit  func()
	onLoop  func()
	onSetup func()
}

func (r *recorder) add(ev string) {
	r.mutex.Lock()
	r.events = append(r.events, ev)
	r.mutex.Unlock()
}

func (r *recorder) Init() {
	r.add("init")
	if r.onInit != nil {
		r.onInit()
	}
}

func (r *recorder) Loop() {
	r.add("loop")
	if r.onLoop != nil {
		r.onLoop()
	}
}

func (r *recorder) HandleSetupData() {
	r.add("setup")
	if r.onSetup != nil {
		r.onSetup()
	}
}

func (r *recorder) HandleSpeedChange(highSpeed bool) {
	if highSpeed {
		r.add("speed:high")
	} else {
		r.add("speed:full")
	}
}

func (r *recorder) RemoteWakeupAllowed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.remoteWakeup
}

func (r *recorder) allowRemoteWakeup(allowed bool) {
	r.mutex.Lock()
	r.remoteWakeup = allowed
	r.mutex.Unlock()
}

func (r *recorder) Events() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.Events() {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mutex.Lock()
	r.events = nil
	r.mutex.Unlock()
}

// newBooted returns a booted controller on a simulated HAL using the
// simulator as its clock.
func newBooted(t *testing.T, app *recorder, simOpts []sim.Option, opts ...Option) (*Controller, *sim.Controller) {
	t.Helper()
	h := sim.New(simOpts...)
	c, err := New(h, app, append([]Option{WithClock(h)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Boot(); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	app.reset()
	h.ResetTrace()
	return c, h
}

func equalEvents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNewInvalid(t *testing.T) {
	h := sim.New()
	app := &recorder{}

	if _, err := New(nil, app); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil hal) error = %v", err)
	}
	if _, err := New(h, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil app) error = %v", err)
	}
	if _, err := New(h, app, WithClock(nil)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil clock) error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.ResumeWidth = 10 * time.Millisecond
	if _, err := New(h, app, WithConfig(cfg)); !errors.Is(err, pkg.ErrInvalidConfig) {
		t.Errorf("New(short resume width) error = %v", err)
	}
}

func TestNewOptions(t *testing.T) {
	c, err := New(sim.New(), &recorder{}, WithSuspend(false), WithRenumerate(false))
	if err != nil {
		t.Fatal(err)
	}
	cfg := c.Config()
	if cfg.SuspendEnabled || cfg.Renumerate {
		t.Errorf("Config() = %+v, want suspend and renumerate off", cfg)
	}
	if cfg.ResumeDelay != MinResumeDelay || cfg.ResumeWidth != MinResumeWidth {
		t.Errorf("resume timing = %v/%v, want defaults", cfg.ResumeDelay, cfg.ResumeWidth)
	}
}

func TestBoot(t *testing.T) {
	tests := []struct {
		name       string
		simOpts    []sim.Option
		renumerate bool
		wantOps    []sim.OpKind
		wantDelay  time.Duration
	}{
		{
			name:       "renumerate",
			renumerate: true,
			wantOps:    []sim.OpKind{sim.OpDisconnect, sim.OpDelay, sim.OpConnect},
			wantDelay:  DefaultRenumerateDelay,
		},
		{
			name:       "already renumerated",
			simOpts:    []sim.Option{sim.WithRenumerated()},
			renumerate: true,
			wantOps:    nil,
		},
		{
			name:       "no renumerate",
			renumerate: false,
			wantOps:    []sim.OpKind{sim.OpConnect},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := sim.New(tt.simOpts...)
			app := &recorder{}
			app.onInit = func() {
				if h.GlobalEnabled() {
					t.Error("interrupts enabled before Init")
				}
			}

			c, err := New(h, app, WithClock(h), WithRenumerate(tt.renumerate))
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Boot(); err != nil {
				t.Fatalf("Boot() error = %v", err)
			}

			if got := app.Events(); !equalEvents(got, []string{"init"}) {
				t.Errorf("events = %v, want [init]", got)
			}
			if !h.GlobalEnabled() {
				t.Error("global interrupts not enabled")
			}
			for src := hal.Source(0); src < hal.NumSources; src++ {
				if !h.Enabled(src) {
					t.Errorf("source %v not enabled", src)
				}
			}
			if !h.Connected() {
				t.Error("not connected after boot")
			}

			ops := h.Ops(sim.OpDisconnect, sim.OpDelay, sim.OpConnect)
			if len(ops) != len(tt.wantOps) {
				t.Fatalf("connect ops = %v, want kinds %v", ops, tt.wantOps)
			}
			for i, op := range ops {
				if op.Kind != tt.wantOps[i] {
					t.Errorf("op[%d] = %v, want %v", i, op.Kind, tt.wantOps[i])
				}
				if op.Kind == sim.OpDelay && op.Duration != tt.wantDelay {
					t.Errorf("renumerate delay = %v, want %v", op.Duration, tt.wantDelay)
				}
			}

			if err := c.Boot(); !errors.Is(err, pkg.ErrAlreadyRunning) {
				t.Errorf("second Boot() error = %v, want ErrAlreadyRunning", err)
			}
		})
	}
}

// flakyEnable fails the first EnableInterrupt call.
type flakyEnable struct {
	*sim.Controller
	failed bool
}

func (f *flakyEnable) EnableInterrupt(src hal.Source) error {
	if !f.failed {
		f.failed = true
		return pkg.ErrNotSupported
	}
	return f.Controller.EnableInterrupt(src)
}

func TestBootRetryInitOnce(t *testing.T) {
	app := &recorder{}
	s := sim.New()
	c, err := New(&flakyEnable{Controller: s}, app, WithClock(s))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Boot(); !errors.Is(err, pkg.ErrNotSupported) {
		t.Fatalf("Boot() error = %v, want ErrNotSupported", err)
	}
	if err := c.Boot(); err != nil {
		t.Fatalf("Boot() retry error = %v", err)
	}
	if n := app.count("init"); n != 1 {
		t.Errorf("Init called %d times, want 1", n)
	}
}

func TestRunRequiresBoot(t *testing.T) {
	c, err := New(sim.New(), &recorder{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Run() before Boot error = %v, want ErrNotRunning", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	app := &recorder{}
	c, _ := newBooted(t, app, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !c.IsRunning() || app.count("loop") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatch loop did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Run(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("concurrent Run() error = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if c.IsRunning() {
		t.Error("IsRunning() = true after Run returned")
	}
}

func TestPollOrder(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil, WithPowerObserver(func(_, s PowerState) {
		app.add("power:" + s.String())
	}))

	h.Fire(hal.SourceSuspend)
	h.Fire(hal.SourceSetupData)
	c.Poll()

	want := []string{
		"loop",
		"setup",
		"power:Suspending",
		"power:Resuming",
		"power:Active",
	}
	if got := app.Events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if c.PowerState() != PowerActive {
		t.Errorf("PowerState() = %v, want Active", c.PowerState())
	}
}

func TestPollIdle(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil)

	for i := 0; i < 3; i++ {
		c.Poll()
	}
	if got := app.Events(); !equalEvents(got, []string{"loop", "loop", "loop"}) {
		t.Errorf("events = %v", got)
	}
	if h.Commits() != 0 {
		t.Errorf("Commits() = %d with no suspend request", h.Commits())
	}
	if s := c.Stats(); s.Iterations != 3 || s.SetupsHandled != 0 || s.Suspends != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSetupAtMostOncePerEdge(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil)

	// Two requests before the loop drains coalesce into one pending edge.
	h.Fire(hal.SourceSetupData)
	h.Fire(hal.SourceSetupData)
	if setup, _ := c.Pending(); !setup {
		t.Fatal("setup flag not raised")
	}

	c.Poll()
	c.Poll()

	if n := app.count("setup"); n != 1 {
		t.Errorf("setup handled %d times, want 1", n)
	}
	if setup, _ := c.Pending(); setup {
		t.Error("setup flag still pending after drain")
	}
	if got := c.Stats().SetupsHandled; got != 1 {
		t.Errorf("SetupsHandled = %d, want 1", got)
	}
}

func TestSetupRaisedDuringLoop(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil)

	fired := false
	app.onLoop = func() {
		if !fired {
			fired = true
			h.Fire(hal.SourceSetupData)
		}
	}
	c.Poll()

	if got := app.Events(); !equalEvents(got, []string{"loop", "setup"}) {
		t.Errorf("events = %v, want [loop setup]", got)
	}
}

func TestSetupRaisedDuringHandler(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil)

	// A request that arrives while the previous one is being handled is
	// picked up by the next iteration, right after the application loop.
	again := true
	app.onSetup = func() {
		if again {
			again = false
			h.Fire(hal.SourceSetupData)
		}
	}

	h.Fire(hal.SourceSetupData)
	c.Poll()
	c.Poll()
	c.Poll()

	want := []string{"loop", "setup", "loop", "setup", "loop"}
	if got := app.Events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSuspendDisabled(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil, WithSuspend(false))

	h.Fire(hal.SourceSuspend)
	c.Poll()

	if h.Commits() != 0 {
		t.Errorf("Commits() = %d with suspend disabled", h.Commits())
	}
	if h.Pending(hal.SourceSuspend) {
		t.Error("suspend source not acknowledged")
	}
	if c.Stats().Suspends != 0 {
		t.Error("suspend drained with suspend disabled")
	}
}

func TestBusResetAndHighSpeed(t *testing.T) {
	app := &recorder{}
	c, h := newBooted(t, app, nil)

	h.Fire(hal.SourceBusReset)
	// The callback has already run when Fire returns, before any Poll.
	if got := app.Events(); !equalEvents(got, []string{"speed:full"}) {
		t.Fatalf("events after reset = %v, want [speed:full]", got)
	}

	h.Fire(hal.SourceHighSpeed)
	if got := app.Events(); !equalEvents(got, []string{"speed:full", "speed:high"}) {
		t.Fatalf("events after hispeed = %v", got)
	}

	c.Poll()
	if got := app.count("loop"); got != 1 {
		t.Errorf("loop ran %d times, want 1", got)
	}

	s := c.Stats()
	if s.BusResets != 1 || s.HighSpeed != 1 {
		t.Errorf("Stats() = %+v, want one reset and one high-speed", s)
	}
	if h.Pending(hal.SourceBusReset) || h.Pending(hal.SourceHighSpeed) {
		t.Error("speed sources not acknowledged")
	}
}

func TestHandlersAcknowledgeBeforeReturn(t *testing.T) {
	app := &recorder{remoteWakeup: true}
	c, h := newBooted(t, app, []sim.Option{sim.WithWakeupEnable(hal.WakeupPinsAll)})

	for src := hal.Source(0); src < hal.NumSources; src++ {
		h.Fire(src)
		if h.Pending(src) {
			t.Errorf("%v still pending after its handler returned", src)
		}
	}
	h.ScheduleWake(hal.WakeupPinWU)
	c.Poll()

	if got := h.Retraps(); got != 0 {
		t.Errorf("Retraps() = %d, want 0", got)
	}

	// Each flag-raising handler acknowledges before it raises.
	trace := h.Trace()
	for i, op := range trace {
		if op.Kind != sim.OpRequest {
			continue
		}
		if i+1 >= len(trace) || trace[i+1].Kind == sim.OpRetrap {
			t.Errorf("request %v at %d not followed by handler work", op.Source, i)
		}
	}
}

func TestVector(t *testing.T) {
	c, err := New(sim.New(), &recorder{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Vector(hal.Source(hal.NumSources)); !errors.Is(err, pkg.ErrInvalidSource) {
		t.Errorf("Vector(invalid) error = %v, want ErrInvalidSource", err)
	}

	isr, err := c.Vector(hal.SourceSuspend)
	if err != nil || isr == nil {
		t.Fatalf("Vector(suspend) = %v, %v", isr, err)
	}
	isr()
	if _, suspend := c.Pending(); !suspend {
		t.Error("suspend vector did not raise the flag")
	}
}
