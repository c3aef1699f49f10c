package sim

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/usbfw/firmware/hal"
	"github.com/ardnew/usbfw/pkg"
)

// bindAll binds handlers that acknowledge and count each source, then
// enables every source and global interrupts.
func bindAll(t *testing.T, c *Controller) *[hal.NumSources]int {
	t.Helper()
	var counts [hal.NumSources]int
	for src := hal.Source(0); src < hal.NumSources; src++ {
		src := src
		if err := c.BindInterrupt(src, func() {
			counts[src]++
			c.AckInterrupt(src)
		}); err != nil {
			t.Fatalf("BindInterrupt(%v) error = %v", src, err)
		}
		if err := c.EnableInterrupt(src); err != nil {
			t.Fatalf("EnableInterrupt(%v) error = %v", src, err)
		}
	}
	c.EnableGlobalInterrupts()
	return &counts
}

func TestNewDefaults(t *testing.T) {
	c := New()
	if c.Connected() {
		t.Error("new controller connected")
	}
	if c.GlobalEnabled() {
		t.Error("global interrupts enabled at reset")
	}
	if c.Renumerated() {
		t.Error("new controller already renumerated")
	}
	if c.RemoteWakeup() {
		t.Error("remote wakeup asserted at reset")
	}

	c = New(WithRenumerated())
	if !c.Renumerated() {
		t.Error("WithRenumerated not applied")
	}
}

func TestFireDelivery(t *testing.T) {
	c := New()
	counts := bindAll(t, c)

	if err := c.Fire(hal.SourceSetupData); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if counts[hal.SourceSetupData] != 1 {
		t.Errorf("handler ran %d times, want 1", counts[hal.SourceSetupData])
	}
	if c.Pending(hal.SourceSetupData) {
		t.Error("request still pending after acknowledged handler")
	}
	if c.Retraps() != 0 {
		t.Errorf("Retraps() = %d, want 0", c.Retraps())
	}

	if err := c.Fire(hal.Source(hal.NumSources)); !errors.Is(err, pkg.ErrInvalidSource) {
		t.Errorf("Fire(invalid) error = %v, want ErrInvalidSource", err)
	}
}

func TestFireMaskedStaysPending(t *testing.T) {
	c := New()
	ran := 0
	if err := c.BindInterrupt(hal.SourceSuspend, func() {
		ran++
		c.AckInterrupt(hal.SourceSuspend)
	}); err != nil {
		t.Fatal(err)
	}

	c.Fire(hal.SourceSuspend)
	if ran != 0 {
		t.Fatal("handler ran while masked")
	}
	if !c.Pending(hal.SourceSuspend) {
		t.Fatal("request not latched while masked")
	}

	c.EnableInterrupt(hal.SourceSuspend)
	if ran != 0 {
		t.Fatal("handler ran with global interrupts off")
	}

	c.EnableGlobalInterrupts()
	if ran != 1 {
		t.Errorf("handler ran %d times after enable, want 1", ran)
	}
	if c.Pending(hal.SourceSuspend) {
		t.Error("request still pending")
	}
}

func TestRetrapDetected(t *testing.T) {
	c := New()
	c.BindInterrupt(hal.SourceResume, func() {})
	c.EnableInterrupt(hal.SourceResume)
	c.EnableGlobalInterrupts()

	c.Fire(hal.SourceResume)
	if got := c.Retraps(); got != 1 {
		t.Errorf("Retraps() = %d, want 1", got)
	}
	if ops := c.Ops(OpRetrap); len(ops) != 1 || ops[0].Source != hal.SourceResume {
		t.Errorf("retrap ops = %v", ops)
	}
}

func TestBindInterruptInvalid(t *testing.T) {
	c := New()
	if err := c.BindInterrupt(hal.Source(hal.NumSources), func() {}); !errors.Is(err, pkg.ErrInvalidSource) {
		t.Errorf("BindInterrupt(invalid) error = %v", err)
	}
	if err := c.BindInterrupt(hal.SourceResume, nil); !errors.Is(err, pkg.ErrInvalidSource) {
		t.Errorf("BindInterrupt(nil) error = %v", err)
	}
	if err := c.EnableInterrupt(hal.Source(200)); !errors.Is(err, pkg.ErrInvalidSource) {
		t.Errorf("EnableInterrupt(invalid) error = %v", err)
	}
}

func TestEnterLowPowerSchedule(t *testing.T) {
	c := New(WithWakeupEnable(hal.WakeupPinWU))
	counts := bindAll(t, c)
	c.ScheduleWake(hal.WakeupPinWU, hal.WakeupPinWU2)

	c.EnterLowPower()
	if !c.RemoteWakeup() {
		t.Error("enabled pin WU latched but RemoteWakeup() = false")
	}
	if counts[hal.SourceResume] != 1 {
		t.Errorf("resume handler ran %d times, want 1", counts[hal.SourceResume])
	}

	c.ClearWakeupPending(hal.WakeupPinsAll)
	c.EnterLowPower()
	if c.RemoteWakeup() {
		t.Error("WU2 is not enabled but RemoteWakeup() = true")
	}
	if c.WakeupPending() != hal.WakeupPinWU2 {
		t.Errorf("WakeupPending() = %#x, want WU2", c.WakeupPending())
	}

	c.ClearWakeupPending(hal.WakeupPinsAll)
	c.EnterLowPower()
	if c.WakeupPending() != 0 {
		t.Errorf("exhausted schedule latched %#x", c.WakeupPending())
	}
	if got := c.Commits(); got != 3 {
		t.Errorf("Commits() = %d, want 3", got)
	}
}

func TestEnterLowPowerBlocking(t *testing.T) {
	c := New(WithBlockingSuspend(), WithWakeupEnable(hal.WakeupPinsAll))
	bindAll(t, c)

	// Nothing is waiting, so the wake is dropped rather than consumed by
	// the next commit.
	if c.Wake(hal.WakeupPinWU) {
		t.Error("Wake() delivered with no commit waiting")
	}

	done := make(chan struct{})
	go func() {
		c.EnterLowPower()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("EnterLowPower returned before wake")
	case <-time.After(20 * time.Millisecond):
	}

	if !c.Wake(hal.WakeupPinWU2) {
		t.Fatal("Wake() not delivered to a waiting commit")
	}
	if c.Wake(hal.WakeupPinWU) {
		t.Error("second Wake() delivered to the same commit")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EnterLowPower did not return after Wake")
	}
	if !c.RemoteWakeup() {
		t.Error("RemoteWakeup() = false after wake on WU2")
	}
	if c.Wake(hal.WakeupPinWU) {
		t.Error("Wake() delivered after the commit returned")
	}

	c.Close()
	c.Close()
	c.EnterLowPower() // must not block once closed
}

func TestDelayAdvancesVirtualTime(t *testing.T) {
	c := New()
	start := time.Now()
	c.Delay(5 * time.Millisecond)
	c.SetResumeSignal(true)
	c.Delay(15 * time.Millisecond)
	c.SetResumeSignal(false)
	c.Delay(0)

	if time.Since(start) > 100*time.Millisecond {
		t.Error("virtual delay slept")
	}
	if got := c.Now(); got != 20*time.Millisecond {
		t.Errorf("Now() = %v, want 20ms", got)
	}

	ops := c.Ops(OpResumeSignal)
	if len(ops) != 2 {
		t.Fatalf("resume ops = %d, want 2", len(ops))
	}
	if ops[0].At != 5*time.Millisecond || ops[1].At != 20*time.Millisecond {
		t.Errorf("resume ops at %v and %v", ops[0].At, ops[1].At)
	}
	if c.ResumeSignal() {
		t.Error("resume signal left on")
	}
}

func TestConnectDisconnect(t *testing.T) {
	c := New()
	c.Disconnect()
	if c.Connected() || !c.Renumerated() {
		t.Error("Disconnect did not set DISCON and RENUM")
	}
	c.Connect()
	if !c.Connected() {
		t.Error("Connect did not clear DISCON")
	}
	if !c.Renumerated() {
		t.Error("Connect cleared RENUM")
	}
}

func TestSendSetup(t *testing.T) {
	c := New()
	counts := bindAll(t, c)
	packet := []byte{0x40, 0xA0, 0x00, 0xE6, 0x00, 0x00, 0x02, 0x00}
	out := []byte{0x01, 0x02}

	if err := c.SendSetup(packet, out); err != nil {
		t.Fatalf("SendSetup() error = %v", err)
	}
	if counts[hal.SourceSetupData] != 1 {
		t.Errorf("setup handler ran %d times, want 1", counts[hal.SourceSetupData])
	}

	buf := make([]byte, SetupDataSize)
	if n, err := c.ReadSetup(buf); err != nil || n != SetupDataSize {
		t.Fatalf("ReadSetup() = %d, %v", n, err)
	}
	if !bytes.Equal(buf, packet) {
		t.Errorf("ReadSetup() = %x, want %x", buf, packet)
	}

	data := make([]byte, 8)
	n, err := c.Read(data)
	if err != nil || !bytes.Equal(data[:n], out) {
		t.Errorf("Read() = %x, %v, want %x", data[:n], err, out)
	}

	if _, err := c.ReadSetup(buf[:4]); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("ReadSetup(short) error = %v", err)
	}
	if err := c.SendSetup(packet[:7], nil); !errors.Is(err, pkg.ErrSetupPacketTooShort) {
		t.Errorf("SendSetup(short) error = %v", err)
	}
	if err := c.SendSetup(packet, make([]byte, MaxEP0Size+1)); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("SendSetup(long) error = %v", err)
	}
}

func TestEP0Recording(t *testing.T) {
	c := New()
	c.Write([]byte{0x01, 0x00})
	c.Ack()
	c.Stall()

	writes := c.EP0Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{0x01, 0x00}) {
		t.Errorf("EP0Writes() = %x", writes)
	}
	if c.EP0Acks() != 1 || c.EP0Stalls() != 1 {
		t.Errorf("acks=%d stalls=%d, want 1 and 1", c.EP0Acks(), c.EP0Stalls())
	}
	if err := c.Write(make([]byte, MaxEP0Size+1)); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("Write(long) error = %v", err)
	}

	// The stall holds until the next SETUP packet.
	if err := c.Write([]byte{0}); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Write() after stall error = %v, want ErrStall", err)
	}
	if err := c.Ack(); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Ack() after stall error = %v, want ErrStall", err)
	}
	if err := c.SendSetup(make([]byte, SetupDataSize), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Ack(); err != nil {
		t.Errorf("Ack() after new SETUP error = %v", err)
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{Op{Kind: OpAck, Source: hal.SourceSuspend}, "ack suspend"},
		{Op{Kind: OpResumeSignal, On: true}, "resume-signal on=true"},
		{Op{Kind: OpDelay, Duration: 5 * time.Millisecond}, "delay 5ms"},
		{Op{Kind: OpEP0Write, Length: 2}, "ep0-write len=2"},
		{Op{Kind: OpLowPower}, "low-power"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); !bytes.HasSuffix([]byte(got), []byte(tt.want)) {
			t.Errorf("String() = %q, want suffix %q", got, tt.want)
		}
	}
	if got := OpKind(99).String(); got != "op(99)" {
		t.Errorf("OpKind(99).String() = %q", got)
	}
}

func TestResetTrace(t *testing.T) {
	c := New()
	c.Connect()
	if len(c.Trace()) == 0 {
		t.Fatal("trace empty after Connect")
	}
	c.ResetTrace()
	if len(c.Trace()) != 0 {
		t.Error("trace not cleared")
	}
}
