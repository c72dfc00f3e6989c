package sched

import (
	"errors"
	"testing"
	"time"
)

type fakeComponent struct {
	app      *App
	setupErr error
	loops    int
	stopAt   int
	cause    string
}

func (f *fakeComponent) Setup() error { return f.setupErr }

func (f *fakeComponent) Loop() {
	f.loops++
	if f.stopAt > 0 && f.loops >= f.stopAt {
		f.app.Reboot(f.cause)
	}
}

func TestRunLoopsUntilReboot(t *testing.T) {
	var rebooted string
	app := New(time.Millisecond, func(cause string) { rebooted = cause })
	c := &fakeComponent{app: app, stopAt: 3, cause: "test"}
	app.Register(c)
	if err := app.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.loops != 3 {
		t.Fatalf("loops = %d, want 3", c.loops)
	}
	if rebooted != "test" {
		t.Fatalf("reboot cause = %q, want test", rebooted)
	}
}

func TestSetupFailureStopsRun(t *testing.T) {
	app := New(time.Millisecond, nil)
	boom := errors.New("boom")
	app.Register(&fakeComponent{setupErr: boom})
	if err := app.Run(); !errors.Is(err, boom) {
		t.Fatalf("run = %v, want setup error", err)
	}
}

func TestHookOrdering(t *testing.T) {
	app := New(time.Millisecond, func(string) {})
	var order []string
	app.AddShutdownHook(func(cause string) { order = append(order, "shutdown:"+cause) })
	app.AddSafeShutdownHook(func(cause string) { order = append(order, "safe:"+cause) })
	c := &fakeComponent{app: app}
	app.Register(c)

	app.SafeReboot("ota")
	if err := app.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != "safe:ota" || order[1] != "shutdown:ota" {
		t.Fatalf("hook order %v, want safe then shutdown", order)
	}
	if c.loops != 0 {
		t.Fatalf("components looped after reboot request")
	}
}

func TestSecondRebootIgnored(t *testing.T) {
	app := New(time.Millisecond, func(string) {})
	calls := 0
	app.AddShutdownHook(func(string) { calls++ })
	app.Reboot("first")
	app.Reboot("second")
	if calls != 1 {
		t.Fatalf("shutdown hooks ran %d times, want 1", calls)
	}
	if app.rebootCause != "first" {
		t.Fatalf("cause = %q, want first", app.rebootCause)
	}
}
