package recovery

import (
	"bytes"
	"testing"
	"time"

	"otacore/internal/ota"
	"otacore/internal/prefs"
	"otacore/internal/sched"
	"otacore/internal/sink"
	"otacore/internal/wifi"
)

// boot builds the per-boot object graph the daemon would, against a shared
// prefs store standing in for reset-surviving memory.
func boot(store *prefs.Store, window time.Duration, rebootFn func(string)) (*Controller, *ota.Listener) {
	var ctrl *Controller
	l := ota.NewListener(ota.ListenerConfig{
		Port:      0,
		Sink:      sink.NewMemory(1 << 20),
		OnSuccess: func() { ctrl.OnUpdateApplied() },
	})
	ctrl = NewController(store, Config{
		MaxAttempts: 3,
		Window:      window,
		Tick:        time.Millisecond,
		Wifi:        wifi.NewWatcher(func() bool { return true }),
		Listener:    l,
		RebootFn:    rebootFn,
	})
	return ctrl, l
}

func TestCounterAccumulatesAcrossUnconfirmedBoots(t *testing.T) {
	store := prefs.New(t.TempDir())
	for i := 0; i < 3; i++ {
		ctrl, _ := boot(store, time.Minute, func(string) {})
		entered, err := ctrl.StartSafeMode()
		if err != nil {
			t.Fatalf("boot %d: %v", i+1, err)
		}
		if entered {
			t.Fatalf("boot %d entered safe mode early", i+1)
		}
	}
	if v := NewCounter(store).Value(); v != 3 {
		t.Fatalf("counter = %d after three unconfirmed boots, want 3", v)
	}
}

func TestSafeModeWindowExpiryReboots(t *testing.T) {
	store := prefs.New(t.TempDir())
	if err := NewCounter(store).Save(3); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	causes := make(chan string, 2)
	ctrl, _ := boot(store, 80*time.Millisecond, func(c string) { causes <- c })

	entered, err := ctrl.StartSafeMode()
	if err != nil {
		t.Fatalf("safe mode: %v", err)
	}
	if !entered {
		t.Fatalf("counter at threshold did not enter safe mode")
	}
	select {
	case c := <-causes:
		if c != "ota-safe-mode" {
			t.Fatalf("reboot cause %q, want ota-safe-mode", c)
		}
	default:
		t.Fatalf("no reboot after window expiry")
	}
	if v := NewCounter(store).Value(); v != 0 {
		t.Fatalf("counter = %d after safe mode, want 0", v)
	}
}

func TestSafeModeUpdateBeforeWindowReboots(t *testing.T) {
	store := prefs.New(t.TempDir())
	if err := NewCounter(store).Save(3); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	causes := make(chan string, 2)
	ctrl, l := boot(store, 5*time.Second, func(c string) { causes <- c })

	// Bind the socket up front so the test knows the address before the
	// recovery loop starts pumping it.
	if err := l.Setup(); err != nil {
		t.Fatalf("listener setup: %v", err)
	}
	addr := l.Addr().String()

	done := make(chan bool, 1)
	go func() {
		entered, _ := ctrl.StartSafeMode()
		done <- entered
	}()

	image := bytes.Repeat([]byte{0x7E}, 1500)
	if err := ota.Push(addr, image, ota.PushOptions{}); err != nil {
		t.Fatalf("push during safe mode: %v", err)
	}

	select {
	case entered := <-done:
		if !entered {
			t.Fatalf("safe mode not entered")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("safe mode loop did not end after successful update")
	}
	select {
	case c := <-causes:
		if c != "ota" {
			t.Fatalf("reboot cause %q, want ota", c)
		}
	default:
		t.Fatalf("no reboot after successful update")
	}
}

func TestConfirmStableClearsCounter(t *testing.T) {
	store := prefs.New(t.TempDir())
	if err := NewCounter(store).Save(2); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	ctrl, _ := boot(store, 30*time.Millisecond, func(string) {})
	if err := ctrl.Setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctrl.Loop()
	if v := NewCounter(store).Value(); v != 2 {
		t.Fatalf("counter cleared before the stable window passed")
	}
	time.Sleep(40 * time.Millisecond)
	ctrl.Loop()
	if v := NewCounter(store).Value(); v != 0 {
		t.Fatalf("counter = %d after stable window, want 0", v)
	}
}

func TestOnUpdateAppliedRoutesThroughApp(t *testing.T) {
	store := prefs.New(t.TempDir())
	if err := NewCounter(store).Save(5); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	ctrl, _ := boot(store, time.Minute, func(string) {})
	app := sched.New(time.Millisecond, func(string) {})
	ctrl.AttachApp(app)

	ctrl.OnUpdateApplied()
	if v := NewCounter(store).Value(); v != 0 {
		t.Fatalf("counter = %d after update, want 0", v)
	}
	if !app.Rebooting() {
		t.Fatalf("update did not request reboot")
	}
}
