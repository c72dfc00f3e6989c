// Package sched is the cooperative scheduler. One logical task runs at a
// time: Run drives every component's Loop in registration order each tick,
// and a component wanting to restart the device requests a reboot rather
// than exiting. Components must keep their Loop short or yield internally.
package sched

import (
	"time"

	"otacore/internal/debuglog"
)

const defaultTick = 16 * time.Millisecond

type Component interface {
	Setup() error
	Loop()
}

type HookFunc func(cause string)

// LoopFunc adapts a bare loop function into a Component with no setup.
type LoopFunc func()

func (f LoopFunc) Setup() error { return nil }
func (f LoopFunc) Loop()        { f() }

// App owns the components and the reboot path. It is not safe for
// concurrent use; everything happens on the caller's goroutine.
type App struct {
	tick          time.Duration
	components    []Component
	shutdownHooks []HookFunc
	safeHooks     []HookFunc
	rebootFn      func(cause string)

	rebootCause string
	rebooting   bool
}

// New builds an App. rebootFn performs the actual restart once the loop
// has unwound; tests inject a recorder there.
func New(tick time.Duration, rebootFn func(cause string)) *App {
	if tick <= 0 {
		tick = defaultTick
	}
	if rebootFn == nil {
		rebootFn = func(string) {}
	}
	return &App{tick: tick, rebootFn: rebootFn}
}

func (a *App) Register(cs ...Component) {
	a.components = append(a.components, cs...)
}

// AddShutdownHook registers cleanup run on every reboot, e.g. closing the
// OTA listener socket.
func (a *App) AddShutdownHook(fn HookFunc) {
	a.shutdownHooks = append(a.shutdownHooks, fn)
}

// AddSafeShutdownHook registers cleanup run only on deliberate, successful
// shutdowns, e.g. clearing the boot-loop counter.
func (a *App) AddSafeShutdownHook(fn HookFunc) {
	a.safeHooks = append(a.safeHooks, fn)
}

// Reboot requests a restart after running the shutdown hooks.
func (a *App) Reboot(cause string) {
	if a.rebooting {
		return
	}
	debuglog.Logf("sched: reboot requested cause=%s", cause)
	for _, fn := range a.shutdownHooks {
		fn(cause)
	}
	a.rebootCause = cause
	a.rebooting = true
}

// SafeReboot additionally runs the safe-shutdown hooks first.
func (a *App) SafeReboot(cause string) {
	if a.rebooting {
		return
	}
	for _, fn := range a.safeHooks {
		fn(cause)
	}
	a.Reboot(cause)
}

func (a *App) Rebooting() bool {
	return a.rebooting
}

// Run sets up every component, then ticks their loops until a reboot is
// requested, finally handing the cause to rebootFn.
func (a *App) Run() error {
	for _, c := range a.components {
		if err := c.Setup(); err != nil {
			return err
		}
	}
	for !a.rebooting {
		for _, c := range a.components {
			c.Loop()
			if a.rebooting {
				break
			}
		}
		if a.rebooting {
			break
		}
		time.Sleep(a.tick)
	}
	a.rebootFn(a.rebootCause)
	return nil
}
