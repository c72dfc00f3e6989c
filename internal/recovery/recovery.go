// Package recovery detects boot loops and forces the device into an
// OTA-only safe mode. The mechanism needs no crash handler: every boot
// increments a reset-surviving counter, and only a boot that stays up long
// enough (or a successful update) clears it, so repeated early crashes
// accumulate until the threshold trips.
package recovery

import (
	"fmt"
	"time"

	"otacore/internal/debuglog"
	"otacore/internal/metrics"
	"otacore/internal/ota"
	"otacore/internal/prefs"
	"otacore/internal/sched"
	"otacore/internal/status"
	"otacore/internal/wifi"
)

const counterTag = "boot-loop"

const (
	DefaultMaxAttempts = 10
	DefaultWindow      = 2 * time.Minute
)

// Counter is the persisted count of consecutive unconfirmed boots.
type Counter struct {
	store *prefs.Store
}

func NewCounter(store *prefs.Store) *Counter {
	return &Counter{store: store}
}

func (c *Counter) Value() uint8 {
	var b [1]byte
	if !c.store.Load(counterTag, b[:]) {
		return 0
	}
	return b[0]
}

func (c *Counter) Save(v uint8) error {
	return c.store.Save(counterTag, []byte{v})
}

func (c *Counter) Clear() error {
	return c.Save(0)
}

// Config wires the controller to its collaborators. RebootFn performs the
// terminal restart and is required; Status and Metrics may be nil.
type Config struct {
	MaxAttempts uint8
	// Window serves double duty: a boot that stays up this long is
	// confirmed stable, and safe mode waits this long for an upload
	// before giving up.
	Window   time.Duration
	Tick     time.Duration
	Wifi     *wifi.Watcher
	Listener *ota.Listener
	Status   *status.Tracker
	Metrics  *metrics.Metrics
	RebootFn func(cause string)
}

// Controller owns the boot-loop counter and the safe-mode takeover.
type Controller struct {
	cfg     Config
	counter *Counter

	app       *sched.App
	bootTime  time.Time
	confirmed bool
}

func NewController(store *prefs.Store, cfg Config) *Controller {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Controller{cfg: cfg, counter: NewCounter(store)}
}

func (c *Controller) Counter() *Counter {
	return c.counter
}

// AttachApp hands the controller the running application so a successful
// update can route through its shutdown hooks.
func (c *Controller) AttachApp(app *sched.App) {
	c.app = app
}

// OnUpdateApplied is the listener's success callback: clear the counter
// and reboot into the new image through whichever app is in charge.
func (c *Controller) OnUpdateApplied() {
	if err := c.counter.Clear(); err != nil {
		debuglog.Logf("recovery: clearing boot counter failed: %v", err)
	}
	if c.app != nil {
		c.app.SafeReboot("ota")
	}
}

// StartSafeMode runs once at boot, before normal application init. When it
// returns entered=false the caller proceeds with normal startup; when
// entered=true the recovery loop has already run to its end (update reboot
// or window expiry) and the caller must not start the application.
func (c *Controller) StartSafeMode() (entered bool, err error) {
	v := c.counter.Value()
	if v > 0 {
		debuglog.Logf("recovery: %d suspected unsuccessful boot attempts", v)
	}
	if v < c.cfg.MaxAttempts {
		if err := c.counter.Save(v + 1); err != nil {
			return false, fmt.Errorf("persisting boot counter: %w", err)
		}
		return false, nil
	}

	// Clear before doing anything else so a crash inside safe mode does
	// not re-trip recovery on the very next boot.
	if err := c.counter.Clear(); err != nil {
		return false, fmt.Errorf("clearing boot counter: %w", err)
	}
	debuglog.Logf("recovery: boot loop detected, proceeding to safe mode")
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncSafeModeEntered()
	}
	if c.cfg.Status != nil {
		c.cfg.Status.SetWarning()
	}

	app := sched.New(c.cfg.Tick, c.cfg.RebootFn)
	c.app = app
	app.AddShutdownHook(func(string) { c.cfg.Listener.Close() })

	tick := c.cfg.Tick
	if tick <= 0 {
		tick = 16 * time.Millisecond
	}
	for !c.cfg.Wifi.ReadyForOTA() {
		c.cfg.Wifi.Loop()
		time.Sleep(tick)
	}
	if c.cfg.Listener.Addr() == nil {
		if err := c.cfg.Listener.Setup(); err != nil {
			return true, err
		}
	}
	debuglog.Logf("recovery: waiting for ota attempt")

	app.Register(
		sched.LoopFunc(c.cfg.Wifi.Loop),
		sched.LoopFunc(c.cfg.Listener.Loop),
		sched.LoopFunc(func() {
			if c.cfg.Status != nil {
				c.cfg.Status.Tick()
			}
		}),
		&safeModeExpiry{app: app, deadline: time.Now().Add(c.cfg.Window)},
	)
	return true, app.Run()
}

// Setup and Loop make the controller a normal-mode component: once the
// boot has stayed up for the window, confirm it stable.
func (c *Controller) Setup() error {
	c.bootTime = time.Now()
	return nil
}

func (c *Controller) Loop() {
	if c.confirmed || time.Since(c.bootTime) < c.cfg.Window {
		return
	}
	c.ConfirmStable()
}

// ConfirmStable marks this boot as good and resets the loop counter.
func (c *Controller) ConfirmStable() {
	if c.confirmed {
		return
	}
	c.confirmed = true
	debuglog.Logf("recovery: boot seems successful, resetting boot loop counter")
	if err := c.counter.Clear(); err != nil {
		debuglog.Logf("recovery: clearing boot counter failed: %v", err)
	}
}

// safeModeExpiry reboots with a distinct cause when the window passes with
// no successful update.
type safeModeExpiry struct {
	app      *sched.App
	deadline time.Time
}

func (e *safeModeExpiry) Setup() error { return nil }

func (e *safeModeExpiry) Loop() {
	if time.Now().After(e.deadline) {
		debuglog.Logf("recovery: no ota attempt made, restarting")
		e.app.Reboot("ota-safe-mode")
	}
}
