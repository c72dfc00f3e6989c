// otad is the device-side update daemon: it wraps boot in the safe-mode
// gate, then runs the cooperative scheduler with the OTA listener, WiFi
// watcher and recovery controller registered. A reboot request unwinds the
// loop and the process exits for the supervisor to restart into the new
// image.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"otacore/internal/bus"
	"otacore/internal/metrics"
	"otacore/internal/ota"
	"otacore/internal/prefs"
	"otacore/internal/recovery"
	"otacore/internal/sched"
	"otacore/internal/sink"
	"otacore/internal/status"
	"otacore/internal/wifi"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".otacore")
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "otad - firmware update daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: otad [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  --port N           ota listen port (default 3232)")
	fmt.Fprintln(w, "  --password PW      ota auth password (empty disables auth)")
	fmt.Fprintln(w, "  --data-dir DIR     prefs and partition directory")
	fmt.Fprintln(w, "  --capacity N       update partition capacity in bytes")
	fmt.Fprintln(w, "  --safe-attempts N  failed boots before safe mode")
	fmt.Fprintln(w, "  --safe-window D    stable-boot / safe-mode window")
	fmt.Fprintln(w, "  --mqtt-broker URL  mqtt broker url (empty disables the bus)")
	fmt.Fprintln(w, "  --mqtt-prefix S    mqtt topic prefix")
	fmt.Fprintln(w, "  --debug            enable debug logging")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		printUsage(stdout)
		return 0
	}
	fs := flag.NewFlagSet("otad", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.Int("port", 3232, "ota listen port")
	password := fs.String("password", "", "ota auth password (empty disables auth)")
	dataDir := fs.String("data-dir", homeDir(), "prefs and partition directory")
	capacity := fs.Uint("capacity", 4<<20, "update partition capacity in bytes")
	attempts := fs.Uint("safe-attempts", recovery.DefaultMaxAttempts, "failed boots before safe mode")
	window := fs.Duration("safe-window", recovery.DefaultWindow, "stable-boot / safe-mode window")
	tick := fs.Duration("tick", 16*time.Millisecond, "scheduler tick")
	broker := fs.String("mqtt-broker", "", "mqtt broker url (empty disables the bus)")
	topicPrefix := fs.String("mqtt-prefix", "otacore", "mqtt topic prefix")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("OTACORE_DEBUG", "1")
	}

	store := prefs.New(filepath.Join(*dataDir, "prefs"))
	partDir := filepath.Join(*dataDir, "partition")
	if err := os.MkdirAll(partDir, 0700); err != nil {
		fmt.Fprintf(stderr, "creating partition dir: %v\n", err)
		return 1
	}
	part := sink.NewPartition(partDir, uint32(*capacity))
	tracker := status.NewTracker()
	m := metrics.New()

	reporter, err := bus.Connect(bus.Options{
		Broker:      *broker,
		ClientID:    "otacore",
		TopicPrefix: *topicPrefix,
	})
	if err != nil {
		// The update path must stay available without the bus.
		fmt.Fprintf(stderr, "mqtt unavailable, continuing without bus: %v\n", err)
	}
	tracker.OnChange(func(s status.State) { reporter.PublishState(string(s)) })

	var cause string
	rebootFn := func(c string) { cause = c }

	w := wifi.NewWatcher(nil)
	var ctrl *recovery.Controller
	listener := ota.NewListener(ota.ListenerConfig{
		Port:       *port,
		Password:   *password,
		Sink:       part,
		Status:     tracker,
		Metrics:    m,
		OnProgress: reporter.PublishProgress,
		OnSuccess:  func() { ctrl.OnUpdateApplied() },
	})
	ctrl = recovery.NewController(store, recovery.Config{
		MaxAttempts: uint8(*attempts),
		Window:      *window,
		Tick:        *tick,
		Wifi:        w,
		Listener:    listener,
		Status:      tracker,
		Metrics:     m,
		RebootFn:    rebootFn,
	})

	if v := ctrl.Counter().Value(); v > 1 {
		fmt.Fprintf(stderr, "last boot was an unhandled reset, safe mode in %d more restarts\n",
			int(*attempts)-int(v))
	}

	entered, err := ctrl.StartSafeMode()
	if err != nil {
		fmt.Fprintf(stderr, "safe mode failed: %v\n", err)
		return 1
	}
	if entered {
		reporter.Close()
		fmt.Fprintf(stdout, "rebooting cause=%s\n", cause)
		return 0
	}

	app := sched.New(*tick, rebootFn)
	ctrl.AttachApp(app)
	app.AddShutdownHook(func(string) { listener.Close() })
	app.AddShutdownHook(func(string) {
		_ = m.WriteSnapshot(filepath.Join(*dataDir, "metrics.json"))
	})
	app.Register(
		sched.LoopFunc(w.Loop),
		listener,
		ctrl,
		sched.LoopFunc(tracker.Tick),
	)

	auth := "no auth"
	if *password != "" {
		auth = "password set"
	}
	fmt.Fprintf(stdout, "READY port=%d %s data=%s\n", *port, auth, *dataDir)
	if err := app.Run(); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	reporter.Close()
	fmt.Fprintf(stdout, "rebooting cause=%s\n", cause)
	return 0
}
