package ota

import (
	"fmt"
	"net"
	"time"

	"otacore/internal/debuglog"
	"otacore/internal/metrics"
	"otacore/internal/sink"
	"otacore/internal/status"
)

// acceptWait bounds the per-tick accept poll so an idle listener returns
// control to the scheduler almost immediately.
const acceptWait = 20 * time.Millisecond

// ListenerConfig wires the listener to its collaborators. OnSuccess runs
// after a committed update, on the scheduler's goroutine; the owner uses
// it to clear the boot counter and request the reboot into the new image.
type ListenerConfig struct {
	Port        int
	Password    string
	Sink        sink.Sink
	Status      *status.Tracker
	Metrics     *metrics.Metrics
	OnProgress  func(received, total uint32)
	OnSuccess   func()
	Tick        func()
	ReadTimeout time.Duration
}

// Listener owns the passive socket and admits at most one session, run
// synchronously inside Loop.
type Listener struct {
	cfg ListenerConfig
	ln  *net.TCPListener
}

func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

func (l *Listener) Setup() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("opening ota socket: %w", err)
	}
	l.ln = ln.(*net.TCPListener)
	auth := "no auth"
	if l.cfg.Password != "" {
		auth = "password set"
	}
	debuglog.Logf("ota: listening on %s (%s)", l.ln.Addr(), auth)
	return nil
}

// Addr reports the bound address, nil before Setup. Lets callers bind
// port 0 and discover the port.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Loop checks for one pending connection and, if present, runs the whole
// transfer before returning. A failed session leaves the listener idle
// and retryable; only a committed update fires OnSuccess.
func (l *Listener) Loop() {
	if l.ln == nil {
		return
	}
	_ = l.ln.SetDeadline(time.Now().Add(acceptWait))
	conn, err := l.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		debuglog.Debugf("ota: accept failed: %v", err)
		return
	}
	err = runSession(conn, SessionConfig{
		Password:    l.cfg.Password,
		Sink:        l.cfg.Sink,
		Status:      l.cfg.Status,
		Metrics:     l.cfg.Metrics,
		OnProgress:  l.cfg.OnProgress,
		Tick:        l.cfg.Tick,
		ReadTimeout: l.cfg.ReadTimeout,
	})
	if err == nil && l.cfg.OnSuccess != nil {
		l.cfg.OnSuccess()
	}
}

// Close releases the socket; registered as a shutdown hook.
func (l *Listener) Close() {
	if l.ln != nil {
		_ = l.ln.Close()
		l.ln = nil
	}
}
