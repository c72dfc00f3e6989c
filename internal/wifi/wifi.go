// Package wifi watches network association. The OTA listener is useless
// until the device can actually be reached, so safe mode gates on
// ReadyForOTA before waiting for an upload.
package wifi

import (
	"net"
	"time"
)

const probeInterval = 500 * time.Millisecond

// Watcher polls a probe at a bounded rate. The zero probe checks for any
// non-loopback interface address, which is the closest host-OS analogue of
// "associated with an access point".
type Watcher struct {
	probe     func() bool
	ready     bool
	lastProbe time.Time
}

func NewWatcher(probe func() bool) *Watcher {
	if probe == nil {
		probe = hasNonLoopbackAddr
	}
	return &Watcher{probe: probe}
}

// Loop re-probes when the interval has passed. Cheap enough to call every
// scheduler tick.
func (w *Watcher) Loop() {
	now := time.Now()
	if !w.lastProbe.IsZero() && now.Sub(w.lastProbe) < probeInterval {
		return
	}
	w.lastProbe = now
	w.ready = w.probe()
}

func (w *Watcher) ReadyForOTA() bool {
	if w.lastProbe.IsZero() {
		w.Loop()
	}
	return w.ready
}

func hasNonLoopbackAddr() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return true
		}
	}
	return false
}
