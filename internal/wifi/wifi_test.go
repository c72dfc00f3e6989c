package wifi

import "testing"

func TestInjectedProbe(t *testing.T) {
	up := false
	w := NewWatcher(func() bool { return up })
	if w.ReadyForOTA() {
		t.Fatalf("ready before probe reports association")
	}
	up = true
	// Within the probe interval the cached answer holds.
	w.Loop()
	if w.ReadyForOTA() {
		t.Fatalf("probe re-ran inside the rate limit")
	}
	w.lastProbe = w.lastProbe.Add(-2 * probeInterval)
	w.Loop()
	if !w.ReadyForOTA() {
		t.Fatalf("watcher missed association")
	}
}

func TestDefaultProbeDoesNotPanic(t *testing.T) {
	w := NewWatcher(nil)
	_ = w.ReadyForOTA()
}
