// Package metrics counts OTA activity. Counters are atomics so the session
// can bump them mid-transfer; Snapshot gives a consistent-enough JSON view
// for the operator.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Sessions    SessionMetrics  `json:"sessions"`
	SafeMode    SafeModeMetrics `json:"safe_mode"`
}

type SessionMetrics struct {
	Started       uint64 `json:"started"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	BytesReceived uint64 `json:"bytes_received"`
	LastError     string `json:"last_error,omitempty"`
}

type SafeModeMetrics struct {
	Entries uint64 `json:"entries"`
}

type Metrics struct {
	sessionsStarted   atomic.Uint64
	sessionsSucceeded atomic.Uint64
	sessionsFailed    atomic.Uint64
	bytesReceived     atomic.Uint64
	safeModeEntries   atomic.Uint64

	mu        sync.Mutex
	lastError string
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSessionStarted() {
	m.sessionsStarted.Add(1)
}

func (m *Metrics) IncSessionSucceeded() {
	m.sessionsSucceeded.Add(1)
}

func (m *Metrics) IncSessionFailed(cause string) {
	m.sessionsFailed.Add(1)
	m.mu.Lock()
	m.lastError = cause
	m.mu.Unlock()
}

func (m *Metrics) AddBytesReceived(n uint64) {
	m.bytesReceived.Add(n)
}

func (m *Metrics) IncSafeModeEntered() {
	m.safeModeEntries.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	lastErr := m.lastError
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sessions: SessionMetrics{
			Started:       m.sessionsStarted.Load(),
			Succeeded:     m.sessionsSucceeded.Load(),
			Failed:        m.sessionsFailed.Load(),
			BytesReceived: m.bytesReceived.Load(),
			LastError:     lastErr,
		},
		SafeMode: SafeModeMetrics{
			Entries: m.safeModeEntries.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
