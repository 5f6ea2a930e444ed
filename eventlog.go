package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type LogStatus string

const (
	StatusSuccess LogStatus = "success"
	StatusWarning LogStatus = "warning"
	StatusError   LogStatus = "error"
	StatusInfo    LogStatus = "info"
)

func parseLogStatus(s string) (LogStatus, error) {
	switch st := LogStatus(s); st {
	case "", StatusSuccess, StatusWarning, StatusError, StatusInfo:
		return st, nil
	default:
		return "", fmt.Errorf("unknown log status %q", s)
	}
}

type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
	Status    LogStatus `json:"status"`
}

// EventLog is a bounded, in-memory device event history. Entries are kept
// oldest first; the oldest is dropped once capacity is reached.
type EventLog struct {
	clock    clockwork.Clock
	capacity int

	mu        sync.RWMutex
	entries   []LogEntry
	listeners []func(LogEntry)
}

func newEventLog(clock clockwork.Clock, capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 200
	}
	return &EventLog{
		clock:    clock,
		capacity: capacity,
		entries:  make([]LogEntry, 0, capacity),
	}
}

func (l *EventLog) Subscribe(fn func(LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *EventLog) Append(eventType, details string, status LogStatus) LogEntry {
	return l.appendAt(l.clock.Now(), eventType, details, status)
}

func (l *EventLog) appendAt(ts time.Time, eventType, details string, status LogStatus) LogEntry {
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: ts,
		EventType: eventType,
		Details:   details,
		Status:    status,
	}

	l.mu.Lock()
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
	listeners := l.listeners
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(entry)
	}
	return entry
}

// List returns entries newest first, filtered by status when one is given.
func (l *EventLog) List(status LogStatus) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]LogEntry, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if status != "" && l.entries[i].Status != status {
			continue
		}
		result = append(result, l.entries[i])
	}
	return result
}

// Clear drops every entry and reports how many were removed.
func (l *EventLog) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	l.entries = l.entries[:0]
	return n
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

var seedLogEntries = []struct {
	age       time.Duration
	eventType string
	details   string
	status    LogStatus
}{
	{63*time.Minute + 57*time.Second, "Firmware Update", "Updated to version v1.2.3 successfully", StatusSuccess},
	{48*time.Minute + 39*time.Second, "Preset Activated", "Switched to Work Mode configuration", StatusInfo},
	{35*time.Minute + 51*time.Second, "Error Recovered", "Temporary connection timeout resolved automatically", StatusWarning},
	{18*time.Minute + 30*time.Second, "Settings Changed", "Auto Sync enabled by user", StatusInfo},
	{7*time.Minute + 55*time.Second, "System Boot", "SynqBox PoC-2025 initialized successfully", StatusSuccess},
	{5*time.Minute + 9*time.Second, "Connection Warning", "Network latency higher than optimal (150ms)", StatusWarning},
	{27 * time.Second, "Sync Started", "Automatic sync initiated for user data", StatusInfo},
	{0, "Sync Completed", "Successfully synchronized 2.4GB of data", StatusSuccess},
}

// seedEventLog fills l with the factory history, stamped relative to now.
func seedEventLog(l *EventLog) {
	now := l.clock.Now()
	for _, e := range seedLogEntries {
		l.appendAt(now.Add(-e.age), e.eventType, e.details, e.status)
	}
}

// Observe records sync lifecycle and connectivity changes of sim.
func (l *EventLog) Observe(sim *Simulator) {
	online := sim.Snapshot().Online

	sim.SubscribeSync(func(ev SyncEvent) {
		switch ev.Phase {
		case SyncStarted:
			details := "Manual sync initiated by user"
			if ev.Restarted {
				details = "Manual sync restarted by user"
			}
			l.Append("Sync Started", details, StatusInfo)
		case SyncCompleted:
			l.Append("Sync Completed", "Device synchronized successfully", StatusSuccess)
		}
	})

	sim.Subscribe(func(m DeviceMetrics) {
		if m.Online == online {
			return
		}
		online = m.Online
		if online {
			l.Append("Connection Restored", fmt.Sprintf("Device back online (%d dBm)", m.NetworkStrengthDbm), StatusSuccess)
		} else {
			l.Append("Connection Lost", "Device stopped responding to health checks", StatusError)
		}
	})
}
