package domain

import (
	"fmt"
	"time"
)

// EventLevel classifies a strategy event for external inspection.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventTrade EventLevel = "trade"
	EventError EventLevel = "error"
)

// Event is a single human-readable strategy event.
type Event struct {
	Time    time.Time  `json:"time"`
	Level   EventLevel `json:"level"`
	Message string     `json:"message"`
}

// EventLog is a bounded rolling log of strategy events. Oldest entries are
// dropped once the limit is reached. It is mutated only by the owning
// strategy's tick loop.
type EventLog struct {
	Limit   int     `json:"limit"`
	Entries []Event `json:"entries"`
}

const defaultEventLogLimit = 100

// NewEventLog creates an event log bounded to limit entries.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = defaultEventLogLimit
	}
	return &EventLog{Limit: limit, Entries: make([]Event, 0, limit)}
}

// Add appends a formatted event, evicting the oldest entry if full.
func (l *EventLog) Add(level EventLevel, format string, args ...any) {
	if l == nil {
		return
	}
	if l.Limit <= 0 {
		l.Limit = defaultEventLogLimit
	}
	l.Entries = append(l.Entries, Event{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
	if len(l.Entries) > l.Limit {
		l.Entries = l.Entries[len(l.Entries)-l.Limit:]
	}
}

// Infof records an informational event.
func (l *EventLog) Infof(format string, args ...any) { l.Add(EventInfo, format, args...) }

// Tradef records a trade or bid event.
func (l *EventLog) Tradef(format string, args ...any) { l.Add(EventTrade, format, args...) }

// Errorf records an error event.
func (l *EventLog) Errorf(format string, args ...any) { l.Add(EventError, format, args...) }
