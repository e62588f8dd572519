package session

import (
	"context"
	"errors"
	"time"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventIssued        EventType = "session.issued"
	EventRotated       EventType = "session.rotated"
	EventReuseDetected EventType = "session.reuse_detected"
	EventRevoked       EventType = "session.revoked"
)

// Event describes a committed state change. It never carries token secrets.
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason,omitempty"`
	Count      int64     `json:"count,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier receives events after the store write has committed.
//
// Delivery is best effort; errors are logged by the service and never undo
// the state change.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// MultiNotifier fans an event out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
