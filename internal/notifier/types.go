package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeError   Type = "error"
	TypeWarning Type = "warning"
)

var ErrInvalidType = errors.New("notifier: invalid notification type")

// ParseType accepts the four notification types; empty means info.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeInfo, nil
	case TypeInfo, TypeSuccess, TypeError, TypeWarning:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Notification is what sinks render. Fields carries the whole handler payload.
type Notification struct {
	Type    Type           `json:"type"`
	Title   string         `json:"title"`
	Content string         `json:"content"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// FromPayload builds a notification from a handler result.
// Missing title and content are empty; a non-string type is invalid.
func FromPayload(p map[string]any) (Notification, error) {
	n := Notification{Type: TypeInfo, Fields: p}
	switch v := p["type"].(type) {
	case nil:
	case string:
		t, err := ParseType(v)
		if err != nil {
			return Notification{}, err
		}
		n.Type = t
	default:
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidType, v)
	}
	n.Title = text(p["title"])
	n.Content = text(p["content"])
	return n, nil
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// Sink delivers one notification to an operator-facing backend.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Config controls the async delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// DeliveryEvent is published on the event bus for each sink outcome.
type DeliveryEvent struct {
	Sink    string    `json:"sink"`
	Type    Type      `json:"type"`
	Title   string    `json:"title"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}
