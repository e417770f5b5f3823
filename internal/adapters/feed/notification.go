// Package feed pushes delivered in-app notifications to connected clients
// over WebSocket, optionally mirroring them to an MQTT broker.
package feed

import (
	"errors"
	"time"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("feed hub closed")

// Notification is the in-app payload written to the stream.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	EventID     string    `json:"event_id"`
	EntityID    string    `json:"entity_id"`
	Name        string    `json:"name"`
	Team        string    `json:"team,omitempty"`
	Class       string    `json:"class"`
	OldStatus   string    `json:"old_status,omitempty"`
	NewStatus   string    `json:"new_status"`
	Note        string    `json:"note,omitempty"`
	Subject     string    `json:"subject"`
	Text        string    `json:"text"`
	HTML        string    `json:"html,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}
