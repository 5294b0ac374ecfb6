// Package comms delivers user notifications raised by task and todo events.
package comms

import (
	"context"
	"time"
)

// DeliveryMethod selects how a notification reaches its recipient.
type DeliveryMethod string

const (
	DeliveryInApp DeliveryMethod = "in_app"
	DeliveryEmail DeliveryMethod = "email" // logged only, no SMTP
)

// AllRecipients subscribes a handler to every notification.
const AllRecipients = "*"

// Notification is a message addressed to one user.
type Notification struct {
	ID                string         `json:"id"`
	RecipientID       string         `json:"recipient_id"`
	Subject           string         `json:"subject"`
	Message           string         `json:"message"`
	RelatedEntityType string         `json:"related_entity_type,omitempty"` // "task", "todo_item", "milestone"
	RelatedEntityID   string         `json:"related_entity_id,omitempty"`
	DeliveryMethod    DeliveryMethod `json:"delivery_method"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Handler processes a delivered notification.
type Handler func(ctx context.Context, n *Notification) error

// Bus routes notifications to the handlers subscribed for their recipient.
type Bus interface {
	// Publish delivers n to the recipient's handlers and to AllRecipients
	// handlers, and records it in history.
	Publish(ctx context.Context, n *Notification) error

	// Subscribe registers a handler for notifications addressed to
	// recipientID, or for all of them with AllRecipients. Returns an
	// unsubscribe function.
	Subscribe(recipientID string, handler Handler) (unsubscribe func())

	// History returns the most recent notifications for recipientID,
	// oldest first.
	History(recipientID string, limit int) ([]*Notification, error)
}
