// Package events publishes discovery events for downstream consumers.
package events

import (
	"context"
	"time"
)

// DefaultSubject is the subject discovery events are published on.
const DefaultSubject = "channels.discovered"

// Discovery reports the channels a source added to the queue.
type Discovery struct {
	Source       string    `json:"source"`
	Account      string    `json:"account"`
	Usernames    []string  `json:"usernames"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Publisher delivers discovery events.
type Publisher interface {
	PublishDiscovered(ctx context.Context, d Discovery) error
	Close() error
}

// NoopPublisher drops every event. It is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishDiscovered(context.Context, Discovery) error { return nil }

func (NoopPublisher) Close() error { return nil }
