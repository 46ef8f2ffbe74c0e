// Package publisher announces archived pages to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Publisher sends one JSON-encodable payload and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// PageArchived is emitted once a fetched body is safely in the archive.
type PageArchived struct {
	RunID     string    `json:"run_id"`
	URL       string    `json:"url"`
	URI       string    `json:"uri"`
	Strategy  string    `json:"strategy,omitempty"`
	FromCache bool      `json:"from_cache"`
	Bytes     int       `json:"bytes"`
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetched_at"`
}
