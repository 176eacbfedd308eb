package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a campaign or recipient does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable progress record the engine checkpoints against.
type Store interface {
	// CreateCampaign persists a campaign and its full recipient list in one
	// transaction.
	CreateCampaign(ctx context.Context, c *Campaign, recipients []*Recipient) error

	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]*Campaign, error)
	UpdateCampaign(ctx context.Context, c *Campaign) error

	// UpdateProgress persists a recipient transition, the campaign's
	// aggregate counters and an optional attempt record atomically. Either
	// all of them land or none do.
	UpdateProgress(ctx context.Context, c *Campaign, r *Recipient, attempt *SendAttempt) error

	GetRecipient(ctx context.Context, campaignID, id string) (*Recipient, error)

	// ListRecipients returns recipients in position order.
	ListRecipients(ctx context.Context, campaignID string, filter RecipientFilter) ([]*Recipient, error)

	// ListAttempts returns a campaign's attempt log in chronological order.
	ListAttempts(ctx context.Context, campaignID string, limit int) ([]*SendAttempt, error)

	// RecoverInFlight resets every recipient stuck in sending back to
	// pending. Called once on startup; a sending row with no live runner
	// means the process died mid-attempt.
	RecoverInFlight(ctx context.Context) (int, error)

	Close() error
}
