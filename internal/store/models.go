// Package store persists campaigns, recipients and send attempts.
package store

import "time"

// CampaignState is the campaign lifecycle state.
type CampaignState string

const (
	StateDraft     CampaignState = "draft"
	StateRunning   CampaignState = "running"
	StatePaused    CampaignState = "paused"
	StateCompleted CampaignState = "completed"
	StateFailed    CampaignState = "failed"
)

// RecipientStatus tracks one recipient's progress through a campaign.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSending RecipientStatus = "sending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RecipientStatus) Terminal() bool {
	switch s {
	case RecipientSent, RecipientFailed, RecipientSkipped:
		return true
	}
	return false
}

// TemplateSnapshot pins the template content a campaign was created with.
// Template edits after creation never change what a campaign sends.
type TemplateSnapshot struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	Subject    string `json:"subject"`
	Text       string `json:"text,omitempty"`
	HTML       string `json:"html,omitempty"`
	Version    int    `json:"version"`
}

// Campaign is one send run over a recipient list.
type Campaign struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Template TemplateSnapshot `json:"template"`
	State    CampaignState    `json:"state"`

	// MaxSends caps successful deliveries; zero means no cap.
	MaxSends    int        `json:"max_sends,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Remaining is the number of recipients not yet in a terminal status.
// sent + failed + skipped + remaining always equals total.
func (c *Campaign) Remaining() int {
	r := c.Total - c.Sent - c.Failed - c.Skipped
	if r < 0 {
		return 0
	}
	return r
}

// Active reports whether the campaign can still make progress.
func (c *Campaign) Active() bool {
	return c.State == StateRunning || c.State == StatePaused || c.State == StateDraft
}

// Recipient is one entry in a campaign's send list.
type Recipient struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`

	// Position is the recipient's place in the original list; sends happen
	// in position order.
	Position int `json:"position"`

	Email      string            `json:"email"`
	Attributes map[string]string `json:"attributes,omitempty"`

	Status  RecipientStatus `json:"status"`
	Retries int             `json:"retries"`

	LastError   string `json:"last_error,omitempty"`
	AccountName string `json:"account_name,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// SendAttempt is one append-only delivery attempt record.
type SendAttempt struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	RecipientID string    `json:"recipient_id"`
	Email       string    `json:"email"`
	AccountName string    `json:"account_name"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecipientFilter narrows recipient listings.
type RecipientFilter struct {
	Status RecipientStatus
	Limit  int
	Offset int
}
