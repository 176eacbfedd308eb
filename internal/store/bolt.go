package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns    = []byte("campaigns")
	bucketRecipients   = []byte("recipients")
	bucketRecipientIDs = []byte("recipient_ids")
	bucketAttempts     = []byte("attempts")
)

// BoltStore is the bbolt-backed Store. Recipient rows are keyed by campaign
// and position so range scans walk them in send order; a secondary index
// maps recipient ids to their row keys.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCampaigns, bucketRecipients, bucketRecipientIDs, bucketAttempts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// DB exposes the underlying database so other subsystems (templates, rate
// limiter counters) can share the same file.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateCampaign persists the campaign and all its recipients in one
// transaction.
func (s *BoltStore) CreateCampaign(ctx context.Context, c *Campaign, recipients []*Recipient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putCampaign(tx, c); err != nil {
			return err
		}
		for _, r := range recipients {
			if err := putRecipient(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCampaign retrieves a campaign by id.
func (s *BoltStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns returns all campaigns.
func (s *BoltStore) ListCampaigns(ctx context.Context) ([]*Campaign, error) {
	var campaigns []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip invalid entries
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	return campaigns, err
}

// UpdateCampaign persists campaign fields and counters.
func (s *BoltStore) UpdateCampaign(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCampaigns).Get([]byte(c.ID)) == nil {
			return ErrNotFound
		}
		return putCampaign(tx, c)
	})
}

// UpdateProgress writes the recipient, the campaign aggregates and the
// optional attempt record in a single transaction.
func (s *BoltStore) UpdateProgress(ctx context.Context, c *Campaign, r *Recipient, attempt *SendAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		r.UpdatedAt = time.Now()
		if err := putRecipient(tx, r); err != nil {
			return err
		}
		if err := putCampaign(tx, c); err != nil {
			return err
		}
		if attempt == nil {
			return nil
		}
		data, err := json.Marshal(attempt)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		return tx.Bucket(bucketAttempts).Put(attemptKey(attempt), data)
	})
}

// GetRecipient retrieves one recipient by id.
func (s *BoltStore) GetRecipient(ctx context.Context, campaignID, id string) (*Recipient, error) {
	var r *Recipient
	err := s.db.View(func(tx *bolt.Tx) error {
		rowKey := tx.Bucket(bucketRecipientIDs).Get(idKey(campaignID, id))
		if rowKey == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketRecipients).Get(rowKey)
		if data == nil {
			return ErrNotFound
		}
		r = &Recipient{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRecipients returns a campaign's recipients in position order.
func (s *BoltStore) ListRecipients(ctx context.Context, campaignID string, filter RecipientFilter) ([]*Recipient, error) {
	var recipients []*Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecipients).Cursor()
		prefix := []byte(campaignID + "/")
		skipped := 0

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if filter.Status != "" && r.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			recipients = append(recipients, &r)
			if filter.Limit > 0 && len(recipients) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return recipients, err
}

// ListAttempts returns a campaign's attempt log in chronological order.
func (s *BoltStore) ListAttempts(ctx context.Context, campaignID string, limit int) ([]*SendAttempt, error) {
	var attempts []*SendAttempt

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		prefix := []byte(campaignID + "/")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a SendAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			attempts = append(attempts, &a)
			if limit > 0 && len(attempts) >= limit {
				break
			}
		}
		return nil
	})

	return attempts, err
}

// RecoverInFlight resets recipients stuck in sending back to pending.
func (s *BoltStore) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecipients)

		// Collect first: a cursor must not see writes made while iterating.
		updates := make(map[string][]byte)
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.Status != RecipientSending {
				continue
			}
			r.Status = RecipientPending
			r.UpdatedAt = time.Now()
			data, err := json.Marshal(&r)
			if err != nil {
				continue
			}
			updates[string(k)] = data
		}

		for k, data := range updates {
			if err := bucket.Put([]byte(k), data); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

func putCampaign(tx *bolt.Tx, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
}

func putRecipient(tx *bolt.Tx, r *Recipient) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal recipient: %w", err)
	}
	key := recipientKey(r)
	if err := tx.Bucket(bucketRecipients).Put(key, data); err != nil {
		return err
	}
	return tx.Bucket(bucketRecipientIDs).Put(idKey(r.CampaignID, r.ID), key)
}

// recipientKey orders rows by campaign then position.
func recipientKey(r *Recipient) []byte {
	return []byte(fmt.Sprintf("%s/%08d", r.CampaignID, r.Position))
}

func idKey(campaignID, id string) []byte {
	return []byte(campaignID + "/" + id)
}

// attemptKey orders the log chronologically within a campaign.
func attemptKey(a *SendAttempt) []byte {
	return []byte(a.CampaignID + "/" + a.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + a.ID)
}
