package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

// ErrNotFound is returned when no template exists with the requested id or name.
var ErrNotFound = errors.New("template not found")

// Storage persists templates in bbolt. Names are unique across templates.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates template storage on an open bbolt database.
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTemplateNames)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create stores a new template, assigning its id and version.
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if tmpl.Subject == "" {
		return fmt.Errorf("template subject is required")
	}
	if tmpl.Text == "" && tmpl.HTML == "" {
		return fmt.Errorf("template needs a text or html body")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketTemplateNames)
		if existing := names.Get([]byte(tmpl.Name)); existing != nil {
			return fmt.Errorf("template with name %q already exists", tmpl.Name)
		}

		tmpl.ID = uuid.New().String()
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now()
		tmpl.UpdatedAt = tmpl.CreatedAt

		if err := putTemplate(tx, tmpl); err != nil {
			return err
		}
		return names.Put([]byte(tmpl.Name), []byte(tmpl.ID))
	})
}

// Get retrieves a template by id.
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// GetByName retrieves a template by its unique name.
func (s *Storage) GetByName(ctx context.Context, name string) (*Template, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTemplateNames).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// List returns templates matching the filter, in bucket order.
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				continue
			}
			if !matchesSearch(&tmpl, filter.Search) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			templates = append(templates, &tmpl)
			if filter.Limit > 0 && len(templates) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return templates, err
}

// Update replaces a template's content and bumps its version. Running and
// completed campaigns are unaffected because they carry their own snapshot.
func (s *Storage) Update(ctx context.Context, tmpl *Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(tmpl.ID))
		if data == nil {
			return ErrNotFound
		}
		var existing Template
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}

		names := tx.Bucket(bucketTemplateNames)
		if tmpl.Name != existing.Name {
			if other := names.Get([]byte(tmpl.Name)); other != nil {
				return fmt.Errorf("template with name %q already exists", tmpl.Name)
			}
			if err := names.Delete([]byte(existing.Name)); err != nil {
				return err
			}
			if err := names.Put([]byte(tmpl.Name), []byte(tmpl.ID)); err != nil {
				return err
			}
		}

		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UpdatedAt = time.Now()
		return putTemplate(tx, tmpl)
	})
}

// Delete removes a template by id. Deleting a missing template is a no-op.
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		data := templates.Get([]byte(id))
		if data == nil {
			return nil
		}
		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTemplateNames).Delete([]byte(tmpl.Name)); err != nil {
			return err
		}
		return templates.Delete([]byte(id))
	})
}

func putTemplate(tx *bolt.Tx, tmpl *Template) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	return tx.Bucket(bucketTemplates).Put([]byte(tmpl.ID), data)
}

func matchesSearch(tmpl *Template, search string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(tmpl.Name), search) ||
		strings.Contains(strings.ToLower(tmpl.Description), search)
}
