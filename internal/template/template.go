package template

import (
	"time"
)

// Template is a stored email template. Campaigns snapshot the template at
// creation time, so edits here only apply to campaigns created afterwards.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Subject     string    `json:"subject"`
	Text        string    `json:"text,omitempty"`
	HTML        string    `json:"html,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Placeholders returns the recognized placeholder keys used anywhere in the
// template, in order of first appearance.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, s := range []string{t.Subject, t.Text, t.HTML} {
		for _, key := range ExtractPlaceholders(s) {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// Rendered is the personalized output for a single recipient.
type Rendered struct {
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// ListFilter contains filters for listing templates.
type ListFilter struct {
	Limit  int
	Offset int
	Search string
}
